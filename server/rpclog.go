package server

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/invoke"
)

type rpclogType int

const (
	rpclogRequest rpclogType = iota
	rpclogResponse
	rpclogError
)

func (t rpclogType) String() string {
	switch t {
	case rpclogRequest:
		return "REQ"
	case rpclogResponse:
		return "RSP"
	case rpclogError:
		return "ERR"
	default:
		return ""
	}
}

/*
SetRPCLogger logs every invocation received or sent by any session to w, one
line each. Pass nil to turn it off.
*/
func (srv *Server) SetRPCLogger(w io.Writer) {
	if w == nil {
		srv.rpclogger.Store(nil)
		return
	}
	l := zerolog.New(w).With().Timestamp().Logger()
	srv.rpclogger.Store(&l)
}

func (srv *Server) rpclog(s *Session, t rpclogType, m *invoke.Invoke) {
	l := srv.rpclogger.Load()
	if l == nil {
		return
	}
	l.Log().Str("dir", t.String()).Str("session_id", s.id).Str("user_id", s.UserID()).Msg(invoke.Describe(m))
}

func (srv *Server) rpclogErr(s *Session, err error) {
	l := srv.rpclogger.Load()
	if l == nil {
		return
	}
	l.Log().Str("dir", rpclogError.String()).Str("session_id", s.id).Msg(err.Error())
}
