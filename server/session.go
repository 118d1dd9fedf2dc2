package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/metrics"
	"github.com/dermesser/clusterinvoke/transport"
)

// Returned by Send once a session is closed.
var ErrSessionClosed = errors.New("session closed")

type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateServiceBound
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateServiceBound:
		return "service_bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

/*
A Session is the server side of one connection. It reads invocations on its
own goroutine, answers the builtin listeners itself and hands everything else
to the bound service, one goroutine per invocation.

Running dispatches hold keep-alive tokens: the session is finalized (service
closed, removed from the server) only after the connection is gone and the
last token was returned.
*/
type Session struct {
	id        string
	srv       *Server
	conn      transport.Conn
	transport string
	logger    zerolog.Logger

	keep      *keepAlive
	closing   atomic.Bool
	finalOnce sync.Once
	finalized chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	userID        string
	authenticated bool
	service       Service
	spec          *ServiceSpec
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Logger returns the session's logger, annotated with its id.
func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

// Context is canceled when the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed once the session is finalized.
func (s *Session) Done() <-chan struct{} {
	return s.finalized
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Authority returns the authority of the session's current user.
func (s *Session) Authority() int {
	if u, ok := s.srv.User(s.UserID()); ok {
		return u.Authority()
	}
	return 0
}

func (s *Session) State() State {
	if s.closing.Load() {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.service != nil {
		return StateServiceBound
	}
	if s.authenticated {
		return StateAuthenticated
	}
	return StateAnonymous
}

// ServiceName returns the name of the bound service or "".
func (s *Session) ServiceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spec == nil {
		return ""
	}
	return s.spec.Name
}

/*
Send writes m to the peer. It may be called from any goroutine, including
service handlers after the session was closed, in which case it returns
ErrSessionClosed.
*/
func (s *Session) Send(m *invoke.Invoke) error {
	if s.closing.Load() || !s.keep.tryAcquire() {
		return ErrSessionClosed
	}
	defer s.releaseToken()

	s.srv.rpclog(s, rpclogResponse, m)
	if err := s.conn.Send(m); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrSessionClosed
		}
		s.srv.rpclogErr(s, err)
		return err
	}
	return nil
}

// Close closes the connection. Running dispatches continue; the session is
// finalized when the last of them returns.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.conn.Close()
	s.releaseToken()
	return err
}

func (s *Session) releaseToken() {
	if s.keep.release() {
		s.finalize()
	}
}

func (s *Session) finalize() {
	s.finalOnce.Do(func() {
		s.mu.Lock()
		svc := s.service
		s.mu.Unlock()

		if closer, ok := svc.(io.Closer); ok {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error().Interface("panic", r).Msg("service Close panicked")
					}
				}()
				if err := closer.Close(); err != nil {
					s.logger.Warn().Err(err).Msg("service Close failed")
				}
			}()
		}

		s.srv.removeSession(s)
		s.logger.Debug().Msg("session finalized")
		close(s.finalized)
	})
}

func (s *Session) readLoop() {
	defer s.Close()

	for {
		in, err := s.conn.Receive()
		if err != nil {
			var malformed *invoke.MalformedMessageError
			switch {
			case errors.As(err, &malformed):
				metrics.MalformedMessagesTotal.Inc()
				s.logger.Warn().Err(err).Msg("closing connection after malformed message")
			case errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed):
				s.logger.Debug().Msg("connection closed")
			default:
				s.logger.Warn().Err(err).Msg("receive failed")
			}
			return
		}

		s.srv.rpclog(s, rpclogRequest, in)
		s.handle(in)

		if s.closing.Load() {
			return
		}
	}
}

func (s *Session) handle(in *invoke.Invoke) {
	b := lookupBuiltin(in.Listener())
	if b == builtinNone {
		s.dispatch(in)
		return
	}

	metrics.RecordInvocation("builtin")
	switch b {
	case builtinNotifyService:
		s.notifyService(in)
	case builtinLogin:
		s.login(in)
	case builtinLogout:
		s.logout(in)
	case builtinJoin:
		s.join(in)
	}
}

func serviceName(in *invoke.Invoke) string {
	if name, ok := in.TextOf(invoke.ParamName); ok {
		return name
	}
	if p := in.At(0); p != nil {
		if name, err := p.Text(); err == nil {
			return name
		}
	}
	return ""
}

/*
notifyService binds a service at most once per session. Later requests are
ignored without a reply. Failed requests leave the session unbound, so the
client may try again.
*/
func (s *Session) notifyService(in *invoke.Invoke) {
	s.mu.Lock()
	bound := s.service != nil
	s.mu.Unlock()
	if bound {
		s.logger.Debug().Msg("notifyService on bound session ignored")
		return
	}

	name := serviceName(in)
	authority := s.Authority()
	l := s.logger.With().Str("service", name).Int("authority", authority).Logger()

	spec, ok := s.srv.registry.Lookup(name)
	if !ok {
		metrics.RecordServiceBind("unknown", "unknown")
		l.Info().Msg("notifyService for unknown service")
		s.Send(notifyAuthority(0, false))
		return
	}

	if authority < spec.RequiredAuthority {
		metrics.RecordServiceBind(name, "unauthorized")
		l.Info().Int("required", spec.RequiredAuthority).Msg("authority insufficient for service")
		s.Send(notifyAuthority(authority, false))
		return
	}

	svc, err := spec.New(s)
	if err != nil || svc == nil {
		metrics.RecordServiceBind(name, "failed")
		l.Error().Err(err).Msg("could not construct service")
		s.Send(notifyAuthority(authority, false))
		return
	}

	s.mu.Lock()
	s.service = svc
	s.spec = &spec
	s.mu.Unlock()

	metrics.RecordServiceBind(name, "bound")
	l.Info().Msg("service bound")
	s.Send(notifyAuthority(authority, true))
}

func (s *Session) login(in *invoke.Invoke) {
	auth := s.srv.opts.Authenticator
	if auth == nil {
		s.Send(invoke.New(invoke.ListenerNotifyLogin, invoke.Bool(invoke.ParamSatisfactory, false)))
		return
	}

	id, err := auth.Login(s.ctx, s, in)
	if err != nil {
		s.logger.Info().Err(err).Msg("login refused")
		s.Send(invoke.New(invoke.ListenerNotifyLogin,
			invoke.Bool(invoke.ParamSatisfactory, false),
			invoke.Text(invoke.ParamReason, err.Error())))
		return
	}

	s.srv.rehome(s, id)
	s.logger.Info().Str("user_id", id.UserID).Int("authority", id.Authority).Msg("logged in")
	s.Send(invoke.New(invoke.ListenerNotifyLogin,
		invoke.Bool(invoke.ParamSatisfactory, true),
		invoke.Text(invoke.ParamID, id.UserID),
		invoke.Number(invoke.ParamAuthority, float64(id.Authority))))
}

func (s *Session) logout(in *invoke.Invoke) {
	if auth := s.srv.opts.Authenticator; auth != nil {
		if err := auth.Logout(s.ctx, s, in); err != nil {
			s.logger.Warn().Err(err).Msg("logout failed")
		}
	}
	s.logger.Info().Msg("logged out")
	s.Close()
}

func (s *Session) join(in *invoke.Invoke) {
	auth := s.srv.opts.Authenticator
	var err error
	if auth == nil {
		err = errors.New("no authenticator")
	} else {
		err = auth.Join(s.ctx, s, in)
	}

	if err != nil {
		s.logger.Info().Err(err).Msg("join refused")
		s.Send(invoke.New(invoke.ListenerNotifyJoin,
			invoke.Bool(invoke.ParamSatisfactory, false),
			invoke.Text(invoke.ParamReason, err.Error())))
		return
	}
	s.Send(invoke.New(invoke.ListenerNotifyJoin, invoke.Bool(invoke.ParamSatisfactory, true)))
}

/*
dispatch runs a service invocation on its own goroutine. The goroutine holds a
keep-alive token and a reference to the user for its whole lifetime and an
admission slot while the handler runs. The slot is released before the token.
*/
func (s *Session) dispatch(in *invoke.Invoke) {
	s.mu.Lock()
	svc, spec := s.service, s.spec
	userID := s.userID
	s.mu.Unlock()

	if svc == nil {
		metrics.RecordInvocation("dropped")
		s.logger.Debug().Str("listener", in.Listener()).Msg("no service bound; invocation dropped")
		return
	}
	if !spec.accepts(in.Listener()) {
		metrics.RecordInvocation("dropped")
		s.logger.Warn().Str("listener", in.Listener()).Str("service", spec.Name).Msg("listener not served by service; invocation dropped")
		return
	}

	if !s.keep.tryAcquire() {
		return
	}
	user := s.srv.pinUser(userID)
	if user == nil {
		s.releaseToken()
		return
	}

	metrics.RecordInvocation("service")
	token := log.GetLogToken()
	l := s.logger.With().Str("listener", in.Listener()).Str("token", token).Logger()

	s.srv.wg.Add(1)
	go func() {
		defer s.srv.wg.Done()
		defer s.releaseToken()
		defer s.srv.unpinUser(user)

		if err := user.sem.Acquire(s.srv.ctx); err != nil {
			metrics.RecordDispatchOutcome("canceled")
			l.Debug().Err(err).Msg("dispatch canceled while waiting for admission")
			return
		}
		defer user.sem.Release()

		outcome := "ok"
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				l.Error().Str("panic", fmt.Sprint(r)).Msg("service handler panicked")
			}
			metrics.RecordDispatchOutcome(outcome)
		}()

		if err := svc.Handle(s.srv.ctx, in); err != nil {
			outcome = "error"
			l.Warn().Err(err).Msg("service handler failed")
			s.srv.rpclogErr(s, err)
		}
	}()
}
