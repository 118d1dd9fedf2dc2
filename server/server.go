package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/metrics"
	"github.com/dermesser/clusterinvoke/transport"
)

type Options struct {
	// Concurrent dispatches per user; 0 means unbounded.
	AdmissionCapacity int
	// Authority of sessions that have not logged in.
	AnonymousAuthority int
	// Handles login, logout and join. If nil, login and join are refused.
	Authenticator Authenticator
}

/*
Server accepts connections and runs one Session per connection.
Services must be registered in the Registry before sessions can bind them.
*/
type Server struct {
	registry *Registry
	opts     Options
	logger   zerolog.Logger

	// Dispatch context; canceled by Shutdown once sessions are drained.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	users    map[string]*User

	// Respond "no" to health checks, but keep serving
	lameduck atomic.Bool
	// Do not accept connections anymore
	loadshed atomic.Bool

	rpclogger atomic.Pointer[zerolog.Logger]
}

func NewServer(registry *Registry, opts Options) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	srv := &Server{
		registry: registry,
		opts:     opts,
		logger:   log.WithComponent("server"),
		sessions: make(map[string]*Session),
		users:    make(map[string]*User),
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	return srv
}

func (srv *Server) Registry() *Registry {
	return srv.registry
}

/*
Serve accepts connections from l until ctx is done or l fails. It does not
close l or the sessions; use Shutdown for that.

A server in loadshed mode closes new connections immediately.
*/
func (srv *Server) Serve(ctx context.Context, l transport.Listener) error {
	srv.logger.Info().Str("addr", l.Addr()).Msg("serving")

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		if srv.loadshed.Load() {
			srv.logger.Warn().Str("remote", conn.RemoteAddr()).Msg("loadshed: refusing connection")
			conn.Close()
			continue
		}
		srv.Attach(conn, l.Network())
	}
}

// Attach starts a session on an established connection.
func (srv *Server) Attach(conn transport.Conn, transportName string) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		srv:       srv,
		conn:      conn,
		transport: transportName,
		keep:      newKeepAlive(),
		finalized: make(chan struct{}),
		userID:    anonymousPrefix + id,
	}
	s.ctx, s.cancel = context.WithCancel(srv.ctx)
	s.logger = srv.logger.With().Str("session_id", id).Str("remote", conn.RemoteAddr()).Logger()

	srv.mu.Lock()
	srv.retainUserLocked(s.userID, srv.opts.AnonymousAuthority, true)
	srv.sessions[id] = s
	srv.mu.Unlock()

	metrics.SessionsOpen.Inc()
	metrics.SessionsTotal.WithLabelValues(transportName).Inc()
	s.logger.Debug().Msg("session started")

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		s.readLoop()
	}()
	return s
}

// Moves a session from its current user to the logged-in one.
func (srv *Server) rehome(s *Session, id Identity) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	s.mu.Lock()
	old := s.userID
	s.userID = id.UserID
	s.authenticated = true
	s.mu.Unlock()

	srv.retainUserLocked(id.UserID, id.Authority, false)
	if u, ok := srv.users[old]; ok {
		srv.releaseUserLocked(u)
	}
}

func (srv *Server) removeSession(s *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if cur, ok := srv.sessions[s.id]; ok && cur == s {
		delete(srv.sessions, s.id)
		metrics.SessionsOpen.Dec()
	}
	if u, ok := srv.users[s.UserID()]; ok {
		srv.releaseUserLocked(u)
	}
}

// Session returns a live session by id.
func (srv *Server) Session(id string) (*Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[id]
	return s, ok
}

type SessionInfo struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	Service    string `json:"service,omitempty"`
	RemoteAddr string `json:"remote_addr"`
	Transport  string `json:"transport"`
}

// Sessions lists live sessions ordered by id.
func (srv *Server) Sessions() []SessionInfo {
	srv.mu.Lock()
	list := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		list = append(list, s)
	}
	srv.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, SessionInfo{
			ID:         s.id,
			UserID:     s.UserID(),
			State:      s.State().String(),
			Service:    s.ServiceName(),
			RemoteAddr: s.RemoteAddr(),
			Transport:  s.transport,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// NumUsers returns the number of users with live sessions or dispatches.
func (srv *Server) NumUsers() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.users)
}

/*
Shutdown closes all sessions and waits for running dispatches until ctx is
done. Dispatches still running afterwards see their context canceled.
*/
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.loadshed.Store(true)

	srv.mu.Lock()
	list := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		list = append(list, s)
	}
	srv.mu.Unlock()

	for _, s := range list {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	defer srv.cancel()
	select {
	case <-done:
		srv.logger.Info().Msg("server stopped")
		return nil
	case <-ctx.Done():
		srv.logger.Warn().Msg("shutdown deadline exceeded; canceling dispatches")
		srv.cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ctx.Err()
	}
}

/*
A server that is in lameduck mode will respond negatively to health checks
but continue serving.
*/
func (srv *Server) SetLameduck(lameduck bool) {
	srv.lameduck.Store(lameduck)
}

/*
A server in loadshed mode will refuse any new connection immediately.
*/
func (srv *Server) SetLoadshed(loadshed bool) {
	srv.loadshed.Store(loadshed)
}

// Healthy reports false in lameduck or loadshed mode.
func (srv *Server) Healthy() bool {
	return !srv.lameduck.Load() && !srv.loadshed.Load()
}
