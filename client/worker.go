package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
)

// WorkFunc computes the result parameters of one dispatched piece of work.
type WorkFunc func(ctx context.Context, in *invoke.Invoke) ([]*invoke.Parameter, error)

var ErrNoRoles = errors.New("worker has no registered roles")

/*
A Worker serves dispatched work over a Client. Every piece runs on its own
goroutine; its result is reported back with the piece's history uid, so the
master can measure how long it took. Failed pieces are reported too, with an
"error" parameter.
*/
type Worker struct {
	cl     *Client
	logger zerolog.Logger

	mu    sync.Mutex
	roles map[string]WorkFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cl *Client) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cl:     cl,
		logger: cl.logger.With().Str("component", "worker").Logger(),
		roles:  make(map[string]WorkFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a role. Roles must be registered before Join.
func (w *Worker) Register(role string, fn WorkFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roles[role] = fn
}

func (w *Worker) sortedRoles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	roles := make([]string, 0, len(w.roles))
	for r := range w.roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

/*
Join binds the system service of the given name and announces the registered
roles. Afterwards the master may dispatch work at any time.
*/
func (w *Worker) Join(ctx context.Context, service string) error {
	roles := w.sortedRoles()
	if len(roles) == 0 {
		return ErrNoRoles
	}

	w.cl.Handle("", w.handle)
	if _, err := w.cl.NotifyService(ctx, service); err != nil {
		return fmt.Errorf("binding %q: %w", service, err)
	}

	params := make([]*invoke.Parameter, len(roles))
	for i, r := range roles {
		params[i] = invoke.Text(invoke.ParamRole, r)
	}
	if err := w.cl.Send(ctx, invoke.New(invoke.ListenerRegisterProcess, params...)); err != nil {
		return err
	}
	w.logger.Info().Strs("roles", roles).Str("service", service).Msg("joined")
	return nil
}

func (w *Worker) handle(in *invoke.Invoke) {
	uid, ok := in.NumberOf(invoke.ParamHistoryUID)
	if !ok {
		w.logger.Debug().Str("listener", in.Listener()).Msg("message without history uid dropped")
		return
	}
	role, ok := in.TextOf(invoke.ParamProcess)
	if !ok {
		role = in.Listener()
	}

	w.mu.Lock()
	fn := w.roles[role]
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		token := log.GetLogToken()
		l := w.logger.With().Str("role", role).Str("token", token).Uint64("uid", uint64(uid)).Logger()

		var results []*invoke.Parameter
		var err error
		if fn == nil {
			err = fmt.Errorf("role %q not served", role)
		} else {
			results, err = w.run(fn, in.Without(invoke.ParamHistoryUID, invoke.ParamProcess))
		}

		report := append([]*invoke.Parameter{invoke.Number(invoke.ParamHistoryUID, uid)}, results...)
		if err != nil {
			l.Warn().Err(err).Msg("work failed")
			report = append(report, invoke.Text(invoke.ParamError, err.Error()))
		}
		if err := w.cl.Send(w.ctx, invoke.New(invoke.ListenerReportHistory, report...)); err != nil {
			l.Warn().Err(err).Msg("could not report result")
			return
		}
		l.Debug().Msg("reported")
	}()
}

func (w *Worker) run(fn WorkFunc, in *invoke.Invoke) (results []*invoke.Parameter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(w.ctx, in)
}

// Wait blocks until every started piece has been reported.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stop cancels running pieces and waits for them.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}
