package client

import (
	"context"

	"github.com/dermesser/clusterinvoke/invoke"
)

/*
RefusedError is returned when the server answered a login, join or
notifyService request with satisfactory=false.
*/
type RefusedError struct {
	Listener string
	// Authority reported by the server; only set for notifyService.
	Authority int
	Reason    string
}

func (e *RefusedError) Error() string {
	if e.Reason != "" {
		return e.Listener + " refused: " + e.Reason
	}
	return e.Listener + " refused"
}

func satisfactory(m *invoke.Invoke) bool {
	p := m.Get(invoke.ParamSatisfactory)
	if p == nil {
		return false
	}
	ok, err := p.Bool()
	return err == nil && ok
}

/*
NotifyService asks the server to bind the named service to this connection.
It returns the authority the server granted. If the service is unknown or
requires more authority, the error is a *RefusedError.

A connection binds at most one service; the server ignores further requests,
so calling NotifyService on a bound connection blocks until ctx is done.
*/
func (cl *Client) NotifyService(ctx context.Context, name string) (int, error) {
	reply, err := cl.Request(ctx,
		invoke.New(invoke.ListenerNotifyService, invoke.Text(invoke.ParamName, name)),
		invoke.ListenerNotifyAuthority)
	if err != nil {
		return 0, err
	}
	authority, _ := reply.NumberOf(invoke.ParamAuthority)
	if !satisfactory(reply) {
		cl.logger.Info().Str("service", name).Int("authority", int(authority)).Msg("service refused")
		return int(authority), &RefusedError{Listener: invoke.ListenerNotifyService, Authority: int(authority)}
	}
	cl.logger.Debug().Str("service", name).Int("authority", int(authority)).Msg("service bound")
	return int(authority), nil
}

// Login authenticates the connection and returns the granted authority.
func (cl *Client) Login(ctx context.Context, id, password string) (int, error) {
	reply, err := cl.Request(ctx,
		invoke.New(invoke.ListenerLogin, invoke.Text(invoke.ParamID, id), invoke.Text(invoke.ParamPassword, password)),
		invoke.ListenerNotifyLogin)
	if err != nil {
		return 0, err
	}
	if !satisfactory(reply) {
		reason, _ := reply.TextOf(invoke.ParamReason)
		return 0, &RefusedError{Listener: invoke.ListenerLogin, Reason: reason}
	}
	authority, _ := reply.NumberOf(invoke.ParamAuthority)
	return int(authority), nil
}

// Join creates an account on the server.
func (cl *Client) Join(ctx context.Context, id, password string) error {
	reply, err := cl.Request(ctx,
		invoke.New(invoke.ListenerJoin, invoke.Text(invoke.ParamID, id), invoke.Text(invoke.ParamPassword, password)),
		invoke.ListenerNotifyJoin)
	if err != nil {
		return err
	}
	if !satisfactory(reply) {
		reason, _ := reply.TextOf(invoke.ParamReason)
		return &RefusedError{Listener: invoke.ListenerJoin, Reason: reason}
	}
	return nil
}

// Logout ends the session; the server closes the connection afterwards.
func (cl *Client) Logout(ctx context.Context) error {
	if err := cl.Send(ctx, invoke.New(invoke.ListenerLogout)); err != nil {
		return err
	}
	select {
	case <-cl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
