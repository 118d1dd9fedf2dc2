package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/dermesser/clusterinvoke/invoke"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrUserExists     = errors.New("user already exists")
)

// Identity is the result of a successful login.
type Identity struct {
	UserID    string
	Authority int
}

/*
Authenticator implements the login, logout and join listeners. All methods run
synchronously on the session's read loop.

After Login succeeds, the session is moved to the returned user. After Logout
returns, the session is closed regardless of the error.
*/
type Authenticator interface {
	Login(ctx context.Context, s *Session, in *invoke.Invoke) (Identity, error)
	Logout(ctx context.Context, s *Session, in *invoke.Invoke) error
	Join(ctx context.Context, s *Session, in *invoke.Invoke) error
}

// Account is one entry of a StaticAuthenticator.
type Account struct {
	ID        string `mapstructure:"id" toml:"id"`
	Password  string `mapstructure:"password" toml:"password"`
	Authority int    `mapstructure:"authority" toml:"authority"`
}

/*
StaticAuthenticator checks logins against an in-memory account table, usually
read from the configuration file. Join adds an account with JoinAuthority;
it is refused if JoinAuthority is negative.
*/
type StaticAuthenticator struct {
	JoinAuthority int

	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticAuthenticator(accounts []Account, joinAuthority int) *StaticAuthenticator {
	a := &StaticAuthenticator{JoinAuthority: joinAuthority, accounts: make(map[string]Account)}
	for _, acc := range accounts {
		a.accounts[acc.ID] = acc
	}
	return a
}

func credentials(in *invoke.Invoke) (id, password string, err error) {
	id, ok := in.TextOf(invoke.ParamID)
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: missing %q", ErrBadCredentials, invoke.ParamID)
	}
	password, _ = in.TextOf(invoke.ParamPassword)
	return id, password, nil
}

func (a *StaticAuthenticator) Login(_ context.Context, _ *Session, in *invoke.Invoke) (Identity, error) {
	id, password, err := credentials(in)
	if err != nil {
		return Identity{}, err
	}

	a.mu.RLock()
	acc, ok := a.accounts[id]
	a.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare([]byte(acc.Password), []byte(password)) != 1 {
		return Identity{}, ErrBadCredentials
	}
	return Identity{UserID: acc.ID, Authority: acc.Authority}, nil
}

func (a *StaticAuthenticator) Logout(context.Context, *Session, *invoke.Invoke) error {
	return nil
}

func (a *StaticAuthenticator) Join(_ context.Context, _ *Session, in *invoke.Invoke) error {
	if a.JoinAuthority < 0 {
		return errors.New("joining is disabled")
	}
	id, password, err := credentials(in)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[id]; ok {
		return fmt.Errorf("%w: %q", ErrUserExists, id)
	}
	a.accounts[id] = Account{ID: id, Password: password, Authority: a.JoinAuthority}
	return nil
}
