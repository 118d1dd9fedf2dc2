package server

// A User owns the sessions logged in under its id and their admission semaphore.
// Anonymous sessions each get a user of their own.
type User struct {
	id        string
	authority int
	anonymous bool
	sem       *Semaphore

	// Sessions and running dispatches referencing the user; guarded by Server.mu.
	refs int
}

func (u *User) ID() string {
	return u.id
}

func (u *User) Authority() int {
	return u.authority
}

func (u *User) Anonymous() bool {
	return u.anonymous
}

func (u *User) Semaphore() *Semaphore {
	return u.sem
}

const anonymousPrefix = "anonymous-"

// Must be called with srv.mu held.
func (srv *Server) retainUserLocked(id string, authority int, anonymous bool) *User {
	u, ok := srv.users[id]
	if !ok {
		u = &User{id: id, authority: authority, anonymous: anonymous, sem: NewSemaphore(srv.opts.AdmissionCapacity)}
		srv.users[id] = u
	} else if !anonymous {
		u.authority = authority
	}
	u.refs++
	return u
}

// Must be called with srv.mu held.
func (srv *Server) releaseUserLocked(u *User) {
	u.refs--
	if u.refs <= 0 {
		if cur, ok := srv.users[u.id]; ok && cur == u {
			delete(srv.users, u.id)
		}
	}
}

// pinUser takes a reference to the user with the given id for the duration
// of a dispatch. Returns nil if the user is gone.
func (srv *Server) pinUser(id string) *User {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	u, ok := srv.users[id]
	if !ok {
		return nil
	}
	u.refs++
	return u
}

func (srv *Server) unpinUser(u *User) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.releaseUserLocked(u)
}

// User returns the registered user with that id.
func (srv *Server) User(id string) (*User, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	u, ok := srv.users[id]
	return u, ok
}
