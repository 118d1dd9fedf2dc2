package server

import "sync/atomic"

/*
keepAlive counts the references that keep a session alive: one base reference
held by the connection plus one per running dispatch or outgoing send. A token
can only be taken while the count is positive, so once it has dropped to zero
the session stays dead.
*/
type keepAlive struct {
	n atomic.Int64
}

func newKeepAlive() *keepAlive {
	k := new(keepAlive)
	k.n.Store(1)
	return k
}

// tryAcquire takes a token. It fails once the count has reached zero.
func (k *keepAlive) tryAcquire() bool {
	for {
		c := k.n.Load()
		if c <= 0 {
			return false
		}
		if k.n.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// release drops a token and reports whether it was the last one.
func (k *keepAlive) release() bool {
	return k.n.Add(-1) == 0
}

func (k *keepAlive) count() int64 {
	return k.n.Load()
}
