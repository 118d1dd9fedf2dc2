/*
Package transport moves invocation messages between two peers.

A Conn is a full-duplex, message-oriented connection: Receive is called from a
single reading goroutine, Send may be called from any goroutine. Two transports
are provided: "tcp", a length-prefixed byte stream over net.Conn, and "zmq", a
ZeroMQ ROUTER socket on the listening side with DEALER sockets dialing it.
*/
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dermesser/clusterinvoke/invoke"
)

var (
	// Returned by operations on a connection or listener that was closed locally.
	ErrClosed = errors.New("transport: connection closed")
	// Returned by Listen/Dial for networks other than "tcp" and "zmq".
	ErrUnknownNetwork = errors.New("transport: unknown network")
)

type Conn interface {
	// Receive blocks until the next message arrives. It returns io.EOF when
	// the peer went away cleanly, *invoke.MalformedMessageError for bad input
	// and ErrClosed after Close.
	Receive() (*invoke.Invoke, error)
	Send(m *invoke.Invoke) error
	Close() error
	RemoteAddr() string
}

type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
	// Network is "tcp" or "zmq".
	Network() string
}

// Options carries the optional CURVE configuration of the zmq transport and
// the size limit for received messages.
type Options struct {
	Server *ServerSecurity
	Client *ClientSecurity
	// Largest accepted invocation in bytes; 0 means invoke.DefaultMaxMessageSize.
	MaxMessageSize uint64
}

// Listen opens a listener. For "tcp", address is host:port; for "zmq", it is a
// ZeroMQ endpoint such as tcp://*:9000 or ipc:///tmp/sock.
func Listen(network, address string, opts Options) (Listener, error) {
	switch network {
	case "tcp":
		return listenTCP(address, opts.MaxMessageSize)
	case "zmq":
		return listenZMQ(address, opts.Server, opts.MaxMessageSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

func Dial(ctx context.Context, network, address string, opts Options) (Conn, error) {
	switch network {
	case "tcp":
		return dialTCP(ctx, address, opts.MaxMessageSize)
	case "zmq":
		return dialZMQ(address, opts.Client, opts.MaxMessageSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}
