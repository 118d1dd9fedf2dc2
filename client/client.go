/*
Package client implements the peer side of a clusterinvoke connection: binding
a service, logging in and exchanging invocations with the server.

Outgoing messages are queued and written by a separate goroutine, so Send only
blocks when the queue is full. Incoming messages go to the handler registered
for their listener, or to a goroutine waiting for that listener in Await.
*/
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/transport"
)

var ErrClosed = errors.New("client closed")

const DefaultQueueLength = 64

type Options struct {
	// Name identifies the client in logs.
	Name string
	// Capacity of the outbound queue; DefaultQueueLength if 0.
	QueueLength int
}

// Handler is called on the read goroutine for every message of its listener.
type Handler func(in *invoke.Invoke)

type Client struct {
	conn   transport.Conn
	name   string
	logger zerolog.Logger

	queue   chan *invoke.Invoke
	qlength int

	mu       sync.Mutex
	handlers map[string]Handler
	waiters  map[string][]chan *invoke.Invoke
	err      error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New takes over conn and starts reading and writing on it.
func New(conn transport.Conn, opts Options) *Client {
	if opts.QueueLength <= 0 {
		opts.QueueLength = DefaultQueueLength
	}
	cl := &Client{
		conn:     conn,
		name:     opts.Name,
		logger:   log.WithComponent("client").With().Str("client", opts.Name).Str("remote", conn.RemoteAddr()).Logger(),
		queue:    make(chan *invoke.Invoke, opts.QueueLength),
		qlength:  opts.QueueLength,
		handlers: make(map[string]Handler),
		waiters:  make(map[string][]chan *invoke.Invoke),
		done:     make(chan struct{}),
	}
	cl.wg.Add(2)
	go cl.readLoop()
	go cl.writeLoop()
	return cl
}

// Dial connects to a server over network ("tcp" or "zmq").
func Dial(ctx context.Context, network, address string, topts transport.Options, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, network, address, topts)
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

// Handle registers fn for messages with the given listener, replacing an
// earlier handler. The empty listener catches messages without a handler.
func (cl *Client) Handle(listener string, fn Handler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.handlers[listener] = fn
}

/*
Send queues m for writing. It blocks while the queue is full, until ctx is
done or the client is closed.
*/
func (cl *Client) Send(ctx context.Context, m *invoke.Invoke) error {
	select {
	case <-cl.done:
		return cl.closedErr()
	default:
	}

	if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) && float64(len(cl.queue)) > 0.7*float64(cl.qlength) {
		cl.logger.Warn().Int("queued", len(cl.queue)).Int("capacity", cl.qlength).Msg("outbound queue is fuller than 70% of its capacity")
	}

	select {
	case cl.queue <- m:
		return nil
	case <-cl.done:
		return cl.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

/*
Request sends m and waits for the next message with listener replyTo. The
waiter is registered before sending, so a fast reply is not missed.
*/
func (cl *Client) Request(ctx context.Context, m *invoke.Invoke, replyTo string) (*invoke.Invoke, error) {
	ch := cl.wait(replyTo)
	if err := cl.Send(ctx, m); err != nil {
		cl.unwait(replyTo, ch)
		return nil, err
	}
	return cl.receive(ctx, replyTo, ch)
}

// Await waits for the next message with the given listener.
func (cl *Client) Await(ctx context.Context, listener string) (*invoke.Invoke, error) {
	return cl.receive(ctx, listener, cl.wait(listener))
}

func (cl *Client) wait(listener string) chan *invoke.Invoke {
	ch := make(chan *invoke.Invoke, 1)
	cl.mu.Lock()
	cl.waiters[listener] = append(cl.waiters[listener], ch)
	cl.mu.Unlock()
	return ch
}

func (cl *Client) unwait(listener string, ch chan *invoke.Invoke) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	list := cl.waiters[listener]
	for i, c := range list {
		if c == ch {
			cl.waiters[listener] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(cl.waiters[listener]) == 0 {
		delete(cl.waiters, listener)
	}
}

func (cl *Client) receive(ctx context.Context, listener string, ch chan *invoke.Invoke) (*invoke.Invoke, error) {
	select {
	case m := <-ch:
		return m, nil
	case <-cl.done:
		cl.unwait(listener, ch)
		// A reply may have arrived right before the connection went away.
		select {
		case m := <-ch:
			return m, nil
		default:
		}
		return nil, cl.closedErr()
	case <-ctx.Done():
		cl.unwait(listener, ch)
		return nil, ctx.Err()
	}
}

// deliver hands in to the oldest waiter for its listener, or else to its handler.
func (cl *Client) deliver(in *invoke.Invoke) {
	cl.mu.Lock()
	var waiter chan *invoke.Invoke
	if list := cl.waiters[in.Listener()]; len(list) > 0 {
		waiter = list[0]
		if len(list) == 1 {
			delete(cl.waiters, in.Listener())
		} else {
			cl.waiters[in.Listener()] = list[1:]
		}
	}
	handler, ok := cl.handlers[in.Listener()]
	if !ok {
		handler = cl.handlers[""]
	}
	cl.mu.Unlock()

	switch {
	case waiter != nil:
		waiter <- in
	case handler != nil:
		handler(in)
	default:
		cl.logger.Debug().Str("listener", in.Listener()).Msg("no handler; message dropped")
	}
}

func (cl *Client) readLoop() {
	defer cl.wg.Done()
	for {
		in, err := cl.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrClosed) {
				cl.logger.Warn().Err(err).Msg("receive failed")
			}
			cl.shutdown(err)
			return
		}
		cl.deliver(in)
	}
}

func (cl *Client) writeLoop() {
	defer cl.wg.Done()
	for {
		select {
		case m := <-cl.queue:
			if err := cl.conn.Send(m); err != nil {
				cl.logger.Warn().Err(err).Str("listener", m.Listener()).Msg("send failed")
				cl.shutdown(err)
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (cl *Client) shutdown(cause error) {
	cl.closeOnce.Do(func() {
		cl.mu.Lock()
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, transport.ErrClosed) {
			cl.err = cause
		}
		cl.mu.Unlock()
		close(cl.done)
		cl.conn.Close()
	})
}

func (cl *Client) closedErr() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.err != nil {
		return cl.err
	}
	return ErrClosed
}

// Done is closed when the connection is gone.
func (cl *Client) Done() <-chan struct{} {
	return cl.done
}

// Err returns why the connection failed, or nil if it was closed cleanly.
func (cl *Client) Err() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.err
}

/*
Close drops queued messages that were not written yet and closes the
connection. Use Flush first to wait for the queue to drain.
*/
func (cl *Client) Close() error {
	cl.shutdown(nil)
	cl.wg.Wait()
	return nil
}

// Flush waits until the outbound queue is empty. A message taken from the
// queue may still be in the middle of being written.
func (cl *Client) Flush(ctx context.Context) error {
	for len(cl.queue) > 0 {
		select {
		case <-cl.done:
			return cl.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
