package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/clusterinvoke/invoke"
)

const streamBufferSize = 64 << 10

// streamConn carries invocations over any reliable byte stream.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
	w       *bufio.Writer

	closed atomic.Bool
	limit  uint64
}

// NewStreamConn wraps c. The returned Conn owns c.
func NewStreamConn(c net.Conn) Conn {
	return newStreamConn(c, 0)
}

func newStreamConn(c net.Conn, limit uint64) *streamConn {
	return &streamConn{
		conn:  c,
		limit: limit,
		r:     bufio.NewReaderSize(c, streamBufferSize),
		w:     bufio.NewWriterSize(c, streamBufferSize),
	}
}

func (c *streamConn) Receive() (*invoke.Invoke, error) {
	m, err := invoke.DecodeLimit(c.r, c.limit)
	if err != nil && c.closed.Load() {
		return nil, ErrClosed
	}
	return m, err
}

func (c *streamConn) Send(m *invoke.Invoke) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := invoke.Encode(c.w, m); err != nil {
		c.w.Reset(c.conn)
		return err
	}
	return c.w.Flush()
}

func (c *streamConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type tcpListener struct {
	l     *net.TCPListener
	limit uint64
}

// How often a blocked Accept checks its context.
const acceptPollInterval = 250 * time.Millisecond

func ListenTCP(address string) (Listener, error) {
	return listenTCP(address, 0)
}

func listenTCP(address string, limit uint64) (Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l, limit: limit}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.l.SetDeadline(time.Now().Add(acceptPollInterval))
		c, err := l.l.AcceptTCP()
		if err == nil {
			c.SetNoDelay(true)
			return newStreamConn(c, l.limit), nil
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}

func (l *tcpListener) Addr() string {
	return l.l.Addr().String()
}

func (l *tcpListener) Network() string {
	return "tcp"
}

func DialTCP(ctx context.Context, address string) (Conn, error) {
	return dialTCP(ctx, address, 0)
}

func dialTCP(ctx context.Context, address string, limit uint64) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newStreamConn(c, limit), nil
}
