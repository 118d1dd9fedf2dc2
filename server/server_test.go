package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/transport"
)

type testService struct {
	handle  func(ctx context.Context, in *invoke.Invoke) error
	onClose func()
}

func (ts *testService) Handle(ctx context.Context, in *invoke.Invoke) error {
	return ts.handle(ctx, in)
}

func (ts *testService) Close() error {
	if ts.onClose != nil {
		ts.onClose()
	}
	return nil
}

func echoSpec(name string, authority int) ServiceSpec {
	return Handlers{
		"echo": func(ctx context.Context, s *Session, in *invoke.Invoke) error {
			return s.Send(invoke.New("echoed", in.Parameters()...))
		},
	}.Spec(name, authority)
}

func connect(t *testing.T, srv *Server) (transport.Conn, *Session) {
	t.Helper()
	a, b := net.Pipe()
	sess := srv.Attach(transport.NewStreamConn(b), "pipe")
	cl := transport.NewStreamConn(a)
	t.Cleanup(func() { cl.Close() })
	return cl, sess
}

func receive(t *testing.T, c transport.Conn) *invoke.Invoke {
	t.Helper()
	type result struct {
		m   *invoke.Invoke
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := c.Receive()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func bind(t *testing.T, c transport.Conn, name string) (int, bool) {
	t.Helper()
	require.NoError(t, c.Send(invoke.New(invoke.ListenerNotifyService, invoke.Text(invoke.ParamName, name))))
	reply := receive(t, c)
	require.Equal(t, invoke.ListenerNotifyAuthority, reply.Listener())
	authority, ok := reply.NumberOf(invoke.ParamAuthority)
	require.True(t, ok)
	satisfactory, err := reply.Get(invoke.ParamSatisfactory).Bool()
	require.NoError(t, err)
	return int(authority), satisfactory
}

func shutdown(t *testing.T, srv *Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestNotifyServiceIdempotent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("echo", 0)))
	srv := NewServer(reg, Options{})
	defer shutdown(t, srv)

	c, sess := connect(t, srv)

	_, ok := bind(t, c, "echo")
	require.True(t, ok)
	assert.Equal(t, StateServiceBound, sess.State())

	// Second request gets no reply; the next message must be the echo.
	require.NoError(t, c.Send(invoke.New(invoke.ListenerNotifyService, invoke.Text(invoke.ParamName, "echo"))))
	require.NoError(t, c.Send(invoke.New("echo", invoke.Number("n", 7))))

	reply := receive(t, c)
	assert.Equal(t, "echoed", reply.Listener())
	n, _ := reply.NumberOf("n")
	assert.Equal(t, 7.0, n)
}

func TestNotifyServiceFailures(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("admin", 5)))
	require.NoError(t, reg.Register(echoSpec("public", 0)))
	srv := NewServer(reg, Options{AnonymousAuthority: 2})
	defer shutdown(t, srv)

	c, sess := connect(t, srv)

	authority, ok := bind(t, c, "nonexistent")
	assert.False(t, ok)
	assert.Equal(t, 0, authority)

	authority, ok = bind(t, c, "admin")
	assert.False(t, ok)
	assert.Equal(t, 2, authority)
	assert.Equal(t, StateAnonymous, sess.State())

	// An unbound session may try again.
	authority, ok = bind(t, c, "public")
	assert.True(t, ok)
	assert.Equal(t, 2, authority)
	assert.Equal(t, "public", sess.ServiceName())
}

func TestDroppedWithoutService(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("echo", 0)))
	srv := NewServer(reg, Options{})
	defer shutdown(t, srv)

	c, _ := connect(t, srv)
	require.NoError(t, c.Send(invoke.New("echo", invoke.Text("lost", "x"))))
	require.NoError(t, c.Send(invoke.New("unknown-listener")))

	_, ok := bind(t, c, "echo")
	require.True(t, ok)

	// Listener outside the advertised list is dropped as well.
	require.NoError(t, c.Send(invoke.New("notAdvertised")))
	require.NoError(t, c.Send(invoke.New("echo", invoke.Text("kept", "y"))))
	reply := receive(t, c)
	assert.NotNil(t, reply.Get("kept"))
	assert.Nil(t, reply.Get("lost"))
}

func TestAdmissionBound(t *testing.T) {
	var cur, peak atomic.Int32
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(5)

	reg := NewRegistry()
	require.NoError(t, reg.Register(ServiceSpec{
		Name: "work",
		New: func(s *Session) (Service, error) {
			return &testService{handle: func(ctx context.Context, in *invoke.Invoke) error {
				defer finished.Done()
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				cur.Add(-1)
				return nil
			}}, nil
		},
	}))
	srv := NewServer(reg, Options{AdmissionCapacity: 2})
	defer shutdown(t, srv)

	c, sess := connect(t, srv)
	_, ok := bind(t, c, "work")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(invoke.New("run", invoke.Number("i", float64(i)))))
	}

	user, ok := srv.User(sess.UserID())
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return user.Semaphore().InFlight() == 2 && user.Semaphore().Waiting() == 3
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), cur.Load())

	close(release)
	finished.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestKeepAliveOutlivesConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	entered := make(chan struct{})
	proceed := make(chan struct{})
	sendErr := make(chan error, 1)
	var closes atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.Register(ServiceSpec{
		Name: "slow",
		New: func(s *Session) (Service, error) {
			return &testService{
				handle: func(ctx context.Context, in *invoke.Invoke) error {
					close(entered)
					<-proceed
					sendErr <- s.Send(invoke.New("late"))
					return nil
				},
				onClose: func() { closes.Add(1) },
			}, nil
		},
	}))
	srv := NewServer(reg, Options{AdmissionCapacity: 1})

	c, sess := connect(t, srv)
	_, ok := bind(t, c, "slow")
	require.True(t, ok)

	require.NoError(t, c.Send(invoke.New("run")))
	<-entered

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return sess.State() == StateClosed }, 5*time.Second, 5*time.Millisecond)

	select {
	case <-sess.Done():
		t.Fatal("session finalized while a dispatch is running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(0), closes.Load())
	_, live := srv.Session(sess.ID())
	assert.True(t, live)

	close(proceed)
	assert.ErrorIs(t, <-sendErr, ErrSessionClosed)

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not finalized")
	}
	assert.Equal(t, int32(1), closes.Load())
	_, live = srv.Session(sess.ID())
	assert.False(t, live)
	assert.Equal(t, 0, srv.NumUsers())

	shutdown(t, srv)
}

func TestHandlerPanicDoesNotKillSession(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Handlers{
		"boom": func(ctx context.Context, s *Session, in *invoke.Invoke) error {
			panic("boom")
		},
		"fail": func(ctx context.Context, s *Session, in *invoke.Invoke) error {
			return errors.New("failed")
		},
		"echo": func(ctx context.Context, s *Session, in *invoke.Invoke) error {
			return s.Send(invoke.New("echoed"))
		},
	}.Spec("mixed", 0)))
	srv := NewServer(reg, Options{})
	defer shutdown(t, srv)

	c, sess := connect(t, srv)
	_, ok := bind(t, c, "mixed")
	require.True(t, ok)

	require.NoError(t, c.Send(invoke.New("boom")))
	require.NoError(t, c.Send(invoke.New("fail")))
	require.NoError(t, c.Send(invoke.New("echo")))
	assert.Equal(t, "echoed", receive(t, c).Listener())
	assert.Equal(t, StateServiceBound, sess.State())
}

func TestLoginLogoutJoin(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("admin", 5)))
	auth := NewStaticAuthenticator([]Account{{ID: "root", Password: "secret", Authority: 9}}, 1)
	srv := NewServer(reg, Options{Authenticator: auth})
	defer shutdown(t, srv)

	c, sess := connect(t, srv)
	anonymous := sess.UserID()

	require.NoError(t, c.Send(invoke.New(invoke.ListenerLogin, invoke.Text(invoke.ParamID, "root"), invoke.Text(invoke.ParamPassword, "wrong"))))
	reply := receive(t, c)
	assert.Equal(t, invoke.ListenerNotifyLogin, reply.Listener())
	ok, _ := reply.Get(invoke.ParamSatisfactory).Bool()
	assert.False(t, ok)

	require.NoError(t, c.Send(invoke.New(invoke.ListenerLogin, invoke.Text(invoke.ParamID, "root"), invoke.Text(invoke.ParamPassword, "secret"))))
	reply = receive(t, c)
	ok, _ = reply.Get(invoke.ParamSatisfactory).Bool()
	require.True(t, ok)
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Equal(t, "root", sess.UserID())
	_, stillThere := srv.User(anonymous)
	assert.False(t, stillThere, "anonymous user must be released after login")

	authority, bound := bind(t, c, "admin")
	assert.True(t, bound)
	assert.Equal(t, 9, authority)

	require.NoError(t, c.Send(invoke.New(invoke.ListenerJoin, invoke.Text(invoke.ParamID, "root"), invoke.Text(invoke.ParamPassword, "x"))))
	reply = receive(t, c)
	assert.Equal(t, invoke.ListenerNotifyJoin, reply.Listener())
	ok, _ = reply.Get(invoke.ParamSatisfactory).Bool()
	assert.False(t, ok, "joining an existing account must fail")

	require.NoError(t, c.Send(invoke.New(invoke.ListenerLogout)))
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("logout did not close the session")
	}
	assert.Equal(t, 0, srv.NumUsers())
}

func TestMalformedClosesConnection(t *testing.T) {
	srv := NewServer(NewRegistry(), Options{})
	defer shutdown(t, srv)

	a, b := net.Pipe()
	sess := srv.Attach(transport.NewStreamConn(b), "pipe")
	defer a.Close()

	// Three bytes of envelope that do not parse.
	_, err := a.Write([]byte{3, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived malformed input")
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("echo", 0)))
	assert.ErrorIs(t, reg.Register(echoSpec("echo", 0)), ErrServiceExists)

	bad := echoSpec("bad", 0)
	bad.Listeners = append(bad.Listeners, invoke.ListenerLogin)
	assert.ErrorIs(t, reg.Register(bad), ErrReservedListener)

	assert.ErrorIs(t, reg.Register(ServiceSpec{Name: "noctor"}), ErrInvalidService)
	assert.Equal(t, []string{"echo"}, reg.Names())
}

func TestLoadshed(t *testing.T) {
	srv := NewServer(NewRegistry(), Options{})
	defer shutdown(t, srv)
	assert.True(t, srv.Healthy())

	l, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, l)

	srv.SetLoadshed(true)
	assert.False(t, srv.Healthy())

	c, err := transport.DialTCP(ctx, l.Addr())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Receive()
	assert.Error(t, err, "loadshed server must close the connection")
	assert.Empty(t, srv.Sessions())
}

func TestRPCLogger(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoSpec("echo", 0)))
	srv := NewServer(reg, Options{})
	defer shutdown(t, srv)

	var mu sync.Mutex
	buf := new(bytes.Buffer)
	srv.SetRPCLogger(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))

	c, _ := connect(t, srv)
	bind(t, c, "echo")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), `"dir":"REQ"`)
	assert.Contains(t, buf.String(), `"dir":"RSP"`)
	assert.Contains(t, buf.String(), "notifyService(name=string:")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
