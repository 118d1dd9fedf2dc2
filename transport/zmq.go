package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
)

/*
ZeroMQ transport.

The listening side binds a ROUTER socket; every dialing DEALER socket becomes
one Conn, identified by its routing identity. Each frame carries one encoded
invocation. An empty frame from an unknown identity announces a new peer and an
empty frame from a known identity says goodbye.

ZeroMQ sockets must not be shared between goroutines, so every socket is owned
by a zmq.Reactor goroutine. Outbound messages and control requests reach it
through a channel.
*/

const (
	zmqPollInterval  = 5 * time.Millisecond
	zmqSendTimeout   = 10 * time.Second
	zmqLinger        = 500 * time.Millisecond
	zmqInboundQueue  = 64
	zmqAcceptBacklog = 64
	zmqOutboundQueue = 256
)

var errReactorStop = errors.New("reactor stopped")

// Returned by Send when the ROUTER cannot route to the peer any longer.
var ErrPeerUnreachable = errors.New("transport: peer unreachable")

type received struct {
	m   *invoke.Invoke
	err error
}

// mailbox hands decoded messages from a reactor goroutine to Receive.
type mailbox struct {
	inbound chan received
	done    chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{inbound: make(chan received, zmqInboundQueue), done: make(chan struct{})}
}

func (mb *mailbox) deliver(r received) {
	select {
	case mb.inbound <- r:
	case <-mb.done:
	}
}

func (mb *mailbox) receive() (*invoke.Invoke, error) {
	select {
	case r := <-mb.inbound:
		if errors.Is(r.err, io.EOF) {
			mb.shut()
		}
		return r.m, r.err
	case <-mb.done:
		return nil, ErrClosed
	}
}

// Returns true for the first call.
func (mb *mailbox) shut() bool {
	first := false
	mb.once.Do(func() {
		close(mb.done)
		first = true
	})
	return first
}

// Frames as seen on a ROUTER socket: [identity, payload].
type routerFrame struct {
	identity []byte
	payload  []byte
}

func parseRouterFrame(msg [][]byte) (routerFrame, error) {
	if len(msg) != 2 {
		return routerFrame{}, fmt.Errorf("router message has %d frames, want 2", len(msg))
	}
	return routerFrame{identity: msg[0], payload: msg[1]}, nil
}

func (f routerFrame) serialize() [][]byte {
	return [][]byte{f.identity, f.payload}
}

type outbound struct {
	routerFrame
	goodbye bool
	errc    chan error
}

type stopRequest struct{}

type zmqListener struct {
	endpoint string
	sock     *zmq.Socket
	reactor  *zmq.Reactor
	security *ServerSecurity
	limit    uint64

	// Owned by the reactor goroutine.
	peers map[string]*zmqPeer

	outbound chan interface{}
	accepted chan *zmqPeer
	stopped  chan struct{}
	stopOnce sync.Once
}

// ListenZMQ binds a ROUTER socket to endpoint. security may be nil.
func ListenZMQ(endpoint string, security *ServerSecurity) (Listener, error) {
	return listenZMQ(endpoint, security, 0)
}

func listenZMQ(endpoint string, security *ServerSecurity, limit uint64) (Listener, error) {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, err
	}

	sock.SetIpv6(true)
	sock.SetLinger(zmqLinger)
	sock.SetSndtimeo(zmqSendTimeout)
	// Report unroutable identities instead of dropping silently.
	sock.SetRouterMandatory(1)
	// Oversized messages make libzmq drop the peer before they are buffered.
	sock.SetMaxmsgsize(maxMsgsize(limit))

	if err = security.applyToServerSocket(sock); err != nil {
		sock.Close()
		return nil, err
	}

	log.CRPC_log(log.LOGLEVEL_INFO, "Binding ROUTER to", endpoint)
	if err = sock.Bind(endpoint); err != nil {
		sock.Close()
		return nil, err
	}

	l := &zmqListener{
		endpoint: endpoint,
		sock:     sock,
		reactor:  zmq.NewReactor(),
		security: security,
		limit:    limit,
		peers:    make(map[string]*zmqPeer),
		outbound: make(chan interface{}, zmqOutboundQueue),
		accepted: make(chan *zmqPeer, zmqAcceptBacklog),
		stopped:  make(chan struct{}),
	}
	if ep, err := sock.GetLastEndpoint(); err == nil && ep != "" {
		l.endpoint = ep
	}

	l.reactor.AddSocket(sock, zmq.POLLIN, l.handleIncoming)
	l.reactor.AddChannel(l.outbound, zmqOutboundQueue, l.handleOutbound)

	go l.run()
	return l, nil
}

func (l *zmqListener) run() {
	err := l.reactor.Run(zmqPollInterval)
	if err != nil && !errors.Is(err, errReactorStop) {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "ROUTER reactor failed:", err.Error())
	}

	for _, p := range l.peers {
		select {
		case p.mb.inbound <- received{err: io.EOF}:
		default:
			p.mb.shut()
		}
	}
	l.peers = nil
	l.sock.Close()
	close(l.stopped)
}

func (l *zmqListener) handleIncoming(zmq.State) error {
	msg, err := l.sock.RecvMessageBytes(zmq.DONTWAIT)
	if err != nil {
		if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Error when receiving from ROUTER:", err.Error())
		}
		return nil
	}

	frame, err := parseRouterFrame(msg)
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Dropped message:", err.Error())
		return nil
	}

	key := string(frame.identity)
	peer, known := l.peers[key]

	if len(frame.payload) == 0 {
		if known {
			delete(l.peers, key)
			peer.mb.deliver(received{err: io.EOF})
		} else {
			l.admit(frame.identity)
		}
		return nil
	}

	if !known {
		if peer = l.admit(frame.identity); peer == nil {
			return nil
		}
	}
	m, err := invoke.UnmarshalLimit(frame.payload, l.limit)
	peer.mb.deliver(received{m: m, err: err})
	return nil
}

// Returns nil if the accept backlog is full; the peer is told goodbye in that case.
func (l *zmqListener) admit(identity []byte) *zmqPeer {
	peer := &zmqPeer{l: l, identity: append([]byte(nil), identity...), mb: newMailbox()}

	select {
	case l.accepted <- peer:
	default:
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Accept backlog full; refusing peer", fmt.Sprintf("%x", identity))
		l.sock.SendMessage(identity, []byte{})
		return nil
	}

	l.peers[string(identity)] = peer
	log.CRPC_log(log.LOGLEVEL_DEBUG, "New ZeroMQ peer", fmt.Sprintf("%x", identity))
	return peer
}

func (l *zmqListener) handleOutbound(v interface{}) error {
	switch o := v.(type) {
	case stopRequest:
		return errReactorStop
	case outbound:
		key := string(o.identity)
		if o.goodbye {
			if _, ok := l.peers[key]; ok {
				delete(l.peers, key)
				l.sock.SendMessage(o.identity, []byte{})
			}
			return nil
		}

		if _, ok := l.peers[key]; !ok {
			o.errc <- ErrPeerUnreachable
			return nil
		}

		_, err := l.sock.SendMessage(o.serialize())
		if err != nil && zmq.AsErrno(err) == zmq.EHOSTUNREACH {
			// Routing is mandatory; fails when the peer has already disconnected.
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not route message to identity", fmt.Sprintf("%x", o.identity))
			if p, ok := l.peers[key]; ok {
				delete(l.peers, key)
				p.mb.deliver(received{err: io.EOF})
			}
			err = ErrPeerUnreachable
		}
		o.errc <- err
	}
	return nil
}

func (l *zmqListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case p := <-l.accepted:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stopped:
		return nil, ErrClosed
	}
}

func (l *zmqListener) Close() error {
	l.stopOnce.Do(func() {
		select {
		case l.outbound <- stopRequest{}:
		case <-l.stopped:
		}
	})
	<-l.stopped
	return nil
}

func (l *zmqListener) Addr() string {
	return l.endpoint
}

func (l *zmqListener) Network() string {
	return "zmq"
}

// enqueue hands o to the reactor and waits for the result if o expects one.
func (l *zmqListener) enqueue(o outbound, done <-chan struct{}) error {
	select {
	case l.outbound <- o:
	case <-done:
		return ErrClosed
	case <-l.stopped:
		return ErrClosed
	}
	if o.errc == nil {
		return nil
	}
	select {
	case err := <-o.errc:
		return err
	case <-l.stopped:
		return ErrClosed
	}
}

// zmqPeer is the ROUTER side of one DEALER connection.
type zmqPeer struct {
	l        *zmqListener
	identity []byte
	mb       *mailbox
}

func (p *zmqPeer) Receive() (*invoke.Invoke, error) {
	return p.mb.receive()
}

func (p *zmqPeer) Send(m *invoke.Invoke) error {
	select {
	case <-p.mb.done:
		return ErrClosed
	default:
	}
	payload, err := invoke.Marshal(m)
	if err != nil {
		return err
	}
	return p.l.enqueue(outbound{routerFrame: routerFrame{identity: p.identity, payload: payload}, errc: make(chan error, 1)}, p.mb.done)
}

func (p *zmqPeer) Close() error {
	if !p.mb.shut() {
		return nil
	}
	err := p.l.enqueue(outbound{routerFrame: routerFrame{identity: p.identity}, goodbye: true}, nil)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (p *zmqPeer) RemoteAddr() string {
	return fmt.Sprintf("zmq:%x", p.identity)
}

// zmqDealer is the dialing side.
type zmqDealer struct {
	endpoint string
	sock     *zmq.Socket
	reactor  *zmq.Reactor
	mb       *mailbox
	limit    uint64

	outbound chan interface{}
	stopped  chan struct{}
}

// DialZMQ connects a DEALER socket to endpoint. security may be nil.
func DialZMQ(endpoint string, security *ClientSecurity) (Conn, error) {
	return dialZMQ(endpoint, security, 0)
}

func dialZMQ(endpoint string, security *ClientSecurity, limit uint64) (Conn, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Error when creating DEALER socket:", err.Error())
		return nil, err
	}

	if err = security.applyToClientSocket(sock); err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Error when setting up security:", err.Error())
		sock.Close()
		return nil, err
	}

	sock.SetIpv6(true)
	sock.SetLinger(zmqLinger)
	sock.SetReconnectIvl(100 * time.Millisecond)
	sock.SetSndtimeo(zmqSendTimeout)
	sock.SetMaxmsgsize(maxMsgsize(limit))

	if err = sock.Connect(endpoint); err != nil {
		sock.Close()
		return nil, err
	}

	// Announce ourselves so that the listener accepts us before the first message.
	if _, err = sock.SendBytes([]byte{}, 0); err != nil {
		sock.Close()
		return nil, err
	}

	d := &zmqDealer{
		endpoint: endpoint,
		sock:     sock,
		reactor:  zmq.NewReactor(),
		mb:       newMailbox(),
		limit:    limit,
		outbound: make(chan interface{}, zmqOutboundQueue),
		stopped:  make(chan struct{}),
	}
	d.reactor.AddSocket(sock, zmq.POLLIN, d.handleIncoming)
	d.reactor.AddChannel(d.outbound, zmqOutboundQueue, d.handleOutbound)

	go d.run()
	return d, nil
}

func (d *zmqDealer) run() {
	err := d.reactor.Run(zmqPollInterval)
	if err != nil && !errors.Is(err, errReactorStop) {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "DEALER reactor failed:", err.Error())
	}
	d.sock.Close()
	d.mb.deliver(received{err: io.EOF})
	close(d.stopped)
}

func (d *zmqDealer) handleIncoming(zmq.State) error {
	payload, err := d.sock.RecvBytes(zmq.DONTWAIT)
	if err != nil {
		if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Error when receiving from DEALER:", err.Error())
		}
		return nil
	}

	if len(payload) == 0 {
		d.mb.deliver(received{err: io.EOF})
		return errReactorStop
	}
	m, err := invoke.UnmarshalLimit(payload, d.limit)
	d.mb.deliver(received{m: m, err: err})
	return nil
}

func (d *zmqDealer) handleOutbound(v interface{}) error {
	switch o := v.(type) {
	case stopRequest:
		d.sock.SendBytes([]byte{}, zmq.DONTWAIT)
		return errReactorStop
	case outbound:
		_, err := d.sock.SendBytes(o.payload, 0)
		o.errc <- err
	}
	return nil
}

func (d *zmqDealer) Receive() (*invoke.Invoke, error) {
	return d.mb.receive()
}

func (d *zmqDealer) Send(m *invoke.Invoke) error {
	select {
	case <-d.mb.done:
		return ErrClosed
	default:
	}
	payload, err := invoke.Marshal(m)
	if err != nil {
		return err
	}

	o := outbound{routerFrame: routerFrame{payload: payload}, errc: make(chan error, 1)}
	select {
	case d.outbound <- o:
	case <-d.mb.done:
		return ErrClosed
	case <-d.stopped:
		return ErrClosed
	}
	select {
	case err := <-o.errc:
		return err
	case <-d.stopped:
		return ErrClosed
	}
}

func (d *zmqDealer) Close() error {
	if !d.mb.shut() {
		return nil
	}
	select {
	case d.outbound <- stopRequest{}:
	case <-d.stopped:
	}
	<-d.stopped
	return nil
}

func (d *zmqDealer) RemoteAddr() string {
	return d.endpoint
}

func maxMsgsize(limit uint64) int64 {
	if limit == 0 {
		limit = invoke.DefaultMaxMessageSize
	}
	return int64(limit)
}
