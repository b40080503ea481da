package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectionTimeout bounds TCP dial and hello exchange.
	DefaultConnectionTimeout = 30 * time.Second

	typeHello = "hello"
)

// ErrDuplicatePeer indicates a second connection for an already connected peer id.
var ErrDuplicatePeer = errors.New("channel: peer already connected")

type helloMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// TCPOptions controls the TCP adapter.
type TCPOptions struct {
	LocalID           string
	ConnectionTimeout time.Duration
	MaxMessageSize    int
	Logger            logrus.FieldLogger
}

func (o TCPOptions) withDefaults() TCPOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.MaxMessageSize <= 0 || out.MaxMessageSize > MaxFrameSize {
		out.MaxMessageSize = MaxFrameSize
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// TCP is an Adapter carrying one length-prefixed frame per message over TCP
// connections, one connection per peer.
type TCP struct {
	options TCPOptions
	log     logrus.FieldLogger

	listener net.Listener
	incoming chan string

	mu            sync.RWMutex
	conns         map[string]*tcpConn
	handlers      map[string]MessageHandler
	closeHandlers map[string]CloseHandler

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type tcpConn struct {
	conn   net.Conn
	peerID string

	sendMu sync.Mutex

	readOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCP creates a TCP adapter for the local peer id in options.
func NewTCP(options TCPOptions) (*TCP, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.LocalID) == "" {
		return nil, errors.New("local peer id is required")
	}

	return &TCP{
		options:       opts,
		log:           opts.Logger.WithField("component", "tcp_channel"),
		incoming:      make(chan string, 16),
		conns:         make(map[string]*tcpConn),
		handlers:      make(map[string]MessageHandler),
		closeHandlers: make(map[string]CloseHandler),
		closed:        make(chan struct{}),
	}, nil
}

// Listen starts accepting inbound peers on address.
func (t *TCP) Listen(address string) error {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Incoming yields the peer id of every accepted connection after its hello.
func (t *TCP) Incoming() <-chan string {
	return t.incoming
}

// Dial connects to address, exchanges hellos and returns the remote peer id.
func (t *TCP) Dial(ctx context.Context, address string) (string, error) {
	dialer := net.Dialer{Timeout: t.options.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(t.options.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("set hello deadline: %w", err)
	}
	if err := writeHello(conn, t.options.LocalID); err != nil {
		_ = conn.Close()
		return "", err
	}
	peerID, err := readHello(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	_ = conn.SetDeadline(time.Time{})

	if err := t.register(peerID, conn); err != nil {
		_ = conn.Close()
		return "", err
	}
	return peerID, nil
}

// IsOpen reports whether a connection to peerID is registered.
func (t *TCP) IsOpen(peerID string) bool {
	return t.conn(peerID) != nil
}

// MaxMessageSize returns the largest frame Send accepts.
func (t *TCP) MaxMessageSize() int {
	return t.options.MaxMessageSize
}

// Send writes message as one frame to peerID.
func (t *TCP) Send(ctx context.Context, peerID string, message []byte) error {
	c := t.conn(peerID)
	if c == nil {
		return ErrNotConnected
	}
	if len(message) > t.options.MaxMessageSize {
		return ErrMessageTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(c.conn, message); err != nil {
		t.closeConn(c, err)
		return err
	}
	return nil
}

// OnMessage registers the handler for peerID and starts reading from its
// connection. Frames arriving before registration wait in the socket buffer.
func (t *TCP) OnMessage(peerID string, handler MessageHandler) {
	t.mu.Lock()
	t.handlers[peerID] = handler
	c := t.conns[peerID]
	t.mu.Unlock()

	if c != nil {
		t.startReading(c)
	}
}

// OnClose registers the handler for the connection to peerID closing.
func (t *TCP) OnClose(peerID string, handler CloseHandler) {
	t.mu.Lock()
	t.closeHandlers[peerID] = handler
	t.mu.Unlock()
}

// Disconnect closes the connection to peerID.
func (t *TCP) Disconnect(peerID string) error {
	c := t.conn(peerID)
	if c == nil {
		return ErrNotConnected
	}
	t.closeConn(c, nil)
	return nil
}

// Close stops the listener and closes every connection.
func (t *TCP) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			closeErr = t.listener.Close()
		}

		t.mu.RLock()
		conns := make([]*tcpConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.RUnlock()
		for _, c := range conns {
			t.closeConn(c, nil)
		}

		t.wg.Wait()
		close(t.incoming)
	})
	return closeErr
}

func (t *TCP) conn(peerID string) *tcpConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[peerID]
}

func (t *TCP) register(peerID string, conn net.Conn) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	if _, exists := t.conns[peerID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, peerID)
	}
	c := &tcpConn{conn: conn, peerID: peerID, closed: make(chan struct{})}
	t.conns[peerID] = c
	_, hasHandler := t.handlers[peerID]
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function": "register",
		"peer_id":  peerID,
		"remote":   conn.RemoteAddr().String(),
	}).Info("Peer connected")

	if hasHandler {
		t.startReading(c)
	}
	return nil
}

func (t *TCP) startReading(c *tcpConn) {
	c.readOnce.Do(func() {
		t.wg.Add(1)
		go t.readLoop(c)
	})
}

func (t *TCP) readLoop(c *tcpConn) {
	defer t.wg.Done()

	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.closeConn(c, nil)
				return
			}
			t.closeConn(c, err)
			return
		}

		t.mu.RLock()
		handler := t.handlers[c.peerID]
		t.mu.RUnlock()
		if handler != nil {
			handler(payload)
		}
	}
}

func (t *TCP) closeConn(c *tcpConn, err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()

		t.mu.Lock()
		if t.conns[c.peerID] == c {
			delete(t.conns, c.peerID)
		}
		handler := t.closeHandlers[c.peerID]
		t.mu.Unlock()

		entry := t.log.WithFields(logrus.Fields{
			"function": "closeConn",
			"peer_id":  c.peerID,
		})
		if err != nil {
			entry.WithError(err).Warn("Peer connection closed with error")
		} else {
			entry.Info("Peer connection closed")
		}

		if handler != nil {
			go handler(err)
		}
	})
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.WithError(err).Warn("Accept connection failed")
			continue
		}

		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

func (t *TCP) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	if err := conn.SetDeadline(time.Now().Add(t.options.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return
	}
	peerID, err := readHello(conn)
	if err != nil {
		t.log.WithError(err).Warn("Inbound hello failed")
		_ = conn.Close()
		return
	}
	if err := writeHello(conn, t.options.LocalID); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if err := t.register(peerID, conn); err != nil {
		t.log.WithError(err).Warn("Rejecting inbound peer")
		_ = conn.Close()
		return
	}

	select {
	case t.incoming <- peerID:
	case <-t.closed:
	}
}

func writeHello(conn net.Conn, localID string) error {
	raw, err := jsoniter.Marshal(helloMessage{Type: typeHello, PeerID: localID})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := WriteFrame(conn, raw); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	return nil
}

func readHello(conn net.Conn) (string, error) {
	raw, err := ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	var hello helloMessage
	if err := jsoniter.Unmarshal(raw, &hello); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if hello.Type != typeHello || strings.TrimSpace(hello.PeerID) == "" {
		return "", errors.New("invalid hello message")
	}
	return hello.PeerID, nil
}
