package channel

import (
	"context"
	"sync"
)

// DefaultPipeQueueSize bounds messages buffered in each direction of a Pipe.
const DefaultPipeQueueSize = 64

// PipeConfig controls an in-process pipe.
type PipeConfig struct {
	LocalID        string
	RemoteID       string
	QueueSize      int
	MaxMessageSize int
}

type pipe struct {
	done      chan struct{}
	closeOnce sync.Once
	ends      [2]*MemoryEndpoint
}

// MemoryEndpoint is one side of an in-process duplex channel. It implements
// Adapter for exactly one remote peer.
type MemoryEndpoint struct {
	pipe *pipe

	localID  string
	remoteID string
	remote   *MemoryEndpoint
	maxSize  int

	sendMu sync.Mutex
	queue  chan []byte

	handlerMu    sync.Mutex
	handler      MessageHandler
	closeHandler CloseHandler
	deliverOnce  sync.Once
	closed       bool
	closeErr     error
}

// Pipe connects two in-process endpoints identified by aID and bID.
func Pipe(aID, bID string) (*MemoryEndpoint, *MemoryEndpoint) {
	return NewPipe(PipeConfig{LocalID: aID, RemoteID: bID})
}

// NewPipe connects two in-process endpoints using cfg. The first endpoint
// belongs to cfg.LocalID.
func NewPipe(cfg PipeConfig) (*MemoryEndpoint, *MemoryEndpoint) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultPipeQueueSize
	}

	p := &pipe{done: make(chan struct{})}
	a := &MemoryEndpoint{
		pipe:     p,
		localID:  cfg.LocalID,
		remoteID: cfg.RemoteID,
		maxSize:  cfg.MaxMessageSize,
		queue:    make(chan []byte, queueSize),
	}
	b := &MemoryEndpoint{
		pipe:     p,
		localID:  cfg.RemoteID,
		remoteID: cfg.LocalID,
		maxSize:  cfg.MaxMessageSize,
		queue:    make(chan []byte, queueSize),
	}
	a.remote = b
	b.remote = a
	p.ends = [2]*MemoryEndpoint{a, b}
	return a, b
}

// LocalID returns the id of the peer owning this endpoint.
func (e *MemoryEndpoint) LocalID() string {
	return e.localID
}

// RemoteID returns the id of the peer on the other end.
func (e *MemoryEndpoint) RemoteID() string {
	return e.remoteID
}

// IsOpen reports whether peerID is the remote end and the pipe is open.
func (e *MemoryEndpoint) IsOpen(peerID string) bool {
	if peerID != e.remoteID {
		return false
	}
	select {
	case <-e.pipe.done:
		return false
	default:
		return true
	}
}

// MaxMessageSize returns the pipe's message limit, 0 when unlimited.
func (e *MemoryEndpoint) MaxMessageSize() int {
	return e.maxSize
}

// Send copies message into the remote endpoint's inbound queue.
func (e *MemoryEndpoint) Send(ctx context.Context, peerID string, message []byte) error {
	if !e.IsOpen(peerID) {
		return ErrNotConnected
	}
	if e.maxSize > 0 && len(message) > e.maxSize {
		return ErrMessageTooLarge
	}

	owned := append([]byte(nil), message...)

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	select {
	case e.remote.queue <- owned:
		return nil
	case <-e.pipe.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage registers the inbound handler. Messages queued before the first
// registration are delivered once a handler exists.
func (e *MemoryEndpoint) OnMessage(peerID string, handler MessageHandler) {
	if peerID != e.remoteID {
		return
	}
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()

	e.deliverOnce.Do(func() {
		go e.deliverLoop()
	})
}

// OnClose registers the close handler. If the pipe is already closed the
// handler runs immediately on its own goroutine.
func (e *MemoryEndpoint) OnClose(peerID string, handler CloseHandler) {
	if peerID != e.remoteID {
		return
	}
	e.handlerMu.Lock()
	e.closeHandler = handler
	closed, closeErr := e.closed, e.closeErr
	e.handlerMu.Unlock()

	if closed {
		go handler(closeErr)
	}
}

// Close tears down both ends of the pipe.
func (e *MemoryEndpoint) Close() error {
	e.CloseWithError(nil)
	return nil
}

// CloseWithError tears down both ends, reporting err to close handlers.
func (e *MemoryEndpoint) CloseWithError(err error) {
	e.pipe.closeOnce.Do(func() {
		close(e.pipe.done)
		for _, end := range e.pipe.ends {
			end.handlerMu.Lock()
			end.closed = true
			end.closeErr = err
			handler := end.closeHandler
			end.handlerMu.Unlock()
			if handler != nil {
				go handler(err)
			}
		}
	})
}

func (e *MemoryEndpoint) deliverLoop() {
	for {
		select {
		case message := <-e.queue:
			e.handlerMu.Lock()
			handler := e.handler
			e.handlerMu.Unlock()
			if handler != nil {
				handler(message)
			}
		case <-e.pipe.done:
			return
		}
	}
}
