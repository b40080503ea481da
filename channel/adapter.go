// Package channel defines the duplex, message-oriented transport that chunk
// envelopes travel over, plus the adapters filedrop ships with.
//
// Every adapter delivers each message whole, calls a peer's message handler
// in delivery order, and serializes concurrent Send calls for the same peer
// so frames are never interleaved. Slices handed to a message handler belong
// to the handler.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected indicates there is no open channel to the peer.
	ErrNotConnected = errors.New("channel: peer not connected")
	// ErrMessageTooLarge indicates a message above the adapter's size limit.
	ErrMessageTooLarge = errors.New("channel: message exceeds max size")
	// ErrClosed indicates the adapter or connection has been closed.
	ErrClosed = errors.New("channel: closed")
)

// MessageHandler receives one complete inbound message.
type MessageHandler func(message []byte)

// CloseHandler is called once when the channel to a peer goes away. err is
// nil for a graceful close.
type CloseHandler func(err error)

// Adapter is the transport contract the transfer core depends on.
type Adapter interface {
	// IsOpen reports whether a channel to peerID is currently open.
	IsOpen(peerID string) bool
	// Send submits one message and returns once the transport has accepted
	// it. It does not wait for end-to-end delivery.
	Send(ctx context.Context, peerID string, message []byte) error
	// OnMessage registers the handler for messages from peerID, replacing
	// any previous one.
	OnMessage(peerID string, handler MessageHandler)
	// OnClose registers the handler for the channel to peerID closing.
	OnClose(peerID string, handler CloseHandler)
}

// Limiter is implemented by adapters that refuse messages above a fixed size.
type Limiter interface {
	// MaxMessageSize returns the largest message Send accepts, or 0 when
	// there is no limit.
	MaxMessageSize() int
}
