package channel

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWebRTCMaxMessageSize is the largest message sent on a data
	// channel. SCTP implementations commonly cap messages at 256 KiB.
	DefaultWebRTCMaxMessageSize = 256 * 1024
	// DefaultWebRTCChunkSize is a chunk size whose envelopes fit under
	// DefaultWebRTCMaxMessageSize.
	DefaultWebRTCChunkSize = 128 * 1024
	// DefaultBufferedAmountHigh pauses Send until the data channel drains.
	DefaultBufferedAmountHigh = 4 * 1024 * 1024
	// DefaultBufferedAmountLow resumes Send once the buffer drops below it.
	DefaultBufferedAmountLow = 1024 * 1024
)

// WebRTCOptions controls the data channel adapter.
type WebRTCOptions struct {
	MaxMessageSize     int
	BufferedAmountHigh uint64
	BufferedAmountLow  uint64
	Logger             logrus.FieldLogger
}

func (o WebRTCOptions) withDefaults() WebRTCOptions {
	out := o
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultWebRTCMaxMessageSize
	}
	if out.BufferedAmountHigh == 0 {
		out.BufferedAmountHigh = DefaultBufferedAmountHigh
	}
	if out.BufferedAmountLow == 0 || out.BufferedAmountLow > out.BufferedAmountHigh {
		out.BufferedAmountLow = out.BufferedAmountHigh / 4
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// WebRTC is an Adapter over data channels negotiated elsewhere. Signaling
// and ICE belong to the caller; the adapter only moves messages.
type WebRTC struct {
	options WebRTCOptions
	log     logrus.FieldLogger

	mu            sync.RWMutex
	channels      map[string]*dataChannel
	handlers      map[string]MessageHandler
	closeHandlers map[string]CloseHandler
}

type dataChannel struct {
	dc     *webrtc.DataChannel
	sendMu sync.Mutex
	low    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebRTC creates an empty data channel adapter.
func NewWebRTC(options WebRTCOptions) *WebRTC {
	opts := options.withDefaults()
	return &WebRTC{
		options:       opts,
		log:           opts.Logger.WithField("component", "webrtc_channel"),
		channels:      make(map[string]*dataChannel),
		handlers:      make(map[string]MessageHandler),
		closeHandlers: make(map[string]CloseHandler),
	}
}

// Attach binds dc as the channel for peerID, replacing any earlier one.
func (w *WebRTC) Attach(peerID string, dc *webrtc.DataChannel) {
	ch := &dataChannel{
		dc:     dc,
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(w.options.BufferedAmountLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case ch.low <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.mu.RLock()
		handler := w.handlers[peerID]
		w.mu.RUnlock()
		if handler != nil {
			handler(append([]byte(nil), msg.Data...))
		}
	})
	dc.OnClose(func() {
		w.detach(peerID, ch, nil)
	})
	dc.OnError(func(err error) {
		w.detach(peerID, ch, err)
	})

	w.mu.Lock()
	previous := w.channels[peerID]
	w.channels[peerID] = ch
	w.mu.Unlock()

	if previous != nil {
		previous.closeOnce.Do(func() { close(previous.closed) })
	}

	w.log.WithFields(logrus.Fields{
		"function": "Attach",
		"peer_id":  peerID,
		"label":    dc.Label(),
	}).Info("Data channel attached")
}

// IsOpen reports whether the data channel for peerID is in the open state.
func (w *WebRTC) IsOpen(peerID string) bool {
	ch := w.channel(peerID)
	return ch != nil && ch.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// MaxMessageSize returns the largest message Send accepts.
func (w *WebRTC) MaxMessageSize() int {
	return w.options.MaxMessageSize
}

// Send queues message on the data channel, first waiting for the buffered
// amount to fall under the high-water mark.
func (w *WebRTC) Send(ctx context.Context, peerID string, message []byte) error {
	ch := w.channel(peerID)
	if ch == nil || ch.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	if len(message) > w.options.MaxMessageSize {
		return ErrMessageTooLarge
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	for ch.dc.BufferedAmount() > w.options.BufferedAmountHigh {
		select {
		case <-ch.low:
		case <-ch.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ch.dc.Send(message); err != nil {
		return err
	}
	return nil
}

// OnMessage registers the handler for messages from peerID.
func (w *WebRTC) OnMessage(peerID string, handler MessageHandler) {
	w.mu.Lock()
	w.handlers[peerID] = handler
	w.mu.Unlock()
}

// OnClose registers the handler for the data channel to peerID closing.
func (w *WebRTC) OnClose(peerID string, handler CloseHandler) {
	w.mu.Lock()
	w.closeHandlers[peerID] = handler
	w.mu.Unlock()
}

// Detach closes and forgets the data channel for peerID.
func (w *WebRTC) Detach(peerID string) error {
	ch := w.channel(peerID)
	if ch == nil {
		return ErrNotConnected
	}
	err := ch.dc.Close()
	w.detach(peerID, ch, nil)
	return err
}

func (w *WebRTC) channel(peerID string) *dataChannel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.channels[peerID]
}

func (w *WebRTC) detach(peerID string, ch *dataChannel, err error) {
	ch.closeOnce.Do(func() {
		close(ch.closed)

		w.mu.Lock()
		current := w.channels[peerID] == ch
		if current {
			delete(w.channels, peerID)
		}
		handler := w.closeHandlers[peerID]
		w.mu.Unlock()

		if !current {
			return
		}
		w.log.WithFields(logrus.Fields{
			"function": "detach",
			"peer_id":  peerID,
		}).Info("Data channel closed")
		if handler != nil {
			go handler(err)
		}
	})
}
