package channel

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/chunk"
)

var (
	_ Limiter = (*WebRTC)(nil)
	_ Limiter = (*TCP)(nil)
	_ Limiter = (*MemoryEndpoint)(nil)
)

func TestWebRTCWithoutChannelIsNotOpen(t *testing.T) {
	adapter := NewWebRTC(WebRTCOptions{})

	assert.False(t, adapter.IsOpen("peer"))
	assert.ErrorIs(t, adapter.Send(context.Background(), "peer", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, adapter.Detach("peer"), ErrNotConnected)
}

func TestWebRTCUnnegotiatedChannelRejectsSends(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	dc, err := pc.CreateDataChannel("filedrop", nil)
	require.NoError(t, err)

	adapter := NewWebRTC(WebRTCOptions{})
	adapter.Attach("peer", dc)

	assert.False(t, adapter.IsOpen("peer"))
	assert.ErrorIs(t, adapter.Send(context.Background(), "peer", []byte("x")), ErrNotConnected)
}

func TestWebRTCOptionDefaults(t *testing.T) {
	opts := WebRTCOptions{BufferedAmountHigh: 100, BufferedAmountLow: 500}.withDefaults()

	assert.Equal(t, DefaultWebRTCMaxMessageSize, opts.MaxMessageSize)
	assert.Equal(t, uint64(100), opts.BufferedAmountHigh)
	assert.Equal(t, uint64(25), opts.BufferedAmountLow)
	assert.NotNil(t, opts.Logger)
}

func TestWebRTCDefaultChunkSizeFits(t *testing.T) {
	adapter := NewWebRTC(WebRTCOptions{})

	assert.Equal(t, DefaultWebRTCMaxMessageSize, adapter.MaxMessageSize())
	assert.LessOrEqual(t, chunk.MaxEncodedSize(DefaultWebRTCChunkSize), adapter.MaxMessageSize())
	assert.Greater(t, chunk.MaxEncodedSize(chunk.DefaultChunkSize), adapter.MaxMessageSize())
}
