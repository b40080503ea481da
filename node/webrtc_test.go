package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/channel"
	"filedrop/chunk"
	"filedrop/config"
	"filedrop/storage"
	"filedrop/transfer"
)

const rtcTimeout = 10 * time.Second

func waitGathered(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(rtcTimeout):
		t.Fatal("ICE gathering did not complete")
	}
}

// connectDataChannels negotiates two in-process peer connections over
// loopback and returns the offerer's and answerer's ends of one data channel.
func connectDataChannels(t *testing.T) (*webrtc.DataChannel, *webrtc.DataChannel) {
	t.Helper()

	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(true)
	settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	offerer, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerer.Close() })
	answerer, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })

	accepted := make(chan *webrtc.DataChannel, 1)
	answerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		accepted <- dc
	})

	local, err := offerer.CreateDataChannel("filedrop", nil)
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	waitGathered(t, gathered)
	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))

	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	waitGathered(t, gathered)
	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))

	var remote *webrtc.DataChannel
	select {
	case remote = <-accepted:
	case <-time.After(rtcTimeout):
		t.Fatal("answerer never saw the data channel")
	}
	require.Eventually(t, func() bool {
		return local.ReadyState() == webrtc.DataChannelStateOpen &&
			remote.ReadyState() == webrtc.DataChannelStateOpen
	}, rtcTimeout, 10*time.Millisecond, "data channel never opened")

	return local, remote
}

// newRTCPair attaches both ends of a negotiated data channel to adapters.
// Alice's adapter uses a small high-water mark so sends wait on the buffer.
func newRTCPair(t *testing.T) (*channel.WebRTC, *channel.WebRTC) {
	t.Helper()
	local, remote := connectDataChannels(t)

	aliceRTC := channel.NewWebRTC(channel.WebRTCOptions{
		BufferedAmountHigh: 4096,
		BufferedAmountLow:  1024,
		Logger:             quietLogger(),
	})
	bobRTC := channel.NewWebRTC(channel.WebRTCOptions{Logger: quietLogger()})
	aliceRTC.Attach("bob", local)
	bobRTC.Attach("alice", remote)
	return aliceRTC, bobRTC
}

func newRTCManager(t *testing.T, adapter channel.Adapter, store *storage.Store, events transfer.Events) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Adapter:          adapter,
		Store:            store,
		ChunkSize:        1024,
		ConcurrencyLimit: 8,
		Reassembly:       config.ReassemblyWorker,
		Events:           events,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerOverWebRTC(t *testing.T) {
	aliceRTC, bobRTC := newRTCPair(t)

	bobStore := newStore(t)
	aliceEvents, bobEvents := newEventLog(), newEventLog()
	alice := newRTCManager(t, aliceRTC, nil, aliceEvents.events())
	bob := newRTCManager(t, bobRTC, bobStore, bobEvents.events())
	require.NoError(t, alice.Attach("bob"))
	require.NoError(t, bob.Attach("alice"))

	data := bytes.Repeat([]byte("0123456789abcdef"), 4<<10)
	out, err := alice.SendBytes(context.Background(), "bob", "big.bin", "", data)
	require.NoError(t, err)
	assert.Equal(t, 64, out.TotalChunks)

	ctx, cancel := context.WithTimeout(context.Background(), rtcTimeout)
	defer cancel()
	require.NoError(t, out.Wait(ctx))

	file := bobEvents.waitFile(t, out.TransferID)
	assert.Equal(t, data, file.Data)
	assert.Equal(t, out.Digest, file.Digest)
	assert.Equal(t, chunk.DefaultMimeType, file.MimeType)

	row := waitStatus(t, bobStore, out.TransferID, storage.DirectionReceive, storage.StatusComplete)
	assert.Equal(t, "alice", row.PeerID)
	assert.Empty(t, aliceEvents.failuresOf(out.TransferID))
}

func TestManagerOverWebRTCCloseCancels(t *testing.T) {
	aliceRTC, bobRTC := newRTCPair(t)

	aliceEvents, bobEvents := newEventLog(), newEventLog()
	alice := newRTCManager(t, aliceRTC, nil, aliceEvents.events())
	bob := newRTCManager(t, bobRTC, nil, bobEvents.events())
	require.NoError(t, alice.Attach("bob"))
	require.NoError(t, bob.Attach("alice"))

	message, err := chunk.Encode(chunk.Envelope{TransferID: "partial", Index: 0, TotalChunks: 3, Payload: []byte("part"), FileName: "p.bin"})
	require.NoError(t, err)
	require.NoError(t, aliceRTC.Send(context.Background(), "bob", message))
	require.Eventually(t, func() bool {
		_, ok := bobEvents.receivedFraction("partial")
		return ok
	}, rtcTimeout, 5*time.Millisecond)

	require.NoError(t, aliceRTC.Detach("bob"))

	require.Eventually(t, func() bool {
		return len(bobEvents.failuresOf("partial")) == 1
	}, rtcTimeout, 5*time.Millisecond, "bob never dropped the partial transfer")
	assert.ErrorIs(t, bobEvents.failuresOf("partial")[0], transfer.ErrChannelUnavailable)
	require.Eventually(t, func() bool { return len(bob.Peers()) == 0 }, rtcTimeout, 5*time.Millisecond)

	out, err := alice.SendBytes(context.Background(), "bob", "late.txt", "", []byte("too late"))
	require.NoError(t, err)
	assert.ErrorIs(t, out.Wait(context.Background()), transfer.ErrChannelUnavailable)
	assert.Len(t, aliceEvents.failuresOf(out.TransferID), 1)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, bobEvents.failuresOf("partial"), 1)
}

func TestManagerRejectsChunkSizeAboveWebRTCLimit(t *testing.T) {
	adapter := channel.NewWebRTC(channel.WebRTCOptions{Logger: quietLogger()})

	_, err := NewManager(ManagerOptions{Adapter: adapter, ChunkSize: chunk.DefaultChunkSize, Logger: quietLogger()})
	require.ErrorIs(t, err, channel.ErrMessageTooLarge)

	m, err := NewManager(ManagerOptions{Adapter: adapter, ChunkSize: channel.DefaultWebRTCChunkSize, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, m.Close())
}
