package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/channel"
	"filedrop/chunk"
)

type fakeAdapter struct {
	mu          sync.Mutex
	open        bool
	delay       time.Duration
	block       chan struct{}
	failures    map[int]error
	inFlight    int
	maxInFlight int
	sent        map[int]chunk.Envelope
	order       []int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{open: true, failures: make(map[int]error), sent: make(map[int]chunk.Envelope)}
}

func (f *fakeAdapter) IsOpen(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeAdapter) Send(ctx context.Context, _ string, message []byte) error {
	env, err := chunk.Decode(message, 0)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.sent[env.Index] = env
	f.order = append(f.order, env.Index)
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[env.Index]
}

func (f *fakeAdapter) OnMessage(string, channel.MessageHandler) {}
func (f *fakeAdapter) OnClose(string, channel.CloseHandler)     {}

func (f *fakeAdapter) dispatched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.order...)
}

type sendRecorder struct {
	mu       sync.Mutex
	progress []float64
	failures []error
}

func (r *sendRecorder) events() Events {
	return Events{
		OnSendProgress: func(_ string, fraction float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, fraction)
		},
		OnTransferFailed: func(_ string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *sendRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func newTestScheduler(adapter channel.Adapter, chunkSize, limit int, rec *sendRecorder) *Scheduler {
	return NewScheduler(SchedulerOptions{
		Adapter:          adapter,
		ChunkSize:        chunkSize,
		ConcurrencyLimit: limit,
		Events:           rec.events(),
	})
}

func TestSchedulerSendsEveryChunk(t *testing.T) {
	adapter := newFakeAdapter()
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 4, 3, rec)

	data := []byte("the quick brown fox jumps")
	var callback []float64
	err := s.Send(context.Background(), "bob", "t1", File{Name: "fox.txt", MimeType: "text/plain", Data: data}, func(f float64) {
		callback = append(callback, f)
	})
	require.NoError(t, err)

	total := chunk.TotalChunks(int64(len(data)), 4)
	require.Len(t, adapter.sent, total)

	var rebuilt []byte
	for i := 0; i < total; i++ {
		env := adapter.sent[i]
		assert.Equal(t, "t1", env.TransferID)
		assert.Equal(t, total, env.TotalChunks)
		assert.Equal(t, "fox.txt", env.FileName)
		assert.Equal(t, "text/plain", env.MimeType)
		rebuilt = append(rebuilt, env.Payload...)
	}
	assert.Equal(t, data, rebuilt)

	require.Len(t, callback, total)
	assert.Equal(t, callback, rec.progress)
	for i := 1; i < len(callback); i++ {
		assert.Greater(t, callback[i], callback[i-1])
	}
	assert.Equal(t, 1.0, callback[len(callback)-1])
	assert.Empty(t, rec.failures)
	assert.Empty(t, s.Active())
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	for _, limit := range []int{1, 2, 4, 16} {
		t.Run(fmt.Sprintf("limit-%d", limit), func(t *testing.T) {
			adapter := newFakeAdapter()
			adapter.delay = time.Millisecond
			s := newTestScheduler(adapter, 1, limit, &sendRecorder{})

			data := bytes.Repeat([]byte("z"), 40)
			require.NoError(t, s.Send(context.Background(), "bob", "bounded", File{Name: "z", Data: data}, nil))

			assert.LessOrEqual(t, adapter.maxInFlight, limit)
			assert.Len(t, adapter.sent, 40)
		})
	}
}

func TestSchedulerWavesDoNotOverlap(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.delay = time.Millisecond
	s := newTestScheduler(adapter, 1, 3, &sendRecorder{})

	require.NoError(t, s.Send(context.Background(), "bob", "waves", File{Name: "w", Data: []byte("abcdefgh")}, nil))

	order := adapter.dispatched()
	require.Len(t, order, 8)
	waves := [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7}}
	offset := 0
	for _, wave := range waves {
		assert.ElementsMatch(t, wave, order[offset:offset+len(wave)])
		offset += len(wave)
	}
}

func TestSchedulerScenarioDFailedWaveStopsSession(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failures[3] = errors.New("transport reset")
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 1, 2, rec)

	err := s.Send(context.Background(), "bob", "d", File{Name: "five", Data: []byte("12345")}, nil)
	require.ErrorIs(t, err, ErrChunkSendFailure)
	assert.Contains(t, err.Error(), "chunk 3")

	assert.NotContains(t, adapter.dispatched(), 4)
	assert.ElementsMatch(t, []int{0, 1}, adapter.dispatched()[:2])
	require.Len(t, rec.failures, 1)
	assert.ErrorIs(t, rec.failures[0], ErrChunkSendFailure)
	assert.Empty(t, s.Active())
}

func TestSchedulerChannelUnavailable(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.open = false
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 4, 2, rec)

	err := s.Send(context.Background(), "bob", "closed", File{Name: "f", Data: []byte("data")}, nil)
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Empty(t, adapter.dispatched())
	assert.Len(t, rec.failures, 1)
}

func TestSchedulerMapsNotConnected(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failures[1] = fmt.Errorf("wrapped: %w", channel.ErrNotConnected)
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 2, 1, rec)

	err := s.Send(context.Background(), "bob", "gone", File{Name: "f", Data: []byte("abcdef")}, nil)
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Equal(t, []int{0, 1}, adapter.dispatched())
	assert.Len(t, rec.failures, 1)
}

func TestSchedulerRejectsOversizedFile(t *testing.T) {
	adapter := newFakeAdapter()
	rec := &sendRecorder{}
	s := NewScheduler(SchedulerOptions{Adapter: adapter, ChunkSize: 2, MaxFileSize: 4, Events: rec.events()})

	err := s.Send(context.Background(), "bob", "big", File{Name: "f", Data: []byte("12345")}, nil)
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, adapter.dispatched())
	assert.Len(t, rec.failures, 1)
}

func TestSchedulerZeroByteFile(t *testing.T) {
	adapter := newFakeAdapter()
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 4, 2, rec)

	require.NoError(t, s.Send(context.Background(), "bob", "empty", File{Name: "empty"}, nil))
	require.Len(t, adapter.sent, 1)
	assert.Empty(t, adapter.sent[0].Payload)
	assert.Equal(t, 1, adapter.sent[0].TotalChunks)
	assert.Equal(t, []float64{1}, rec.progress)
}

func TestSchedulerPreconditionsRaiseNoEvents(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 1, 1, rec)

	require.ErrorIs(t, s.Send(context.Background(), "bob", " ", File{Name: "f", Data: []byte("x")}, nil), ErrInvalidTransferID)

	errs := make(chan error, 1)
	go func() {
		errs <- s.Send(context.Background(), "bob", "dup", File{Name: "f", Data: []byte("xy")}, nil)
	}()
	require.Eventually(t, func() bool { return len(s.Active()) == 1 }, time.Second, time.Millisecond)

	err := s.Send(context.Background(), "bob", "dup", File{Name: "f", Data: []byte("xy")}, nil)
	require.ErrorIs(t, err, ErrTransferExists)

	close(adapter.block)
	require.NoError(t, <-errs)
	assert.Empty(t, rec.failures)
}

func TestSchedulerCancelPeer(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 1, 2, rec)

	errs := make(chan error, 1)
	go func() {
		errs <- s.Send(context.Background(), "bob", "cp", File{Name: "f", Data: []byte("abcdef")}, nil)
	}()
	require.Eventually(t, func() bool { return len(s.Active()) == 1 }, time.Second, time.Millisecond)

	status := s.Active()[0]
	assert.Equal(t, "cp", status.TransferID)
	assert.Equal(t, "bob", status.PeerID)
	assert.Equal(t, 6, status.TotalChunks)

	assert.Zero(t, s.CancelPeer("carol", nil))
	assert.Equal(t, 1, s.CancelPeer("bob", fmt.Errorf("%w: peer bob closed", ErrChannelUnavailable)))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrChannelUnavailable)
		assert.Contains(t, err.Error(), "peer bob closed")
	case <-time.After(5 * time.Second):
		t.Fatal("send did not stop after CancelPeer")
	}
	assert.Equal(t, 1, rec.failureCount())
	assert.NotContains(t, adapter.dispatched(), 2)
	assert.Empty(t, s.Active())
}

func TestSchedulerCancelAndContext(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.block = make(chan struct{})
		s := newTestScheduler(adapter, 1, 1, &sendRecorder{})

		errs := make(chan error, 1)
		go func() {
			errs <- s.Send(context.Background(), "bob", "c1", File{Name: "f", Data: []byte("ab")}, nil)
		}()
		require.Eventually(t, func() bool { return len(s.Active()) == 1 }, time.Second, time.Millisecond)

		assert.False(t, s.Cancel("missing"))
		assert.True(t, s.Cancel("c1"))
		assert.ErrorIs(t, <-errs, ErrCancelled)
	})

	t.Run("context", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.block = make(chan struct{})
		rec := &sendRecorder{}
		s := newTestScheduler(adapter, 1, 1, rec)

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() {
			errs <- s.Send(ctx, "bob", "c2", File{Name: "f", Data: []byte("ab")}, nil)
		}()
		require.Eventually(t, func() bool { return len(s.Active()) == 1 }, time.Second, time.Millisecond)

		cancel()
		err := <-errs
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, rec.failureCount())
	})
}

// cancelOnLast cancels its scheduler while delivering the final chunk and
// reports that chunk as sent regardless of ctx.
type cancelOnLast struct {
	*fakeAdapter
	scheduler *Scheduler
	last      int
}

func (c *cancelOnLast) Send(ctx context.Context, peerID string, message []byte) error {
	env, err := chunk.Decode(message, 0)
	if err != nil {
		return err
	}
	if env.Index == c.last {
		c.scheduler.Cancel(env.TransferID)
	}
	return c.fakeAdapter.Send(context.Background(), peerID, message)
}

func TestSchedulerCancelDuringFinalWave(t *testing.T) {
	adapter := &cancelOnLast{fakeAdapter: newFakeAdapter(), last: 3}
	rec := &sendRecorder{}
	s := newTestScheduler(adapter, 1, 2, rec)
	adapter.scheduler = s

	err := s.Send(context.Background(), "bob", "late", File{Name: "f", Data: []byte("abcd")}, nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, adapter.dispatched(), 4)
	assert.Equal(t, 1, rec.failureCount())
	assert.Empty(t, s.Active())
}
