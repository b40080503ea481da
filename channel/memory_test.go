package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, want int) (MessageHandler, func() [][]byte) {
	t.Helper()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})
	handler := func(message []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, message)
		if len(got) == want {
			close(done)
		}
	}
	wait := func() [][]byte {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d messages", want)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), got...)
	}
	return handler, wait
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe("alice", "bob")
	defer a.Close()

	handler, wait := collect(t, 100)
	b.OnMessage("alice", handler)

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Send(context.Background(), "bob", []byte(fmt.Sprintf("m-%03d", i))))
	}

	got := wait()
	for i, message := range got {
		assert.Equal(t, fmt.Sprintf("m-%03d", i), string(message))
	}
}

func TestPipeQueuesUntilHandlerRegistered(t *testing.T) {
	a, b := Pipe("alice", "bob")
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), "bob", []byte("early")))

	handler, wait := collect(t, 1)
	b.OnMessage("alice", handler)
	assert.Equal(t, "early", string(wait()[0]))
}

func TestPipeCopiesMessages(t *testing.T) {
	a, b := Pipe("alice", "bob")
	defer a.Close()

	handler, wait := collect(t, 1)
	b.OnMessage("alice", handler)

	message := []byte("original")
	require.NoError(t, a.Send(context.Background(), "bob", message))
	copy(message, "mutated!")

	assert.Equal(t, "original", string(wait()[0]))
}

func TestPipeRejectsUnknownPeerAndOversizedMessages(t *testing.T) {
	a, _ := NewPipe(PipeConfig{LocalID: "alice", RemoteID: "bob", MaxMessageSize: 4})
	defer a.Close()

	assert.False(t, a.IsOpen("carol"))
	assert.ErrorIs(t, a.Send(context.Background(), "carol", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, a.Send(context.Background(), "bob", []byte("too long")), ErrMessageTooLarge)
}

func TestPipeCloseNotifiesBothEnds(t *testing.T) {
	a, b := Pipe("alice", "bob")

	var wg sync.WaitGroup
	wg.Add(2)
	a.OnClose("bob", func(err error) {
		assert.NoError(t, err)
		wg.Done()
	})
	b.OnClose("alice", func(err error) {
		assert.NoError(t, err)
		wg.Done()
	})

	require.NoError(t, b.Close())
	waitGroupOrFail(t, &wg)

	assert.False(t, a.IsOpen("bob"))
	assert.False(t, b.IsOpen("alice"))
	assert.ErrorIs(t, a.Send(context.Background(), "bob", []byte("x")), ErrNotConnected)
}

func TestPipeOnCloseAfterCloseStillFires(t *testing.T) {
	a, _ := Pipe("alice", "bob")
	a.CloseWithError(ErrClosed)

	fired := make(chan error, 1)
	a.OnClose("bob", func(err error) { fired <- err })

	select {
	case err := <-fired:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler did not fire")
	}
}

func TestPipeSendHonoursContextWhenQueueFull(t *testing.T) {
	a, _ := NewPipe(PipeConfig{LocalID: "alice", RemoteID: "bob", QueueSize: 1})
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), "bob", []byte("fills queue")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "bob", []byte("blocked")), context.DeadlineExceeded)
}

func waitGroupOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
