package progress

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/vm-migrate-send/internal/wire"
)

type recordingSubscriber struct {
	envelopes chan wire.Envelope
	failAfter int
	writes    int
}

func (r *recordingSubscriber) WriteEnvelope(e wire.Envelope) error {
	r.writes++
	if r.failAfter > 0 && r.writes > r.failAfter {
		return assert.AnError
	}
	r.envelopes <- e
	return nil
}

func TestReestablishInvariantRaisesTotalToCurrent(t *testing.T) {
	c := &Counters{}
	c.AddTotal(100)
	c.SetCurrent(150)
	c.ReestablishInvariant()
	assert.Equal(t, int64(150), c.Total())
}

func TestReestablishInvariantLeavesTotalWhenNotExceeded(t *testing.T) {
	c := &Counters{}
	c.AddTotal(200)
	c.SetCurrent(50)
	c.ReestablishInvariant()
	assert.Equal(t, int64(200), c.Total())
}

func TestWatcherBroadcastsOnProgressAdvance(t *testing.T) {
	c := &Counters{}
	c.AddTotal(1000)
	var stop atomic.Bool

	w := NewWatcher(c, &stop, 10*time.Millisecond, nil)
	sub := &recordingSubscriber{envelopes: make(chan wire.Envelope, 10)}
	w.Subscribe(sub)

	go w.Run()
	defer w.End()

	c.SetCurrent(10)

	select {
	case env := <-sub.envelopes:
		assert.Equal(t, wire.TypeProgress, env.Type)
	case <-time.After(time.Second):
		t.Fatal("watcher never broadcast after progress advanced")
	}
}

func TestWatcherStopsWhenFlagSet(t *testing.T) {
	c := &Counters{}
	var stop atomic.Bool
	w := NewWatcher(c, &stop, 5*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	stop.Store(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after stop flag set")
	}
}

func TestWatcherUnsubscribesOnWriteError(t *testing.T) {
	c := &Counters{}
	var stop atomic.Bool
	w := NewWatcher(c, &stop, 5*time.Millisecond, nil)

	// The first write succeeds and the second fails.
	sub := &recordingSubscriber{envelopes: make(chan wire.Envelope, 10), failAfter: 1}
	id := w.Subscribe(sub)
	require.Len(t, w.subscribers, 1)

	c.SetCurrent(1)
	w.broadcast(c.Current(), c.Total(), false)
	c.SetCurrent(2)
	w.broadcast(c.Current(), c.Total(), false)

	w.mu.Lock()
	_, stillSubscribed := w.subscribers[id]
	w.mu.Unlock()
	assert.False(t, stillSubscribed)
}
