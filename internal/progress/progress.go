// Package progress implements the shared progress counters and the
// timer-driven broadcaster that fans progress events out to every
// subscribed control socket. The counters are plain atomics rather than
// a mutex-guarded struct: there is a single periodic writer and many
// lock-free readers.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joyent/vm-migrate-send/internal/wire"
)

// Counters holds the process-wide current/total byte progress for the
// sync in flight. All fields are accessed through atomic operations so a
// single periodic timer can write them while the watcher reads them
// without a lock.
type Counters struct {
	current atomic.Int64
	total   atomic.Int64
}

// Current returns the current progress value.
func (c *Counters) Current() int64 { return c.current.Load() }

// Total returns the total progress value.
func (c *Counters) Total() int64 { return c.total.Load() }

// SetCurrent overwrites the current progress value.
func (c *Counters) SetCurrent(v int64) { c.current.Store(v) }

// AddTotal adds delta to the total progress value, used by the collect
// stage as each dataset's estimate becomes known.
func (c *Counters) AddTotal(delta int64) { c.total.Add(delta) }

// Reset zeroes both counters, used between independent sync commands.
func (c *Counters) Reset() {
	c.current.Store(0)
	c.total.Store(0)
}

// ReestablishInvariant raises Total to Current if Current has overtaken
// it, per the data model's currentProgress <= totalProgress invariant,
// re-checked after each dataset completes.
func (c *Counters) ReestablishInvariant() {
	cur := c.current.Load()
	for {
		tot := c.total.Load()
		if cur <= tot {
			return
		}
		if c.total.CompareAndSwap(tot, cur) {
			return
		}
	}
}

// Subscriber is a control socket that wants progress broadcasts.
type Subscriber interface {
	WriteEnvelope(wire.Envelope) error
}

// keepAliveEveryNTicks is how often a broadcast is forced even without
// progress advancing, per the progress watcher's one-event-per-60-ticks
// keep-alive contract.
const keepAliveEveryNTicks = 60

// Watcher periodically broadcasts progress to its subscribers.
type Watcher struct {
	counters *Counters
	stopFlag *atomic.Bool
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[int]Subscriber
	nextSubID   int

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over counters, observing stopFlag, ticking
// every interval.
func NewWatcher(counters *Counters, stopFlag *atomic.Bool, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		counters:    counters,
		stopFlag:    stopFlag,
		interval:    interval,
		logger:      logger,
		subscribers: map[int]Subscriber{},
		done:        make(chan struct{}),
	}
}

// Subscribe registers sub to receive progress broadcasts and returns an
// id usable with Unsubscribe.
func (w *Watcher) Subscribe(sub Subscriber) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	w.subscribers[id] = sub
	return id
}

// Unsubscribe removes a previously subscribed socket.
func (w *Watcher) Unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, id)
}

// Run starts the periodic broadcast loop. It returns when End is called
// or the process-wide stop flag is observed set at a tick boundary.
func (w *Watcher) Run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastCurrent int64 = -1
	var tick int64

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.stopFlag.Load() {
				return
			}
			tick++
			current := w.counters.Current()
			advanced := current != lastCurrent
			keepAlive := tick%keepAliveEveryNTicks == 0
			if !advanced && !keepAlive {
				continue
			}
			lastCurrent = current
			w.broadcast(current, w.counters.Total(), keepAlive)
		}
	}
}

func (w *Watcher) broadcast(current, total int64, keepAlive bool) {
	env := wire.NewProgress("running", current, total, keepAlive)

	w.mu.Lock()
	targets := make(map[int]Subscriber, len(w.subscribers))
	for id, s := range w.subscribers {
		targets[id] = s
	}
	w.mu.Unlock()

	for id, sub := range targets {
		if err := sub.WriteEnvelope(env); err != nil {
			if w.logger != nil {
				w.logger.Warn("progress subscriber write failed, unsubscribing", "error", err)
			}
			w.Unsubscribe(id)
		}
	}
}

// End stops the broadcast loop and drops every subscriber.
func (w *Watcher) End() {
	w.stopOnce.Do(func() { close(w.done) })
	w.mu.Lock()
	w.subscribers = map[int]Subscriber{}
	w.mu.Unlock()
}
