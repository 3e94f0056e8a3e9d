package transfer

import (
	"sync"
	"time"

	"github.com/italolelis/match_downloader/internal/clock"
)

// DefaultProgressInterval caps progress delivery at ten updates per second.
const DefaultProgressInterval = 100 * time.Millisecond

// Throttle limits how often progress reaches a callback. An update inside the
// window replaces the pending one and is delivered when the window elapses, so
// the latest value always wins. Updates that would move the byte count
// backwards are dropped. The callback runs with the throttle lock held, so
// deliveries never overlap or reorder.
type Throttle struct {
	clock    clock.Clock
	interval time.Duration
	emit     func(Progress)

	mu       sync.Mutex
	lastEmit time.Time
	emitted  bool
	highest  int64
	pending  *Progress
	timer    clock.Timer
	done     bool
}

// NewThrottle returns a Throttle delivering to emit at most once per interval.
func NewThrottle(c clock.Clock, interval time.Duration, emit func(Progress)) *Throttle {
	if c == nil {
		c = clock.New()
	}

	if emit == nil {
		emit = func(Progress) {}
	}

	return &Throttle{clock: c, interval: interval, emit: emit}
}

// Update offers a new value.
func (t *Throttle) Update(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || p.BytesDownloaded < t.highest {
		return
	}

	t.highest = p.BytesDownloaded

	now := t.clock.Now()
	if !t.emitted || now.Sub(t.lastEmit) >= t.interval {
		t.pending = nil
		t.deliverLocked(p, now)

		return
	}

	t.pending = &p

	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.interval-now.Sub(t.lastEmit), t.flushPending)
	}
}

// Flush cancels any pending value and delivers final immediately. Later
// updates are ignored.
func (t *Throttle) Flush(final Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}

	t.stopLocked()

	if final.BytesDownloaded < t.highest {
		final.BytesDownloaded = t.highest
	}

	t.deliverLocked(final, t.clock.Now())
}

// Stop drops any pending value without delivering it.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
}

func (t *Throttle) flushPending() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil

	if t.done || t.pending == nil {
		return
	}

	p := *t.pending
	t.pending = nil
	t.deliverLocked(p, t.clock.Now())
}

func (t *Throttle) stopLocked() {
	t.done = true
	t.pending = nil

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttle) deliverLocked(p Progress, now time.Time) {
	t.lastEmit = now
	t.emitted = true
	t.emit(p)
}
