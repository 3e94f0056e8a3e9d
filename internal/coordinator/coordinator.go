// Package coordinator owns the set of in-flight transfers and publishes its
// state to listeners.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/clock"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/transfer"
)

const (
	// MaxRecent bounds the list of recent completions.
	MaxRecent = 5
	// DefaultNotificationTimeout is used when AddNotification gets a non-positive timeout.
	DefaultNotificationTimeout = 5 * time.Second
)

// ErrAlreadyActive is returned in a Result when the pair is already downloading.
var ErrAlreadyActive = errors.New("already downloading")

// Recorder persists completed downloads.
type Recorder interface {
	Record(ctx context.Context, itemID int64, filepath, filename string, kind catalog.Kind) error
}

// Options configures a Coordinator.
type Options struct {
	Clock               clock.Clock
	NotificationTimeout time.Duration
}

// StartOptions tunes a single StartTransfer call.
type StartOptions struct {
	// Dir is the directory the file is written to.
	Dir string
	// Quiet suppresses the per-transfer notifications.
	Quiet bool
}

type notificationEntry struct {
	Notification
	timer clock.Timer
}

type listenerEntry struct {
	id int
	fn Listener
}

// emission is a snapshot waiting to be delivered to the listeners that were
// registered when it was taken.
type emission struct {
	state     State
	listeners []Listener
}

// Coordinator guarantees that at most one transfer per (item, kind) runs at a time.
//
// Listeners are called one state change at a time and in the order the
// changes happened. A change has been delivered by the time the call that made
// it returns. Listeners may call the read-only accessors; they must not call
// the mutating methods from the same goroutine.
type Coordinator struct {
	downloader          transfer.Downloader
	recorder            Recorder
	clock               clock.Clock
	notificationTimeout time.Duration

	mu            sync.Mutex
	active        map[catalog.Key]*ActiveTransfer
	recent        []CompletedDownload
	completed     map[catalog.Key]struct{}
	notifications []notificationEntry
	batch         *BatchProgress
	listeners     []listenerEntry
	nextListener  int
	pending       []emission

	// emitMu serializes delivery. It is never acquired while mu is held.
	emitMu sync.Mutex
}

func New(downloader transfer.Downloader, recorder Recorder, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if opts.NotificationTimeout <= 0 {
		opts.NotificationTimeout = DefaultNotificationTimeout
	}

	return &Coordinator{
		downloader:          downloader,
		recorder:            recorder,
		clock:               opts.Clock,
		notificationTimeout: opts.NotificationTimeout,
		active:              make(map[catalog.Key]*ActiveTransfer),
		completed:           make(map[catalog.Key]struct{}),
	}
}

// IsActive reports whether a transfer for the pair is in flight.
func (c *Coordinator) IsActive(itemID int64, kind catalog.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.active[catalog.Key{ItemID: itemID, Kind: kind}]

	return ok
}

// WasCompleted reports whether the pair finished successfully during this process.
func (c *Coordinator) WasCompleted(itemID int64, kind catalog.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.completed[catalog.Key{ItemID: itemID, Kind: kind}]

	return ok
}

// StartTransfer runs one transfer to completion and returns its result. If the
// pair is already in flight it returns immediately with ErrAlreadyActive.
func (c *Coordinator) StartTransfer(ctx context.Context, item catalog.Item, handle catalog.Handle, kind catalog.Kind, opts StartOptions) transfer.Result {
	key := catalog.Key{ItemID: item.ID, Kind: kind}
	ctx = logctx.WithKey(ctx, key)
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	if _, busy := c.active[key]; busy {
		c.mu.Unlock()

		return transfer.Result{Err: fmt.Errorf("%w: %s", ErrAlreadyActive, key)}
	}

	c.active[key] = &ActiveTransfer{
		Key:       key,
		Item:      item,
		Progress:  transfer.Progress{Status: transfer.StatusPending},
		StartedAt: c.clock.Now(),
	}
	c.publishLocked()

	res := c.download(ctx, key, transfer.Request{Item: item, Kind: kind, Handle: handle, Dir: opts.Dir})

	if res.Err != nil {
		c.markFailed(key, res.Err)
	} else {
		if err := c.recorder.Record(ctx, item.ID, res.Filepath, filepath.Base(res.Filepath), kind); err != nil {
			logger.ErrorContext(ctx, "failed to record download in ledger", "err", err)
		}
	}

	c.mu.Lock()
	delete(c.active, key)

	if res.Err == nil {
		c.completed[key] = struct{}{}
		c.recent = append(c.recent, CompletedDownload{
			Key:         key,
			Item:        item,
			Filepath:    res.Filepath,
			CompletedAt: c.clock.Now(),
		})

		if len(c.recent) > MaxRecent {
			c.recent = append([]CompletedDownload(nil), c.recent[len(c.recent)-MaxRecent:]...)
		}
	}
	c.publishLocked()

	if opts.Quiet {
		return res
	}

	switch {
	case res.Err != nil:
		c.AddNotification(fmt.Sprintf("Download failed: %s %s: %v", item.Title(), kind, res.Err), 0)
	case res.AlreadyPresent:
		c.AddNotification(fmt.Sprintf("Already downloaded: %s", filepath.Base(res.Filepath)), 0)
	default:
		c.AddNotification(fmt.Sprintf("Downloaded: %s", filepath.Base(res.Filepath)), 0)
	}

	return res
}

func (c *Coordinator) download(ctx context.Context, key catalog.Key, req transfer.Request) (res transfer.Result) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "downloader panicked", "panic", r)

			res = transfer.Result{Err: fmt.Errorf("downloader panicked: %v", r)}
		}
	}()

	return c.downloader.Download(ctx, req, func(p transfer.Progress) {
		c.updateProgress(key, p)
	})
}

func (c *Coordinator) updateProgress(key catalog.Key, p transfer.Progress) {
	c.mu.Lock()

	at, ok := c.active[key]
	if !ok {
		c.mu.Unlock()

		return
	}

	at.Progress = p
	c.publishLocked()
}

// markFailed publishes one last snapshot of the transfer in the error state
// before it leaves the active set.
func (c *Coordinator) markFailed(key catalog.Key, err error) {
	c.mu.Lock()

	at, ok := c.active[key]
	if !ok {
		c.mu.Unlock()

		return
	}

	at.Progress.Status = transfer.StatusError
	at.Progress.Error = err.Error()
	c.publishLocked()
}

// SetBatchProgress replaces the batch progress. nil clears it.
func (c *Coordinator) SetBatchProgress(p *BatchProgress) {
	c.mu.Lock()

	if p == nil {
		c.batch = nil
	} else {
		cp := *p
		c.batch = &cp
	}

	c.publishLocked()
}

// BatchProgress returns a copy of the current batch progress, or nil.
func (c *Coordinator) BatchProgress() *BatchProgress {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil {
		return nil
	}

	cp := *c.batch

	return &cp
}

// Subscribe registers l and calls it once with the current state before
// returning. The returned function unregisters it and may be called repeatedly.
func (c *Coordinator) Subscribe(l Listener) func() {
	c.mu.Lock()

	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: l})

	c.pending = append(c.pending, emission{state: c.snapshotLocked(), listeners: []Listener{l}})
	c.mu.Unlock()

	c.flush()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i, entry := range c.listeners {
			if entry.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)

				return
			}
		}
	}
}

// AddNotification shows message until timeout elapses. A non-positive timeout
// selects the configured default. It returns the notification id.
func (c *Coordinator) AddNotification(message string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = c.notificationTimeout
	}

	id := uuid.New().String()

	c.mu.Lock()

	entry := notificationEntry{
		Notification: Notification{ID: id, Message: message, CreatedAt: c.clock.Now()},
	}
	entry.timer = c.clock.AfterFunc(timeout, func() { c.expireNotification(id) })
	c.notifications = append(c.notifications, entry)

	c.publishLocked()

	return id
}

// ClearNotification removes every notification with message. Clearing a
// message that is not shown is a no-op.
func (c *Coordinator) ClearNotification(message string) {
	c.mu.Lock()

	kept := c.notifications[:0:0]
	for _, n := range c.notifications {
		if n.Message == message {
			n.timer.Stop()

			continue
		}

		kept = append(kept, n)
	}

	if len(kept) == len(c.notifications) {
		c.mu.Unlock()

		return
	}

	c.notifications = kept
	c.publishLocked()
}

func (c *Coordinator) expireNotification(id string) {
	c.mu.Lock()

	for i, n := range c.notifications {
		if n.ID == id {
			c.notifications = append(c.notifications[:i:i], c.notifications[i+1:]...)
			c.publishLocked()

			return
		}
	}

	c.mu.Unlock()
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// Close cancels pending notification timers and drops all listeners.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.notifications {
		n.timer.Stop()
	}

	c.notifications = nil
	c.listeners = nil
	c.pending = nil
}

// publishLocked must be called with mu held and releases it. The snapshot is
// queued under mu, so queue order is mutation order, and delivered by flush.
func (c *Coordinator) publishLocked() {
	listeners := make([]Listener, len(c.listeners))
	for i, entry := range c.listeners {
		listeners[i] = entry.fn
	}

	c.pending = append(c.pending, emission{state: c.snapshotLocked(), listeners: listeners})
	c.mu.Unlock()

	c.flush()
}

// flush delivers queued snapshots until the queue is empty. mu is only held
// to pop the queue, never while a listener runs.
func (c *Coordinator) flush() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()

			return
		}

		e := c.pending[0]
		c.pending[0] = emission{}
		c.pending = c.pending[1:]
		c.mu.Unlock()

		for _, l := range e.listeners {
			l(e.state)
		}
	}
}

func (c *Coordinator) snapshotLocked() State {
	s := State{
		Active:        make([]ActiveTransfer, 0, len(c.active)),
		Recent:        append([]CompletedDownload{}, c.recent...),
		Notifications: make([]Notification, 0, len(c.notifications)),
	}

	for _, at := range c.active {
		s.Active = append(s.Active, *at)
	}

	sort.Slice(s.Active, func(i, j int) bool {
		if !s.Active[i].StartedAt.Equal(s.Active[j].StartedAt) {
			return s.Active[i].StartedAt.Before(s.Active[j].StartedAt)
		}

		return s.Active[i].Key.String() < s.Active[j].Key.String()
	})

	for _, n := range c.notifications {
		s.Notifications = append(s.Notifications, n.Notification)
	}

	if c.batch != nil {
		b := *c.batch
		s.Batch = &b
	}

	return s
}
