package notifier

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/telemetry"
)

const defaultQueueSize = 32

// Forwarder sends every coordinator notification to a Notifier exactly once.
// Listen is the coordinator listener; delivery happens on the goroutine running Run.
type Forwarder struct {
	notifier  Notifier
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	queue     chan string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewForwarder(ctx context.Context, n Notifier, tel *telemetry.Telemetry) *Forwarder {
	return &Forwarder{
		notifier:  n,
		telemetry: tel,
		logger:    logctx.LoggerFromContext(ctx).With("component", "notification_forwarder"),
		queue:     make(chan string, defaultQueueSize),
		seen:      make(map[string]struct{}),
	}
}

// Listen queues notifications that were not in the previous state. It never blocks:
// when the queue is full the message is dropped.
func (f *Forwarder) Listen(s coordinator.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := make(map[string]struct{}, len(s.Notifications))

	for _, n := range s.Notifications {
		current[n.ID] = struct{}{}

		if _, ok := f.seen[n.ID]; ok {
			continue
		}

		select {
		case f.queue <- n.Message:
		default:
			f.logger.Warn("notification queue full, dropping message", "notification_id", n.ID)
			f.telemetry.RecordNotificationForwarded("dropped")
		}
	}

	// expired ids never come back, so only the visible ones need remembering
	f.seen = current
}

// Run delivers queued messages until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.ErrorContext(ctx, "notification forwarder panicked", "panic", r, "stack", string(debug.Stack()))
			f.telemetry.RecordSystemError("notifier", "panic")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.queue:
			if err := f.notifier.Notify(ctx, msg); err != nil {
				f.logger.ErrorContext(ctx, "failed to forward notification", "err", err)
				f.telemetry.RecordNotificationForwarded("error")

				continue
			}

			f.telemetry.RecordNotificationForwarded("success")
		}
	}
}
