package ledger

import (
	"context"

	"github.com/italolelis/match_downloader/internal/telemetry"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

func (s *InstrumentedStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := s.telemetry.InstrumentLedgerOperation(ctx, "load", func(ctx context.Context) error {
		var err error

		snap, err = s.store.Load(ctx)

		return err
	})

	return snap, err
}

func (s *InstrumentedStore) Save(ctx context.Context, snap Snapshot) error {
	return s.telemetry.InstrumentLedgerOperation(ctx, "save", func(ctx context.Context) error {
		return s.store.Save(ctx, snap)
	})
}
