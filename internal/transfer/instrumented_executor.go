package transfer

import (
	"context"

	"github.com/italolelis/match_downloader/internal/telemetry"
)

// InstrumentedExecutor wraps a Downloader with telemetry.
type InstrumentedExecutor struct {
	next      Downloader
	telemetry *telemetry.Telemetry
}

// NewInstrumentedExecutor creates a new instrumented downloader.
func NewInstrumentedExecutor(next Downloader, tel *telemetry.Telemetry) *InstrumentedExecutor {
	return &InstrumentedExecutor{next: next, telemetry: tel}
}

func (e *InstrumentedExecutor) Download(ctx context.Context, req Request, onProgress func(Progress)) Result {
	var res Result

	_ = e.telemetry.InstrumentTransfer(ctx, string(req.Kind), func(ctx context.Context) error {
		res = e.next.Download(ctx, req, onProgress)

		return res.Err
	})

	switch {
	case res.Err != nil:
		e.telemetry.RecordTransferFailure(string(req.Kind), Category(res.Err))
	case !res.AlreadyPresent:
		e.telemetry.RecordTransferBytes(string(req.Kind), res.Bytes)
	}

	return res
}
