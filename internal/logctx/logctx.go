package logctx

import (
	"context"
	"log/slog"

	"github.com/italolelis/match_downloader/internal/catalog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	transferKey contextKey = "transfer"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithKey tags the context with the transfer it belongs to. ContextHandler adds
// the key to every record logged with that context.
func WithKey(ctx context.Context, key catalog.Key) context.Context {
	return context.WithValue(ctx, transferKey, key)
}

// KeyFromContext returns the transfer key stored by WithKey.
func KeyFromContext(ctx context.Context) (catalog.Key, bool) {
	key, ok := ctx.Value(transferKey).(catalog.Key)

	return key, ok
}
