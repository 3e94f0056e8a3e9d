package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/config"
	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/http/rest"
	"github.com/italolelis/match_downloader/internal/ledger"
	"github.com/italolelis/match_downloader/internal/ledger/jsonfile"
	"github.com/italolelis/match_downloader/internal/ledger/sqlite"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/notifier"
	"github.com/italolelis/match_downloader/internal/portal"
	"github.com/italolelis/match_downloader/internal/telemetry"
	"github.com/italolelis/match_downloader/internal/transfer"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)

		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewContextHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Debug("match downloader starting...", "log_level", cfg.LogLevel, "command", args[0])

	if err := run(logctx.WithLogger(ctx, logger), cfg, args); err != nil {
		slog.Error("fatal error", "command", args[0], "err", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(os.Stderr)

		return fmt.Errorf("unknown command %q", args[0])
	}

	a, err := setup(ctx, cfg, cmd.needsPortal)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	return cmd.run(ctx, a, args[1:])
}

// app holds the wired services a command works with.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	ledger    *ledger.Ledger
	coord     *coordinator.Coordinator
	portal    *portal.Client
	resolver  *catalog.CachedResolver
	server    *http.Server
	closers   []func() error
}

func setup(ctx context.Context, cfg *config.Config, needsPortal bool) (*app, error) {
	logger := logctx.LoggerFromContext(ctx)
	a := &app{cfg: cfg}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.telemetry = tel
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.WithoutCancel(ctx)) })

	// =========================================================================
	// Start Ledger
	store, err := buildLedgerStore(cfg)
	if err != nil {
		a.close(ctx)

		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if db, ok := store.(interface{ DB() *sql.DB }); ok {
		a.closers = append(a.closers, db.DB().Close)
	}

	a.ledger = ledger.New(ledger.NewInstrumentedStore(store, tel), nil)

	// =========================================================================
	// Start Portal Client
	if needsPortal {
		if err := cfg.RequirePortal(); err != nil {
			a.close(ctx)

			return nil, err
		}

		a.portal = portal.NewClient(cfg.PortalBaseURL, portal.NewHTTPClient(cfg.PortalToken, cfg.RequestTimeout), tel)
		a.resolver = catalog.NewCachedResolver(a.portal)
	}

	// =========================================================================
	// Start Coordinator
	executor := transfer.NewExecutor(transfer.Options{
		HTTPClient:       portal.NewMediaHTTPClient(cfg.PortalBaseURL, cfg.PortalToken),
		ProgressInterval: cfg.ProgressInterval,
		MinAuxBytes:      cfg.StatFileMinBytes,
		GenerateTimeout:  cfg.RequestTimeout,
	})

	a.coord = coordinator.New(transfer.NewInstrumentedExecutor(executor, tel), a.ledger, coordinator.Options{
		NotificationTimeout: cfg.NotificationTimeout,
	})
	a.closers = append(a.closers, func() error { a.coord.Close(); return nil })

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		fwd := notifier.NewForwarder(ctx, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}, tel)
		go fwd.Run(ctx)

		unsubscribe := a.coord.Subscribe(fwd.Listen)
		a.closers = append(a.closers, func() error { unsubscribe(); return nil })
	}

	// =========================================================================
	// Start API Service
	if cfg.Web.BindAddress != "" {
		a.server = setupServer(ctx, a, cfg)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API stopped", "err", err)
				tel.RecordSystemError("http", "listen")
			}
		}()
	}

	return a, nil
}

// close shuts the services down in reverse order of creation.
func (a *app) close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if a.server != nil {
		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := a.server.Close(); err != nil {
				logger.Error("could not stop server", "err", err)
			}
		}
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("failed to release resource", "err", err)
		}
	}
}

// sqliteStore keeps the database handle next to the store so it can be closed.
type sqliteStore struct {
	*sqlite.Store
	db *sql.DB
}

func (s sqliteStore) DB() *sql.DB {
	return s.db
}

// This is an abstract factory for the ledger store.
func buildLedgerStore(cfg *config.Config) (ledger.Store, error) {
	switch strings.ToLower(cfg.LedgerBackend) {
	case "json":
		return jsonfile.New(cfg.LedgerPath), nil
	case "sqlite":
		db, err := sqlite.InitDB(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}

		return sqliteStore{Store: sqlite.NewStore(db), db: db}, nil
	}

	return nil, fmt.Errorf("invalid ledger backend: %s", cfg.LedgerBackend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app, cfg *config.Config) *http.Server {
	h := rest.NewStatusHandler(cfg.Web.Username, cfg.Web.Password, a.coord, a.ledger, a.telemetry)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      h.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
