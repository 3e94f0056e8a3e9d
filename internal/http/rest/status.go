package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/ledger"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/telemetry"
)

// StateSource exposes the coordinator snapshot.
type StateSource interface {
	State() coordinator.State
}

// RecordSource lists valid ledger records, one per item and kind.
type RecordSource interface {
	List(ctx context.Context, kind catalog.Kind) []ledger.Record
}

type DownloadsResponse struct {
	Kind    string          `json:"kind"`
	Count   int             `json:"count"`
	Records []ledger.Record `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type StatusHandler struct {
	username  string
	password  string
	state     StateSource
	records   RecordSource
	telemetry *telemetry.Telemetry
}

// NewStatusHandler creates the read-only status API. Empty credentials disable basic auth.
func NewStatusHandler(username, password string, state StateSource, records RecordSource, t *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		username:  username,
		password:  password,
		state:     state,
		records:   records,
		telemetry: t,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	if h.username != "" || h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/status", h.HandleStatus)
	r.Get("/downloads", h.HandleDownloads)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	return r
}

// HandleStatus returns the coordinator state.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.state.State())
}

// HandleDownloads lists downloads whose files are still present, optionally filtered by ?kind=.
func (h *StatusHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind := catalog.KindAny

	if q := r.URL.Query().Get("kind"); q != "" {
		parsed, err := catalog.ParseKind(q)
		if err != nil {
			logctx.LoggerFromContext(ctx).Debug("invalid kind filter", "err", err)
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})

			return
		}

		kind = parsed
	}

	records := h.records.List(ctx, kind)
	if records == nil {
		records = []ledger.Record{}
	}

	writeJSON(ctx, w, http.StatusOK, DownloadsResponse{
		Kind:    kind.String(),
		Count:   len(records),
		Records: records,
	})
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
