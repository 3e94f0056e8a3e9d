package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/match_downloader/internal/logctx"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	called := false
	err = tel.InstrumentTransfer(context.Background(), "video", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	wantErr := errors.New("boom")
	assert.ErrorIs(t, tel.InstrumentLedgerOperation(context.Background(), "save", func(context.Context) error {
		return wantErr
	}), wantErr)

	tel.RecordTransferBytes("video", 10)
	tel.RecordBatchPair("skipped")
	tel.RecordSystemError("bulk", "panic")
	assert.NoError(t, tel.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	err := tel.InstrumentPortalOperation(context.Background(), "get_item", func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMetricsExposition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "telemetry_test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.RecordHTTPRequest(http.MethodGet, "/downloads", "2xx", time.Millisecond, 700)
	tel.RecordTransfer("video", "success", time.Second)
	tel.RecordTransferFailure("stats", "invalid_content")
	tel.RecordTransferBytes("video", 2048)
	tel.RecordBatchPair("skipped")
	tel.RecordSystemError("bulk", "panic")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"http_requests_total{",
		"transfers_total{",
		"transfer_bytes_total{",
		"transfer_failures_total{",
		"http_response_size_bytes_bucket{",
		"batch_pairs_total{",
		"system_errors_total{",
		"transfer_duration_seconds_bucket{",
	} {
		assert.Contains(t, body, name)
	}

	assert.NotContains(t, body, "_ratio")
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestRequestID_RejectsUnusableUpstreamIDs(t *testing.T) {
	tests := map[string]string{
		"too long":       strings.Repeat("a", 129),
		"contains space": "two words",
		"control chars":  "id\x00",
		"non ascii":      "idé",
	}

	for name, upstream := range tests {
		t.Run(name, func(t *testing.T) {
			var seen string

			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, upstream)

			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.NotEqual(t, upstream, seen)

			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
		})
	}
}

func TestHTTPLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})))

			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "/status", entry["path"])
			assert.InDelta(t, tt.status, entry["status"], 0)
			assert.NotEmpty(t, entry["request_id"])
		})
	}
}

func TestHTTPLogging_ResponseSizeAndQuery(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"kind":"video","count":0,"records":[]}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/downloads?kind=video", nil)
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "/downloads", entry["path"])
	assert.Equal(t, "kind=video", entry["query"])
	assert.InDelta(t, 39, entry["response_bytes"], 0)
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(204))
	assert.Equal(t, "3xx", getStatusClass(304))
	assert.Equal(t, "4xx", getStatusClass(401))
	assert.Equal(t, "5xx", getStatusClass(503))
	assert.Equal(t, "unknown", getStatusClass(100))
}
