// Package portal is a thin client for the match portal REST API.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/telemetry"
	"github.com/italolelis/match_downloader/internal/transfer"
)

const maxErrorBody = 4 * 1024

// ErrNotFound is returned when the portal does not know an item.
var ErrNotFound = errors.New("item not found")

// NewHTTPClient returns a traced HTTP client that sends token as a bearer
// credential. An empty token disables authentication. A zero timeout means none.
func NewHTTPClient(token string, timeout time.Duration) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	client := base
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	client.Timeout = timeout

	return client
}

// NewMediaHTTPClient returns a traced client for streaming media URLs. The
// bearer token is only sent to the portal host itself, never to the CDN hosts
// the portal hands out.
func NewMediaHTTPClient(portalBaseURL, token string) *http.Client {
	plain := otelhttp.NewTransport(http.DefaultTransport)

	u, err := url.Parse(portalBaseURL)
	if token == "" || err != nil || u.Host == "" {
		return &http.Client{Transport: plain}
	}

	return &http.Client{Transport: &portalScopedTransport{
		host:  strings.ToLower(u.Host),
		plain: plain,
		authed: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   plain,
		},
	}}
}

type portalScopedTransport struct {
	host   string
	plain  http.RoundTripper
	authed http.RoundTripper
}

func (t *portalScopedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.ToLower(req.URL.Host) == t.host {
		return t.authed.RoundTrip(req)
	}

	return t.plain.RoundTrip(req)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	telemetry  *telemetry.Telemetry
}

func NewClient(baseURL string, httpClient *http.Client, tel *telemetry.Telemetry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		telemetry:  tel,
	}
}

// Ensure Client implements catalog.Resolver
var _ catalog.Resolver = (*Client)(nil)

type videoResponse struct {
	Available bool   `json:"available"`
	URL       string `json:"url"`
}

type statsResponse struct {
	Available bool `json:"available"`
}

// GetItem fetches match metadata.
func (c *Client) GetItem(ctx context.Context, id int64) (catalog.Item, error) {
	var item catalog.Item

	err := c.telemetry.InstrumentPortalOperation(ctx, "get_item", func(ctx context.Context) error {
		return c.getJSON(ctx, "get_item", fmt.Sprintf("/api/v1/matches/%d", id), &item)
	})
	if err != nil {
		return catalog.Item{}, err
	}

	if item.ID == 0 {
		item.ID = id
	}

	return item, nil
}

// Resolve reports whether kind is available for item. Videos resolve to a
// streamable URL, stats to a generator calling the export endpoint.
func (c *Client) Resolve(ctx context.Context, item catalog.Item, kind catalog.Kind) (catalog.Handle, bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", item.ID, "content_kind", kind.String())

	var (
		handle    catalog.Handle
		available bool
	)

	err := c.telemetry.InstrumentPortalOperation(ctx, "resolve_"+kind.String(), func(ctx context.Context) error {
		switch kind {
		case catalog.KindVideo:
			var resp videoResponse
			if err := c.getJSON(ctx, "resolve_video", fmt.Sprintf("/api/v1/matches/%d/video", item.ID), &resp); err != nil {
				return err
			}

			available = resp.Available && resp.URL != ""
			handle = catalog.Handle{URL: resp.URL}
		case catalog.KindStats:
			var resp statsResponse
			if err := c.getJSON(ctx, "resolve_stats", fmt.Sprintf("/api/v1/matches/%d/stats", item.ID), &resp); err != nil {
				return err
			}

			available = resp.Available
			handle = catalog.Handle{Generate: c.exportStats(item.ID)}
		default:
			return fmt.Errorf("%w: %q", catalog.ErrUnknownKind, kind)
		}

		return nil
	})

	if errors.Is(err, ErrNotFound) {
		logger.DebugContext(ctx, "content not found on portal")

		return catalog.Handle{}, false, nil
	}

	if err != nil {
		return catalog.Handle{}, false, err
	}

	if !available {
		return catalog.Handle{}, false, nil
	}

	return handle, true, nil
}

func (c *Client) exportStats(id int64) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		var payload []byte

		err := c.telemetry.InstrumentPortalOperation(ctx, "export_stats", func(ctx context.Context) error {
			resp, err := c.do(ctx, "export_stats", http.MethodPost, fmt.Sprintf("/api/v1/matches/%d/stats/export", id), bytes.NewReader([]byte("{}")))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			payload, err = io.ReadAll(resp.Body)
			if err != nil {
				return &transfer.NetworkError{Operation: "export_stats", APIMessage: "failed to read export body", Err: err}
			}

			return nil
		})

		return payload, err
	}
}

func (c *Client) getJSON(ctx context.Context, operation, path string, out any) error {
	resp, err := c.do(ctx, operation, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: "invalid JSON response", Err: err}
	}

	return nil
}

// do performs a request and maps non-2xx responses to typed errors. The caller
// closes the body of a successful response.
func (c *Client) do(ctx context.Context, operation, method, path string, body io.Reader) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", operation, err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.DebugContext(ctx, "sending portal request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "portal request failed", "err", err)

		return nil, &transfer.NetworkError{Operation: operation, APIMessage: "request failed", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		logger.ErrorContext(ctx, "portal rejected credentials", "status", resp.StatusCode)

		return nil, &transfer.AuthenticationError{Operation: operation}
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		logger.ErrorContext(ctx, "non-2xx portal response", "status", resp.StatusCode, "body", string(msg))

		return nil, &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: strings.TrimSpace(string(msg))}
	}
}
