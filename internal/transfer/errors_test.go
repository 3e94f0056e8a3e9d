package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "invalid content",
			err:  &InvalidContentError{Filename: "2024-03-15_Duke_vs_UNC.xml", Reason: "payload has 12 bytes, want at least 100"},
			want: "invalid content in 2024-03-15_Duke_vs_UNC.xml: payload has 12 bytes, want at least 100",
		},
		{
			name: "network with status",
			err:  &NetworkError{Operation: "download", StatusCode: 503, APIMessage: "service unavailable"},
			want: "network error during download (HTTP 503): service unavailable",
		},
		{
			name: "network without status",
			err:  &NetworkError{Operation: "download", APIMessage: "connection reset"},
			want: "network error during download: connection reset",
		},
		{
			name: "directory",
			err:  &DirectoryError{DirectoryName: "videos", Reason: "permission denied"},
			want: "directory error for 'videos': permission denied",
		},
		{
			name: "authentication",
			err:  &AuthenticationError{Operation: "get_item"},
			want: "authentication failed during get_item",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.NoError(t, errors.Unwrap(tt.err))
		})
	}
}

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := map[string]error{
		"invalid content": &InvalidContentError{Filename: "a.xml", Reason: "short", Err: cause},
		"network":         &NetworkError{Operation: "download", Err: cause},
		"directory":       &DirectoryError{DirectoryName: "stats", Err: cause},
		"authentication":  &AuthenticationError{Operation: "export_stats", Err: cause},
	}

	for name, err := range tests {
		t.Run(name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", err)
			assert.ErrorIs(t, wrapped, cause)
		})
	}
}

func TestErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &NetworkError{Operation: "download", StatusCode: 404, APIMessage: "404 Not Found"})

	var netErr *NetworkError
	require.ErrorAs(t, wrapped, &netErr)
	assert.Equal(t, 404, netErr.StatusCode)

	var authErr *AuthenticationError
	assert.False(t, errors.As(wrapped, &authErr))
}

func TestCategoryAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  string
		retryable bool
	}{
		{name: "connection reset", err: &NetworkError{Operation: "download", APIMessage: "connection reset"}, category: CategoryNetwork, retryable: true},
		{name: "bad gateway", err: &NetworkError{Operation: "download", StatusCode: 502}, category: CategoryNetwork, retryable: true},
		{name: "rate limited", err: &NetworkError{Operation: "export_stats", StatusCode: 429}, category: CategoryNetwork, retryable: true},
		{name: "gone", err: &NetworkError{Operation: "download", StatusCode: 410}, category: CategoryNetwork},
		{name: "forbidden", err: &AuthenticationError{Operation: "download"}, category: CategoryAuthentication},
		{name: "short stats file", err: &InvalidContentError{Filename: "a.xml", Reason: "short"}, category: CategoryInvalidContent},
		{name: "read-only disk", err: &DirectoryError{DirectoryName: "videos"}, category: CategoryDirectory},
		{name: "wrapped network", err: fmt.Errorf("bulk: %w", &NetworkError{Operation: "download"}), category: CategoryNetwork, retryable: true},
		{name: "canceled", err: fmt.Errorf("stopped: %w", context.Canceled), category: CategoryCanceled},
		{name: "deadline", err: context.DeadlineExceeded, category: CategoryUnknown, retryable: true},
		{name: "plain", err: errors.New("boom"), category: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, Category(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}
