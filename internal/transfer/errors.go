package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Failure categories reported by Category.
const (
	CategoryNetwork        = "network"
	CategoryAuthentication = "authentication"
	CategoryInvalidContent = "invalid_content"
	CategoryDirectory      = "directory"
	CategoryCanceled       = "canceled"
	CategoryUnknown        = "unknown"
)

// InvalidContentError represents content that arrived but cannot be kept:
// an empty stream, or a generated file below the minimum sane size.
type InvalidContentError struct {
	Filename string // Name of the file that failed validation
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and API errors including non-2xx
// responses, connection failures and truncated streams.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "download", "get_item")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures creating or writing a target directory.
type DirectoryError struct {
	DirectoryName string // The directory name that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Category names the kind of failure behind err for metrics and user output.
func Category(err error) string {
	var (
		invalid *InvalidContentError
		network *NetworkError
		dir     *DirectoryError
		auth    *AuthenticationError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.As(err, &auth):
		return CategoryAuthentication
	case errors.As(err, &invalid):
		return CategoryInvalidContent
	case errors.As(err, &dir):
		return CategoryDirectory
	case errors.As(err, &network):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

// Retryable reports whether trying the same pair again later may succeed:
// connection failures, timeouts, 429 and 5xx responses. Auth, content and
// filesystem failures need someone to act first.
func Retryable(err error) bool {
	var network *NetworkError
	if !errors.As(err, &network) {
		return errors.Is(err, context.DeadlineExceeded)
	}

	return network.StatusCode == 0 ||
		network.StatusCode == http.StatusTooManyRequests ||
		network.StatusCode >= http.StatusInternalServerError
}
