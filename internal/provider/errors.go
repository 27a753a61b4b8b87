package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/model"
)

// ProviderError reports a non-2xx status or a malformed page. It is not
// retried automatically.
type ProviderError struct {
	Provider   model.Provider
	Op         string
	StatusCode int // 0 for malformed responses
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: malformed response: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NetworkError reports a transport failure before a response was read.
type NetworkError struct {
	Provider model.Provider
	Op       string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network: %v", e.Provider, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports a page fetch that exceeded its deadline.
type TimeoutError struct {
	Provider model.Provider
	Op       string
	After    time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Provider, e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable reports whether a caller may re-invoke the failed fetch as is.
func Retryable(err error) bool {
	var netErr *NetworkError
	var toErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &toErr)
}

// classify maps a transport or decode failure onto the error taxonomy.
// Cancellation by the caller passes through unwrapped.
func classify(ctx context.Context, p model.Provider, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: p, Op: op, After: timeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p, Op: op, StatusCode: apiErr.StatusCode, Err: err}
	}

	var decErr *api.DecodeError
	if errors.As(err, &decErr) {
		return &ProviderError{Provider: p, Op: op, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Provider: p, Op: op, After: timeout, Err: err}
	}

	return &NetworkError{Provider: p, Op: op, Err: err}
}
