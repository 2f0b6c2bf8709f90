package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/ratelimit"
	"github.com/ent0n29/companion/internal/reliability"
)

var (
	ErrBusy             = errors.New("a message is already being sent")
	ErrLoggedOut        = errors.New("conversation has been logged out")
	ErrNotReady         = errors.New("conversation is not ready")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrProfileRequired  = errors.New("profile setup required")
	ErrNoSession        = errors.New("no active session")
	ErrPersistQueueFull = errors.New("persist queue full")
)

// RateLimitedError is returned by Send when the message quota is used up.
type RateLimitedError struct {
	Status ratelimit.Status
	Wait   string
}

func (e *RateLimitedError) Error() string {
	if e.Wait == "" {
		return "message limit reached"
	}
	return fmt.Sprintf("message limit reached, try again in %s", e.Wait)
}

func newRateLimitedError(st ratelimit.Status, now time.Time) *RateLimitedError {
	return &RateLimitedError{Status: st, Wait: ratelimit.TimeUntilReset(st, now)}
}

func errorClass(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "malformed"
	}
	var apiErr *completion.APIError
	if !errors.As(err, &apiErr) {
		return reliability.ClassNetwork
	}
	if apiErr.StatusCode == 0 {
		if apiErr.Err == nil {
			return "config"
		}
		return reliability.ClassNetwork
	}
	if class := reliability.ClassifyHTTPStatus(apiErr.StatusCode); class != reliability.ClassNone {
		return class
	}
	return "malformed"
}

// retryable reports whether resending the same message could succeed.
// Missing credentials and rejected requests never will.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *completion.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	if apiErr.StatusCode == 0 {
		return apiErr.Err != nil
	}
	return reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
}
