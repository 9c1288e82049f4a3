package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// StatusError is a non-200 answer from a provider's HTTP API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// RetryPolicy controls how failed completions are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 2x multiplier and
// a 30s cap.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether err is transient and attempt has not used up
// MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return Retryable(err)
}

// Retryable classifies provider errors. Rate limits, server errors and
// transport failures are transient; other statuses, empty answers and
// cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// NextDelay returns the backoff before the attempt after the given one
// (1-indexed): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// WithRetry wraps p so transient failures are retried under policy.
func WithRetry(p Provider, policy *RetryPolicy) Provider {
	if policy == nil || policy.MaxAttempts <= 1 {
		return p
	}
	return ProviderFunc(func(ctx context.Context, req Request) (*Response, error) {
		for attempt := 1; ; attempt++ {
			resp, err := p.Complete(ctx, req)
			if err == nil || !policy.ShouldRetry(err, attempt) {
				return resp, err
			}
			select {
			case <-ctx.Done():
				return nil, err
			case <-time.After(policy.NextDelay(attempt)):
			}
		}
	})
}
