package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"server error", &StatusError{StatusCode: 503}, true},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"bad request wrapped", errors.Join(errors.New("chat"), &StatusError{StatusCode: 400}), false},
		{"empty response", ErrEmptyResponse, false},
		{"canceled", context.Canceled, false},
		{"transport", errors.New("sending request: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNextDelay(t *testing.T) {
	policy := DefaultRetryPolicy()
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, want)
		}
	}

	capped := &RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	if got := capped.NextDelay(5); got != 5*time.Second {
		t.Errorf("NextDelay(5) = %v, want cap of 5s", got)
	}
}

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestWithRetryRecovers(t *testing.T) {
	calls := 0
	p := WithRetry(ProviderFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, &StatusError{StatusCode: 502}
		}
		return &Response{Content: "ok"}, nil
	}), fastPolicy())

	resp, err := p.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || calls != 3 {
		t.Errorf("content = %q after %d calls, want ok after 3", resp.Content, calls)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	p := WithRetry(ProviderFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, &StatusError{StatusCode: 500}
	}), fastPolicy())

	_, err := p.Complete(context.Background(), Request{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryPermanentError(t *testing.T) {
	calls := 0
	p := WithRetry(ProviderFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, &StatusError{StatusCode: 401}
	}), fastPolicy())

	if _, err := p.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := WithRetry(ProviderFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		cancel()
		return nil, &StatusError{StatusCode: 503}
	}), &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour})

	if _, err := p.Complete(ctx, Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
