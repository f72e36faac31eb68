// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jllopis/synod/pkg/errors"
)

func fastRetry(attempts int) RetryConfig {
	return DefaultRetryConfig().
		WithMaxAttempts(attempts).
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(5 * time.Millisecond)
}

func TestRetrySuccess(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return stderrors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return stderrors.New("still down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 failing calls, got %d (%v)", calls, err)
	}
}

func TestRetryNeverRetriesGovernanceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"authorization", errors.Authorization("team/red", "record_path", "denied")},
		{"approval", errors.ApprovalDenied("bob", "file_delete", "rejected")},
		{"not found", errors.NotFound("key a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastRetry(5).Do(context.Background(), func() error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Fatalf("expected a single call, got %d", calls)
			}
			if err != tt.err {
				t.Fatalf("expected original error, got %v", err)
			}
		})
	}
}

func TestRetryStorageErrorsAreRetried(t *testing.T) {
	calls := 0
	_ = fastRetry(3).Do(context.Background(), func() error {
		calls++
		return errors.New(errors.CodeStorage, "list paths", stderrors.New("locked"))
	})
	if calls != 3 {
		t.Fatalf("expected storage errors to be retried, got %d calls", calls)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := DefaultRetryConfig().WithInitialDelay(time.Second).Do(ctx, func() error {
		calls++
		cancel()
		return stderrors.New("transient")
	})
	if !errors.Is(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", stderrors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), TimeoutConfig{Duration: 10 * time.Millisecond}, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if err := WithTimeout(context.Background(), TimeoutConfig{}, func() error { return nil }); err != nil {
		t.Fatalf("zero duration must run fn directly: %v", err)
	}
}

func TestWithTimeoutResult(t *testing.T) {
	got, err := WithTimeoutResult(context.Background(), TimeoutConfig{Duration: time.Second}, func(context.Context) (bool, error) {
		return true, nil
	})
	if err != nil || !got {
		t.Fatalf("unexpected result %v %v", got, err)
	}

	_, err = WithTimeoutResult(context.Background(), TimeoutConfig{Duration: 10 * time.Millisecond}, func(context.Context) (bool, error) {
		time.Sleep(200 * time.Millisecond)
		return true, nil
	})
	if !errors.Is(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestOnRetryObservesEachWait(t *testing.T) {
	var seen []int
	rc := fastRetry(3).WithOnRetry(func(attempt int, err error, wait time.Duration) {
		if err == nil || wait < 0 {
			t.Errorf("attempt %d: err=%v wait=%v", attempt, err, wait)
		}
		seen = append(seen, attempt)
	})
	_ = rc.Do(context.Background(), func() error { return stderrors.New("transient") })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("retries observed = %v, want [1 2]", seen)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	rc := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 5: 3 * time.Second} {
		if got := rc.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
