// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the retry and timeout wrappers callers put
// around operations synod components never retry on their own, such as
// remote path memory calls and human approvals.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jllopis/synod/pkg/errors"
)

// RetryConfig describes an exponential backoff policy. The zero value makes a
// single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter spreads each wait by ±Jitter of its length.
	Jitter float64

	// IsRecoverable decides whether a failure is worth another attempt.
	// Defaults to the package IsRecoverable.
	IsRecoverable func(error) bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig makes three attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: IsRecoverable,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// WithOnRetry registers a hook observing every retry, typically for logging.
func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error, wait time.Duration)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do calls fn until it succeeds, fails with an unrecoverable error or the
// attempts run out. The last error is returned. A context that ends while
// waiting yields a CodeTimeout error wrapping ctx.Err().
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = IsRecoverable
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || !recoverable(err) {
			return err
		}

		wait := rc.backoff(attempt)
		if rc.OnRetry != nil {
			rc.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.New(errors.CodeTimeout, "context done during retry", ctx.Err()).
				WithContext("attempt", attempt).
				WithContext("max_attempts", attempts).
				WithContext("last_error", err.Error())
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var out T
	err := rc.Do(ctx, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// backoff is the wait after the given failed attempt (1-based).
func (rc RetryConfig) backoff(attempt int) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2
	}
	wait := float64(rc.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if rc.MaxDelay > 0 {
		wait = math.Min(wait, float64(rc.MaxDelay))
	}
	if rc.Jitter > 0 {
		wait += wait * rc.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(wait, 0))
}

// IsRecoverable retries synod errors only when flagged recoverable, plus
// storage and timeout failures. Authorization, approval and not-found errors
// are never retried. Plain errors (transport failures) count as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var se *errors.SynodError
	if !stderrors.As(err, &se) {
		return true
	}
	switch se.Code {
	case errors.CodeStorage, errors.CodeTimeout:
		return true
	}
	return se.Recoverable
}
