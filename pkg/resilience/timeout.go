// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/synod/pkg/errors"
)

// TimeoutConfig bounds an operation. A zero Duration means no bound.
type TimeoutConfig struct {
	Duration time.Duration
}

// WithTimeout runs fn and gives up after config.Duration with a recoverable
// CodeTimeout error.
func WithTimeout(ctx context.Context, config TimeoutConfig, fn func() error) error {
	_, err := WithTimeoutResult(ctx, config, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// WithTimeoutResult runs fn under a context bounded by config.Duration. fn
// should honor its context; one that does not keeps running in the
// background after the timeout is reported.
func WithTimeoutResult[T any](ctx context.Context, config TimeoutConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if config.Duration <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", config.Duration.String()).
			WithRecoverable(true)
	}
}
