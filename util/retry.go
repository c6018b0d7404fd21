package util

import (
	"context"
	"fmt"
	"time"
)

// RetryContext calls f until it succeeds, retry returns false for its error,
// maxRetries is exhausted or ctx is done.
func RetryContext[T any](ctx context.Context, f func(context.Context) (T, error), retry func(error) bool, maxRetries int, d time.Duration) (v T, err error) {
	for i := 0; i <= maxRetries; i++ {
		if v, err = f(ctx); err == nil {
			return v, nil
		} else if retry != nil && !retry(err) {
			return v, err
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return *new(T), ctx.Err()
		case <-t.C:
		}
	}
	return v, fmt.Errorf("max retries reached: %w", err)
}
