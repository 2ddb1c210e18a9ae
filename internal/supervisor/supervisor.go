// Package supervisor launches the controller's long-running workers with
// panic recovery and retry, adapted from the teacher's SafeGo helper.
package supervisor

import (
	"context"
	"time"

	"github.com/evhome/chargectl/internal/logx"
)

const (
	maxRetries = 10
	maxDelay   = 10 * time.Minute
	resetAfter = 2 * time.Minute
)

// Go launches fn in its own goroutine. On panic it retries with exponential
// backoff (capped at maxDelay), resetting the retry counter if the worker
// ran for at least resetAfter before failing. After maxRetries consecutive
// fast failures it calls cancel and gives up.
func Go(ctx context.Context, cancel context.CancelFunc, log *logx.Logger, name string, fn func(ctx context.Context)) {
	go func() {
		retries := 0
		delay := time.Second

		for {
			start := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			if panicValue == nil {
				return
			}

			if time.Since(start) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Error("panic in %s (attempt %d/%d): %v", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Error("%s failed after %d retries, shutting down", name, maxRetries)
				cancel()
				return
			}

			log.Warning("%s will retry in %v", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}
