// Package dispatch serves the agent long-poll. A waiting request holds no
// goroutine of its own beyond the HTTP handler's: between store checks it
// parks in a select on the request context, a timer and the deployment's
// wake channel.
package dispatch

import (
	"context"
	"time"
)

// Poll calls fetch until it returns something, the timeout elapses or ctx is
// done. A signal on wake triggers an early re-check. An empty result on
// timeout is not an error.
func Poll[T any](ctx context.Context, timeout, interval time.Duration, wake <-chan struct{}, fetch func(context.Context) ([]T, error)) ([]T, error) {
	deadline := time.Now().Add(timeout)

	for {
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}
