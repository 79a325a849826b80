// Package retry implements a small bounded-attempt backoff helper shared by
// the PBX-CTL client's event-stream reconnect and the AI-RT Session's
// WebSocket reconnect, both of which need "retry N times, fixed spacing,
// stop early if the caller is no longer interesting" semantics.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds the number of attempts and the spacing between them.
type Policy struct {
	MaxRetries int
	Spacing    time.Duration
}

// Run invokes attempt until it returns nil, until MaxRetries extra attempts
// have been made, until active returns false, or until ctx is done —
// whichever comes first. active is consulted before every attempt after the
// first, so a caller can suppress retries once its subject (e.g. a Call) has
// been cleaned up. attempt receives the 0-based attempt index.
func (p Policy) Run(ctx context.Context, active func() bool, attempt func(n int) error) error {
	var lastErr error
	for n := 0; n <= p.MaxRetries; n++ {
		if n > 0 {
			if active != nil && !active() {
				return fmt.Errorf("retry: aborted after %d attempt(s), subject no longer active: %w", n, lastErr)
			}
			timer := time.NewTimer(p.Spacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := attempt(n); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("retry: exhausted %d attempt(s): %w", p.MaxRetries+1, lastErr)
}
