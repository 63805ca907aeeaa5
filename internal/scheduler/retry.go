package scheduler

import (
	"context"
	"time"

	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/clock"
)

// MaxRetries bounds how often a transient failure is retried.
const MaxRetries = 2

// Retry runs background operations with capped exponential backoff.
type Retry struct {
	clk  clock.Clock
	base time.Duration
}

// NewRetry creates a Retry that waits base, then 2*base, between attempts.
func NewRetry(clk clock.Clock, base time.Duration) *Retry {
	return &Retry{clk: clk, base: base}
}

// Do calls op until it succeeds, fails with a non-transient error, or has
// been retried MaxRetries times. Conflicts are never retried.
func (r *Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !apperr.Is(err, apperr.KindTransient) || attempt == MaxRetries {
			return err
		}

		wait := r.base << attempt
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return err
		case <-r.clk.After(wait):
		}
	}
}
