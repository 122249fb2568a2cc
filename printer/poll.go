package printer

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Poller re-runs a check at a fixed interval until it reports done.
// A zero Deadline polls until ctx is canceled.
type Poller struct {
	Interval time.Duration
	Deadline time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Run invokes check until it returns done, an error, or the deadline
// passes. The first check runs immediately.
func (pl Poller) Run(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	sleep, now := pl.sleep, pl.now
	if sleep == nil {
		sleep = sleepCtx
	}
	if now == nil {
		now = time.Now
	}

	var limit time.Time
	if pl.Deadline > 0 {
		limit = now().Add(pl.Deadline)
	}
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !limit.IsZero() && now().Add(pl.Interval).After(limit) {
			return errors.Errorf("deadline %s exceeded", pl.Deadline)
		}
		if err := sleep(ctx, pl.Interval); err != nil {
			return err
		}
	}
}
