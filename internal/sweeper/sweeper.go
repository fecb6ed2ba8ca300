// Package sweeper runs the periodic expiry sweep. A lock ensures only one
// instance sweeps per tick.
package sweeper

import (
	"context"
	"log"
	"time"
)

// Target performs one sweep and reports how many records it closed.
type Target interface {
	SweepExpired(ctx context.Context) (int, error)
}

const lockKey = "clubpass:sweep"

type Runner struct {
	target   Target
	locker   Locker
	interval time.Duration
}

func New(target Target, locker Locker, interval time.Duration) *Runner {
	return &Runner{target: target, locker: locker, interval: interval}
}

// RunOnce sweeps if the lock is free. ran is false when another holder
// had the lock.
func (r *Runner) RunOnce(ctx context.Context) (n int, ran bool, err error) {
	// the lease outlives a normal sweep but frees itself if this instance dies
	release, ok, err := r.locker.TryLock(ctx, lockKey, r.interval)
	if err != nil || !ok {
		return 0, false, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[sweeper] failed to release lock: %v", err)
		}
	}()

	n, err = r.target.SweepExpired(ctx)
	return n, true, err
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, ran, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			log.Printf("[sweeper] sweep failed: %v", err)
		case ran && n > 0:
			log.Printf("[sweeper] closed %d lapsed records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
