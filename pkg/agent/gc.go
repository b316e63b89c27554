package agent

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// ReapStale drops run state not touched since before the cutoff, plus any
// completed runs. Abandoning a run (never resuming it) is the only
// cancellation mechanism; this reclaims what abandonment leaves behind.
// Reaping removes the registry entry only, so a resume racing a reap either
// finishes normally or fails lookup with ErrInvalidRun. Returns the number
// of runs reaped.
func (a *Agent) ReapStale(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	a.mu.Lock()
	defer a.mu.Unlock()

	reaped := 0
	for num, run := range a.runs {
		run.mu.Lock()
		stale := run.touched.Before(cutoff) || !run.live()
		run.mu.Unlock()
		if stale {
			delete(a.runs, num)
			reaped++
		}
	}
	return reaped
}

// RunGC sweeps stale runs every interval until ctx is done. Intended to be
// started as a goroutine by the owning process.
func (a *Agent) RunGC(ctx context.Context, interval, ttl time.Duration) {
	log := klog.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := a.ReapStale(ttl); reaped > 0 {
				log.V(2).Info("reaped stale runs", "count", reaped)
			}
		}
	}
}
