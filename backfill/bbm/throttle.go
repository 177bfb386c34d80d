package bbm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm/metrics"
	"gitlab.com/gitlab-org/database-backfill/internal"
)

// Throttle paces the windows of a single run. Pause is slept between two consecutive windows on the caller's
// goroutine. The optional limiter is shared by every run of a process and caps the overall window rate.
type Throttle struct {
	name    string
	pause   time.Duration
	clock   internal.Clock
	limiter *rate.Limiter
}

// NewThrottle creates a Throttle for the named descriptor. limiter may be nil.
func NewThrottle(name string, pause time.Duration, clock internal.Clock, limiter *rate.Limiter) *Throttle {
	return &Throttle{
		name:    name,
		pause:   pause,
		clock:   clock,
		limiter: limiter,
	}
}

// Pause blocks for the configured pause.
func (t *Throttle) Pause() {
	if t.pause <= 0 {
		return
	}
	metrics.Pause(t.name, t.pause)
	t.clock.Sleep(t.pause)
}

// Admit blocks until the shared limiter allows another window to start. It returns early with an error if ctx is
// canceled first.
func (t *Throttle) Admit(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
