//go:generate mockgen -package mocks -destination mocks/backoff.go . Backoff

package bbm

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"gitlab.com/gitlab-org/database-backfill/internal"
)

const (
	backoffJitterFactor   = 0.33
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Backoff calculates the delay before a window is retried.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

var (
	// for testing purposes (mocks)
	BackoffConstructor = newBackoff
	// SystemClock is the default clock of executors, used to pause between windows and to sleep before retries.
	SystemClock internal.Clock = clock.New()
)

func newBackoff(initInterval, maxInterval time.Duration) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = backoffJitterFactor
	// never stops on its own, the executor bounds retries by attempts
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}
