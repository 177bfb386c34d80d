//go:generate mockgen -package mocks -destination mocks/clock.go . Clock

package internal

import "time"

// Clock is the subset of github.com/benbjohnson/clock.Clock used across the module. It exists so that sleeps and
// elapsed time calculations can be mocked in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
}
