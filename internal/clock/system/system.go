// Package system provides the wall clock used outside tests.
package system

import (
	"context"
	"time"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Clock reports UTC wall time and sleeps on real timers.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	return harvest.Sleep(ctx, d)
}
