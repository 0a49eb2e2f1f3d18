// Package clock abstracts the time source so state transitions can be
// timestamped deterministically in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System returns the current UTC time.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Frozen is a manually advanced clock for tests.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozen(now time.Time) *Frozen {
	return &Frozen{now: now.UTC()}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// Advance moves the clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}
