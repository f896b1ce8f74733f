package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so expiry and lockout logic can be tested without sleeping
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a manually advanced clock, safe for concurrent use
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// OrReal returns c, or RealClock when c is nil
func OrReal(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}
