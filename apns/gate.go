package apns

import (
	"sync"
	"time"
)

// TokenLifetime is how long a provider token issuance time is reused.
// APNs rejects tokens older than an hour and throttles providers that
// refresh more often than every 20 minutes.
const TokenLifetime = 40 * time.Minute

// TimestampGate tracks the issuance time shared by every provider token
// signed within one validity window.
type TimestampGate struct {
	mu      sync.Mutex
	now     func() time.Time
	updated time.Time
}

// NewTimestampGate starts a window at the current time.
func NewTimestampGate() *TimestampGate {
	return newTimestampGate(time.Now)
}

func newTimestampGate(now func() time.Time) *TimestampGate {
	return &TimestampGate{now: now, updated: now()}
}

// Expired reports whether the window has elapsed.
func (g *TimestampGate) Expired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expired()
}

func (g *TimestampGate) expired() bool {
	return g.now().Sub(g.updated) > TokenLifetime
}

// Current returns the window's baseline, starting a new window first when
// the previous one has elapsed.
func (g *TimestampGate) Current() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired() {
		g.updated = g.now()
	}
	return g.updated
}
