// Package ratelimit provides a keyed sliding-window rate limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Policy is a (max events, window) pair.
type Policy struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// Limiter admits at most Policy.Max events per key in any trailing window.
// Keys that stay idle for a full window are swept.
type Limiter struct {
	policy Policy
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string][]time.Time
	lastSweep time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter for the given policy.
func New(policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policy: policy,
		now:    time.Now,
		keys:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// TryRequest records an event for key and reports whether it was admitted.
// Rejected events are not recorded.
func (l *Limiter) TryRequest(key string) bool {
	if l.policy.Max <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.policy.Window)

	if now.Sub(l.lastSweep) >= l.policy.Window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	events := trim(l.keys[key], cutoff)
	if len(events) >= l.policy.Max {
		l.keys[key] = events
		return false
	}

	l.keys[key] = append(events, now)
	return true
}

// Remaining returns how many events key may still record in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := trim(l.keys[key], l.now().Add(-l.policy.Window))
	if n := l.policy.Max - len(events); n > 0 {
		return n
	}
	return 0
}

// Reset forgets all events recorded for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) sweep(cutoff time.Time) {
	for key, events := range l.keys {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.keys, key)
		}
	}
}

// trim drops events at or before cutoff. Events are kept in arrival order.
func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
