package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
}

func TestTryRequest_WindowPolicy(t *testing.T) {
	clock := newClock()
	l := New(Policy{Max: 3, Window: 60 * time.Second}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if !l.TryRequest("10.0.0.1") {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
		clock.Advance(time.Second)
	}

	if l.TryRequest("10.0.0.1") {
		t.Fatal("4th request admitted within window")
	}

	clock.Advance(60 * time.Second)
	if !l.TryRequest("10.0.0.1") {
		t.Fatal("request rejected after window elapsed")
	}
}

func TestTryRequest_KeysIndependent(t *testing.T) {
	clock := newClock()
	l := New(Policy{Max: 1, Window: time.Minute}, WithClock(clock.Now))

	if !l.TryRequest("a") {
		t.Fatal("first request for a rejected")
	}
	if l.TryRequest("a") {
		t.Fatal("second request for a admitted")
	}
	if !l.TryRequest("b") {
		t.Fatal("key b throttled by key a")
	}
}

func TestTryRequest_ZeroMaxRejects(t *testing.T) {
	l := New(Policy{Max: 0, Window: time.Minute})
	if l.TryRequest("x") {
		t.Fatal("zero max admitted a request")
	}
}

func TestRemainingAndReset(t *testing.T) {
	clock := newClock()
	l := New(Policy{Max: 5, Window: time.Minute}, WithClock(clock.Now))

	l.TryRequest("k")
	l.TryRequest("k")
	if got := l.Remaining("k"); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}

	l.Reset("k")
	if got := l.Remaining("k"); got != 5 {
		t.Fatalf("Remaining after reset = %d, want 5", got)
	}
}

func TestIdleKeysSwept(t *testing.T) {
	clock := newClock()
	l := New(Policy{Max: 2, Window: time.Second}, WithClock(clock.Now))

	for i := 0; i < 100; i++ {
		l.TryRequest(fmt.Sprintf("ip-%d", i))
	}
	if l.Len() != 100 {
		t.Fatalf("Len = %d, want 100", l.Len())
	}

	clock.Advance(2 * time.Second)
	l.TryRequest("fresh")

	if l.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", l.Len())
	}
}

func TestTryRequest_Concurrent(t *testing.T) {
	l := New(Policy{Max: 50, Window: time.Hour})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.TryRequest("shared") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Fatalf("admitted = %d, want 50", admitted)
	}
}

// Property: within one window the limiter admits exactly min(n, max) requests.
func TestProperty_AdmitsAtMostMaxPerWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("admitted count is min(requests, max)", prop.ForAll(
		func(max int, requests int) bool {
			clock := newClock()
			l := New(Policy{Max: max, Window: time.Minute}, WithClock(clock.Now))

			admitted := 0
			for i := 0; i < requests; i++ {
				if l.TryRequest("key") {
					admitted++
				}
				clock.Advance(100 * time.Millisecond)
			}

			want := requests
			if max < want {
				want = max
			}
			return admitted == want
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
