package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errUpstream = errors.New("upstream down")

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("yahoo", CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: 10 * time.Second})
	cb.SetClock(func() time.Time { return now })
	ctx := context.Background()

	fail := func(context.Context) error { return errUpstream }
	ok := func(context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if err := cb.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit err = %v", err)
	}

	now = now.Add(11 * time.Second)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("half-open probe err = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}

	stats := cb.Stats()
	if stats.TotalRejected != 1 || stats.TotalFailures != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	if set.Get("yahoo") != set.Get("yahoo") {
		t.Fatal("Get returned different breakers for one name")
	}
	_ = set.Get("yahoo").Execute(context.Background(), func(context.Context) error { return errUpstream })
	set.Get("simulated")

	stats := set.Stats()
	if len(stats) != 2 || stats[0].Name != "simulated" || stats[1].State != CircuitOpen {
		t.Fatalf("stats = %+v", stats)
	}
	set.Reset()
	if set.Get("yahoo").State() != CircuitClosed {
		t.Fatal("Reset left yahoo open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	cb.SetClock(func() time.Time { return now })
	ctx := context.Background()

	cb.Execute(ctx, func(context.Context) error { return errUpstream })
	now = now.Add(2 * time.Second)
	cb.Execute(ctx, func(context.Context) error { return errUpstream })

	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2, Jitter: 0.5}

	tests := []struct {
		name      string
		failures  int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, false, 1, false},
		{"recovers", 2, false, 3, false},
		{"exhausted", 10, false, 4, true},
		{"permanent", 10, true, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			n, err := RetryWithResult(context.Background(), cfg, func(context.Context) (int, error) {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return 0, &Permanent{Err: errUpstream}
					}
					return 0, errUpstream
				}
				return calls, nil
			})
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errUpstream) {
				t.Fatalf("err = %v, want upstream error", err)
			}
			if err == nil && n != calls {
				t.Fatalf("result = %d, want %d", n, calls)
			}
		})
	}
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2}

	calls := 0
	err := Retry(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return errUpstream
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestBackoff_CappedWithJitter(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, Jitter: 0.25}

	for attempt := 0; attempt < 10; attempt++ {
		base := CalculateBackoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor)
		if base > time.Second {
			t.Fatalf("attempt %d base %v exceeds cap", attempt, base)
		}
		d := Backoff(cfg, attempt)
		if d > base || d < time.Duration(float64(base)*0.75) {
			t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, time.Duration(float64(base)*0.75), base)
		}
	}
	if got := CalculateBackoff(3, 100*time.Millisecond, time.Second, 2); got != 800*time.Millisecond {
		t.Fatalf("CalculateBackoff(3) = %v", got)
	}
}

func TestHealthMonitor_Aggregates(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())

	m.RegisterComponent("store", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusHealthy}
	})
	m.RunChecks(context.Background())
	if !m.IsHealthy() {
		t.Fatalf("status = %s, want HEALTHY", m.GetHealth().Status)
	}

	m.Report("provider:yahoo", HealthStatusDegraded, "retries exhausted")
	if got := m.GetHealth().Status; got != HealthStatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", got)
	}

	m.Report("provider:yahoo", HealthStatusUnhealthy, "circuit open")
	if got := m.GetHealth().Status; got != HealthStatusUnhealthy {
		t.Fatalf("status = %s, want UNHEALTHY", got)
	}

	m.Report("provider:yahoo", HealthStatusHealthy, "")
	if !m.IsHealthy() {
		t.Fatalf("status = %s after recovery", m.GetHealth().Status)
	}
	if h, ok := m.GetComponentHealth("store"); !ok || h.Name != "store" {
		t.Fatalf("store health = %+v, %v", h, ok)
	}
}

func TestHealthMonitor_PanickingCheck(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("bad", func(context.Context) ComponentHealth { panic("boom") })

	m.RunChecks(context.Background())

	h, ok := m.GetComponentHealth("bad")
	if !ok || h.Status != HealthStatusUnhealthy {
		t.Fatalf("bad = %+v, %v", h, ok)
	}
	if m.GetHealth().PanicRecoveries != 1 {
		t.Fatalf("PanicRecoveries = %d", m.GetHealth().PanicRecoveries)
	}
}
