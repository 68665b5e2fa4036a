// Package resilience provides the fault-tolerance building blocks used around
// market-data providers: circuit breakers, retry with backoff and a component
// health monitor.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN" // probing after Timeout
)

// CircuitBreakerConfig configures a breaker. Zero fields take the defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// ErrCircuitOpen is returned without calling the upstream while the circuit
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerStats is a snapshot of a breaker.
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalRequests   int64        `json:"totalRequests"`
	TotalSuccesses  int64        `json:"totalSuccesses"`
	TotalFailures   int64        `json:"totalFailures"`
	TotalRejected   int64        `json:"totalRejected"`
	CurrentFailures int          `json:"currentFailures"`
	LastFailureTime time.Time    `json:"lastFailureTime"`
	LastStateChange time.Time    `json:"lastStateChange"`
}

// FailureRate is the percentage of requests that failed.
func (s CircuitBreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests) * 100
}

// CircuitBreaker guards one upstream. A caller's own cancellation is never
// counted as an upstream failure.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	now       func() time.Time
	onChange  func(name string, from, to CircuitState)
	stats     CircuitBreakerStats
	successes int // half-open successes
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		now:    time.Now,
		stats:  CircuitBreakerStats{Name: name, State: CircuitClosed, LastStateChange: time.Now()},
	}
}

// SetClock overrides the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// OnStateChange registers fn, called on its own goroutine after every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) Name() string {
	return cb.stats.Name
}

// Execute calls fn unless the circuit is open and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	if cb.stats.State != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.stats.LastFailureTime) < cb.config.Timeout {
		cb.stats.TotalRejected++
		return ErrCircuitOpen
	}
	cb.setState(CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.stats.TotalSuccesses++
		switch cb.stats.State {
		case CircuitClosed:
			cb.stats.CurrentFailures = 0
		case CircuitHalfOpen:
			if cb.successes++; cb.successes >= cb.config.SuccessThreshold {
				cb.setState(CircuitClosed)
			}
		}
		return
	}

	cb.stats.TotalFailures++
	cb.stats.LastFailureTime = cb.now()
	switch cb.stats.State {
	case CircuitClosed:
		if cb.stats.CurrentFailures++; cb.stats.CurrentFailures >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

// setState requires cb.mu.
func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.stats.State
	cb.stats.State = to
	cb.stats.LastStateChange = cb.now()
	cb.stats.CurrentFailures = 0
	cb.successes = 0
	if from != to && cb.onChange != nil {
		go cb.onChange(cb.stats.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats.State
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}
