package resilience

import (
	"sort"
	"sync"
)

// BreakerSet hands out one circuit breaker per upstream name, created on
// first use with a shared config.
type BreakerSet struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, s.config)
		s.breakers[name] = cb
	}
	return cb
}

// Stats returns every breaker's stats ordered by name.
func (s *BreakerSet) Stats() []CircuitBreakerStats {
	s.mu.Lock()
	out := make([]CircuitBreakerStats, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes every breaker.
func (s *BreakerSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cb := range s.breakers {
		cb.Reset()
	}
}
