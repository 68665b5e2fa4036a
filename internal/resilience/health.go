package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// HealthStatus is a component or system status. Unhealthy outranks
// degraded, which outranks unknown.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusUnknown:
		return 1
	case HealthStatusDegraded:
		return 2
	case HealthStatusUnhealthy:
		return 3
	}
	return 1
}

// ComponentHealth is the last observation for one component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"lastCheck"`
	Latency   time.Duration          `json:"latency,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck polls one component.
type HealthCheck func(ctx context.Context) ComponentHealth

type HealthMonitorConfig struct {
	CheckInterval      time.Duration
	CheckTimeout       time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:      30 * time.Second,
		CheckTimeout:       10 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 10000,
	}
}

// HealthMonitor aggregates component health. Components either register a
// check that is polled, or push their status with Report.
type HealthMonitor struct {
	config HealthMonitorConfig
	logger zerolog.Logger

	mu              sync.RWMutex
	startTime       time.Time
	checks          map[string]HealthCheck
	componentHealth map[string]ComponentHealth
	overallStatus   HealthStatus

	totalChecks     int64
	failedChecks    int64
	panicRecoveries int64
}

// NewHealthMonitor fills zero config fields from the defaults.
func NewHealthMonitor(config HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if config.MemoryThresholdMB == 0 {
		config.MemoryThresholdMB = def.MemoryThresholdMB
	}
	if config.GoroutineThreshold <= 0 {
		config.GoroutineThreshold = def.GoroutineThreshold
	}
	return &HealthMonitor{
		config:          config,
		logger:          logger.With().Str("component", "health").Logger(),
		startTime:       time.Now(),
		checks:          make(map[string]HealthCheck),
		componentHealth: make(map[string]ComponentHealth),
		overallStatus:   HealthStatusUnknown,
	}
}

// RegisterComponent adds a polled check, replacing any under the same name.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Report records a pushed status for a component.
func (m *HealthMonitor) Report(name string, status HealthStatus, message string) {
	m.mu.Lock()
	prev, known := m.componentHealth[name]
	m.componentHealth[name] = ComponentHealth{
		Name:      name,
		Status:    status,
		Message:   message,
		LastCheck: time.Now(),
	}
	m.recomputeLocked()
	m.mu.Unlock()

	if known && prev.Status != status {
		m.logger.Warn().
			Str("component_name", name).
			Str("from", string(prev.Status)).
			Str("to", string(status)).
			Str("message", message).
			Msg("Component health changed")
	}
}

// Start runs the checks every CheckInterval until ctx is done.
func (m *HealthMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()

		m.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunChecks(ctx)
			}
		}
	}()
}

// RunChecks polls every registered check concurrently, plus memory and
// goroutine checks, under one CheckTimeout.
func (m *HealthMonitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks)+2)
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()
	checks["memory"] = func(context.Context) ComponentHealth { return m.checkMemory() }
	checks["goroutines"] = func(context.Context) ComponentHealth { return m.checkGoroutines() }

	ctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	p := pool.NewWithResults[ComponentHealth]()
	for name, check := range checks {
		name, check := name, check
		p.Go(func() ComponentHealth { return m.runCheck(ctx, name, check) })
	}
	results := p.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalChecks++
	for _, h := range results {
		if h.Status == HealthStatusUnhealthy {
			m.failedChecks++
		}
		m.componentHealth[h.Name] = h
	}
	m.recomputeLocked()
}

// runCheck turns a panicking check into an UNHEALTHY result.
func (m *HealthMonitor) runCheck(ctx context.Context, name string, check HealthCheck) (h ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			m.panicRecoveries++
			m.mu.Unlock()
			m.logger.Error().Str("component_name", name).Interface("panic", r).Msg("Health check panicked")
			h = ComponentHealth{Status: HealthStatusUnhealthy, Message: "health check failed"}
		}
		h.Name = name
		h.LastCheck = time.Now()
		h.Latency = time.Since(start)
	}()
	return check(ctx)
}

func (m *HealthMonitor) recomputeLocked() {
	overall := HealthStatusHealthy
	for _, h := range m.componentHealth {
		if h.Status.rank() > overall.rank() {
			overall = h.Status
		}
	}
	m.overallStatus = overall
}

// thresholdHealth is DEGRADED when value exceeds limit.
func thresholdHealth(value, limit uint64, format string, details map[string]interface{}) ComponentHealth {
	h := ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf(format, value), Details: details}
	if value > limit {
		h.Status = HealthStatusDegraded
		h.Message += " (over limit)"
	}
	return h
}

func (m *HealthMonitor) checkMemory() ComponentHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB := ms.Alloc >> 20
	return thresholdHealth(allocMB, m.config.MemoryThresholdMB, "heap %d MB", map[string]interface{}{
		"alloc_mb": allocMB,
		"sys_mb":   ms.Sys >> 20,
		"num_gc":   ms.NumGC,
	})
}

func (m *HealthMonitor) checkGoroutines() ComponentHealth {
	n := uint64(runtime.NumGoroutine())
	return thresholdHealth(n, uint64(m.config.GoroutineThreshold), "%d goroutines", nil)
}

// SystemHealth is the /health payload.
type SystemHealth struct {
	Status          HealthStatus      `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"startTime"`
	Components      []ComponentHealth `json:"components"`
	Goroutines      int               `json:"goroutines"`
	TotalChecks     int64             `json:"totalChecks"`
	FailedChecks    int64             `json:"failedChecks"`
	PanicRecoveries int64             `json:"panicRecoveries"`
}

// GetHealth returns a snapshot with components sorted by name.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.componentHealth))
	for _, h := range m.componentHealth {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:          m.overallStatus,
		Uptime:          time.Since(m.startTime).Round(time.Second).String(),
		StartTime:       m.startTime,
		Components:      components,
		Goroutines:      runtime.NumGoroutine(),
		TotalChecks:     m.totalChecks,
		FailedChecks:    m.failedChecks,
		PanicRecoveries: m.panicRecoveries,
	}
}

func (m *HealthMonitor) GetComponentHealth(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.componentHealth[name]
	return h, ok
}

func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallStatus == HealthStatusHealthy
}
