package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health of a component or of the process.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the result of one health check.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthCheck reports the health of a single component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth aggregates every registered check.
type SystemHealth struct {
	Status        HealthStatus      `json:"status"`
	Uptime        string            `json:"uptime"`
	StartTime     time.Time         `json:"start_time"`
	Components    []ComponentHealth `json:"components"`
	Goroutines    int               `json:"goroutines"`
	MemoryAllocMB uint64            `json:"memory_alloc_mb"`
}

// HealthMonitor runs registered checks on demand and serves the result.
type HealthMonitor struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]HealthCheck
	start  time.Time
	now    func() time.Time
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks: make(map[string]HealthCheck),
		start:  time.Now(),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (m *HealthMonitor) WithClock(now func() time.Time) *HealthMonitor {
	m.now = now
	m.start = now()
	return m
}

// Register adds or replaces the check for name. Checks run in
// registration order.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[name]; !ok {
		m.names = append(m.names, name)
	}
	m.checks[name] = check
}

// Check runs every check. The overall status is the worst component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := append([]string(nil), m.names...)
	checks := make([]HealthCheck, len(names))
	for i, n := range names {
		checks[i] = m.checks[n]
	}
	m.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := m.now()
	h := SystemHealth{
		Status:        HealthStatusHealthy,
		Uptime:        now.Sub(m.start).Round(time.Second).String(),
		StartTime:     m.start,
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: mem.Alloc / 1024 / 1024,
	}
	for i, check := range checks {
		c := m.run(ctx, names[i], check)
		c.LastCheck = now
		h.Components = append(h.Components, c)
		h.Status = worse(h.Status, c.Status)
	}
	return h
}

// run executes one check, turning a panic into an unhealthy result.
func (m *HealthMonitor) run(ctx context.Context, name string, check HealthCheck) (c ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			c = ComponentHealth{Name: name, Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	c = check(ctx)
	c.Name = name
	return c
}

// ServeHTTP writes the system health as JSON, with 503 when unhealthy.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// BreakerCheck reports an open breaker as degraded: the engine keeps
// running without that dependency.
func BreakerCheck(cb *CircuitBreaker) HealthCheck {
	return func(context.Context) ComponentHealth {
		switch st := cb.State(); st {
		case CircuitOpen:
			return ComponentHealth{Status: HealthStatusDegraded, Message: "circuit open"}
		case CircuitHalfOpen:
			return ComponentHealth{Status: HealthStatusDegraded, Message: "circuit half-open"}
		default:
			return ComponentHealth{Status: HealthStatusHealthy, Message: "circuit " + strings.ToLower(string(st))}
		}
	}
}

// HeartbeatCheck reports unhealthy when last returns a time older than
// maxAge or after maxFailures consecutive failures. A zero time means no
// beat yet and is healthy for the first maxAge after start.
func HeartbeatCheck(last func() (time.Time, int), maxAge time.Duration, maxFailures int, now func() time.Time) HealthCheck {
	started := now()
	return func(context.Context) ComponentHealth {
		beat, failures := last()
		t := now()
		if beat.IsZero() {
			beat = started
		}
		switch age := t.Sub(beat); {
		case age > maxAge:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("no cycle for %s", age.Round(time.Second))}
		case maxFailures > 0 && failures >= maxFailures:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("%d consecutive failed cycles", failures)}
		case failures > 0:
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("%d consecutive failed cycles", failures)}
		default:
			return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("last cycle %s ago", age.Round(time.Second))}
		}
	}
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
