package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency int64         `json:"latency_ms,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DependencyCheck is one named backend probe a HealthChecker runs on Readiness.
// The registry wires one per backend contract (Storage, Index, Auth) instead
// of the fixed db/redis pair a generic checker would assume.
type DependencyCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// HealthChecker aggregates this registry's configured backend probes.
type HealthChecker struct {
	checks []DependencyCheck
}

// NewHealthChecker builds a checker from the given named dependency probes.
func NewHealthChecker(checks ...DependencyCheck) *HealthChecker {
	return &HealthChecker{checks: checks}
}

// Check runs every registered probe and reports the aggregate status: healthy
// only if every dependency's probe succeeded.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus, len(h.checks)),
	}

	for _, c := range h.checks {
		start := time.Now()
		err := c.Fn(ctx)
		dep := DependencyStatus{Status: StatusHealthy, Latency: time.Since(start).Milliseconds()}
		if err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
			status.Status = StatusUnhealthy
		}
		status.Dependencies[c.Name] = dep
	}
	return status
}

// Readiness is an http.HandlerFunc suitable for wiring directly onto a route:
// it runs Check under a bounded timeout and returns 503 if any dependency
// reported unhealthy, 200 otherwise.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
