// Package observability provides health checks, metrics, and tracing capabilities
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker reports the health or readiness of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to a Checker.
func CheckFunc(name string, fn func(ctx context.Context) error) Checker {
	return checkFunc{name: name, fn: fn}
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse represents the overall health or readiness response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager manages health and readiness checks
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu        sync.RWMutex
	health    []Checker
	readiness []Checker
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthManager{logger: logger, timeout: timeout}
}

// AddHealthChecker registers a liveness check.
func (hm *HealthManager) AddHealthChecker(c Checker) {
	hm.mu.Lock()
	hm.health = append(hm.health, c)
	hm.mu.Unlock()
}

// AddReadinessChecker registers a readiness check.
func (hm *HealthManager) AddReadinessChecker(c Checker) {
	hm.mu.Lock()
	hm.readiness = append(hm.readiness, c)
	hm.mu.Unlock()
}

// HealthzHandler serves /healthz.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return hm.handler(func() []Checker { return hm.health }, "healthy", "unhealthy")
}

// ReadyzHandler serves /readyz.
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return hm.handler(func() []Checker { return hm.readiness }, "ready", "not_ready")
}

func (hm *HealthManager) handler(checkers func() []Checker, ok, failed string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		hm.mu.RLock()
		list := append([]Checker(nil), checkers()...)
		hm.mu.RUnlock()

		response := hm.run(ctx, list, ok, failed)
		statusCode := http.StatusOK
		if response.Status != ok {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			hm.logger.Errorw("Failed to encode health response", "error", err)
		}
	}
}

func (hm *HealthManager) run(ctx context.Context, checkers []Checker, ok, failed string) HealthResponse {
	response := HealthResponse{
		Status:     ok,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(checkers)),
	}
	for _, checker := range checkers {
		start := time.Now()
		status := HealthStatus{Name: checker.Name(), Status: ok}
		if err := checker.Check(ctx); err != nil {
			status.Status = failed
			status.Error = err.Error()
			response.Status = failed
			hm.logger.Warnw("Health check failed", "component", checker.Name(), "error", err)
		}
		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}
