package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

// Checker names registered by serve.
const (
	CheckStateBackend        = "state_backend"
	CheckUpstreamCredentials = "upstream_credentials"
	CheckTelemetry           = "telemetry"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

const (
	readyTimeout     = 5 * time.Second
	aggregateTimeout = 5 * time.Second
)

// HealthChecker is a dependency the service needs to serve governed calls.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckFunc adapts a function such as a client's Ping.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of GET /health and a passing GET /health/ready.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type registeredCheck struct {
	name     string
	checker  HealthChecker
	optional bool
}

// HealthManager runs the registered checks for the health routes. Required
// checks gate readiness; optional checks only degrade it.
type HealthManager struct {
	version string
	started atomic.Bool

	mu     sync.RWMutex
	checks []registeredCheck
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version}
}

// RegisterChecker adds a check that must pass for the service to be ready.
// Registering a name twice replaces the earlier checker.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(registeredCheck{name: name, checker: checker})
}

// RegisterOptionalChecker adds a check whose failure reports degraded.
func (hm *HealthManager) RegisterOptionalChecker(name string, checker HealthChecker) {
	hm.register(registeredCheck{name: name, checker: checker, optional: true})
}

func (hm *HealthManager) register(check registeredCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for i := range hm.checks {
		if hm.checks[i].name == check.name {
			hm.checks[i] = check
			return
		}
	}
	hm.checks = append(hm.checks, check)
}

// MarkStarted flips the startup route to passing.
func (hm *HealthManager) MarkStarted() {
	hm.started.Store(true)
}

// run executes every check concurrently and returns a result per name.
func (hm *HealthManager) run(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checks := append([]registeredCheck(nil), hm.checks...)
	hm.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(checks))
		group   errgroup.Group
	)
	for _, check := range checks {
		group.Go(func() error {
			result := StatusHealthy
			if err := check.checker.CheckHealth(ctx); err != nil {
				switch {
				case ctx.Err() != nil:
					result = StatusTimeout
				case check.optional:
					result = StatusDegraded
				default:
					result = StatusUnhealthy
				}
			}
			mu.Lock()
			results[check.name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// overallStatus folds check results. Any unhealthy or timed-out required
// check makes the service unhealthy.
func overallStatus(results map[string]string) string {
	status := StatusHealthy
	for _, result := range results {
		switch result {
		case StatusUnhealthy, StatusTimeout:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func (hm *HealthManager) evaluate(ctx context.Context, timeout time.Duration) (string, map[string]string) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	results := hm.run(checkCtx)
	return overallStatus(results), results
}

// HealthHandler serves GET /health with every check result.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, results := hm.evaluate(r.Context(), aggregateTimeout)
	if status == StatusUnhealthy {
		hm.unavailable(w, r, "aggregate", "health check failed", results)
		return
	}
	hm.writeStatus(w, status, results)
}

// ReadinessHandler serves GET /health/ready. It fails while the gate state
// backend or the upstream credentials are unusable.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, results := hm.evaluate(r.Context(), readyTimeout)
	if status == StatusUnhealthy {
		hm.unavailable(w, r, "ready", "not ready to govern upstream calls", results)
		return
	}
	hm.writeStatus(w, status, results)
}

// LivenessHandler serves GET /health/live. It runs no dependency checks: the
// governor keeps admitting on local state while the state backend is down.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.writeStatus(w, "alive", nil)
}

// StartupHandler serves GET /health/startup.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if !hm.started.Load() {
		hm.unavailable(w, r, "startup", "startup in progress", nil)
		return
	}
	hm.writeStatus(w, "started", nil)
}

func (hm *HealthManager) writeStatus(w http.ResponseWriter, status string, results map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    results,
	})
}

func (hm *HealthManager) unavailable(w http.ResponseWriter, r *http.Request, route, message string, results map[string]string) {
	failing := []string{}
	for name, result := range results {
		if result == StatusUnhealthy || result == StatusTimeout {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	details := map[string]interface{}{"route": route}
	if len(results) > 0 {
		details["checks"] = results
		details["failing"] = failing
	}
	envelope := errors.NewErrorEnvelope(apperrors.CodeServiceUnavailable, message).WithDetails(details)
	apperrors.RespondWithError(w, r, envelope)
}
