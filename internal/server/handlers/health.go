// Package handlers implements the HTTP handlers for the pipeboard API:
// health probes, job management, log streaming, and version reporting.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/transitworks/pipeboard/internal/errors"
)

// Checker reports the health of one dependency.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// checkTimeout bounds each individual health check.
const checkTimeout = 2 * time.Second

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and serves the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker adds a named dependency check. Re-registering a name
// replaces the previous checker.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for _, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(cctx)
		cancel()

		switch {
		case err == nil:
			results[name] = "healthy"
		case cctx.Err() == context.DeadlineExceeded:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds per-check results into one status. A timed
// out check degrades the service; a failed check makes it unhealthy.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves GET /health: full check results, 503 when unhealthy.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]any{"checks": checks}
		errors.RespondWithError(w, r, http.StatusServiceUnavailable,
			errors.CodeServiceUnavailable, "one or more health checks failed", details)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler serves GET /health/live: process-up probe, no checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler serves GET /health/ready: dependency checks included.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler serves GET /health/startup.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func globalHandler(method func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if globalHealthManager == nil {
			errors.RespondWithError(w, r, http.StatusServiceUnavailable,
				errors.CodeServiceUnavailable, "health manager not initialized", nil)
			return
		}
		method(globalHealthManager, w, r)
	}
}

// HealthHandler is the package-level adapter over the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler((*HealthManager).HealthHandler)(w, r)
}

// LivenessHandler is the package-level adapter over the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler((*HealthManager).LivenessHandler)(w, r)
}

// ReadinessHandler is the package-level adapter over the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler((*HealthManager).ReadinessHandler)(w, r)
}

// StartupHandler is the package-level adapter over the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler((*HealthManager).StartupHandler)(w, r)
}
