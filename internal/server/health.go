package server

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
	ComponentStatusDisabled ComponentStatus = "disabled"
)

// Health is the /ready response body.
type Health struct {
	Status     HealthStatus               `json:"status"`
	State      string                     `json:"state,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   interface{}     `json:"details,omitempty"`
}

const (
	checkTimeout   = 2 * time.Second
	dbSlowLatency  = time.Second
	s3SlowLatency  = 2 * time.Second
	componentDB    = "database"
	componentMedia = "media"
)

// handleLive never touches dependencies.
func handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports 200 while the database is reachable and 503 otherwise.
func (d Deps) handleReady(w http.ResponseWriter, r *http.Request) {
	health := d.checkHealth(r.Context())

	code := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (d Deps) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp: time.Now().UTC(),
		Components: map[string]ComponentHealth{
			componentDB:    d.checkDatabaseHealth(ctx),
			componentMedia: d.checkMediaHealth(ctx),
		},
	}
	if d.State != nil {
		health.State = d.State()
	}
	health.Status = determineOverallHealth(health.Components)
	return health
}

func (d Deps) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	if d.DB == nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "database not configured"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := d.DB.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed: " + err.Error(),
		}
	}
	latency := time.Since(start)

	details := map[string]interface{}{}
	if db, err := d.DB.DB(); err == nil {
		stats := db.Stats()
		details["open_connections"] = stats.OpenConnections
		details["in_use"] = stats.InUse
		details["idle"] = stats.Idle
		details["wait_count"] = stats.WaitCount
		details["wait_duration_ms"] = stats.WaitDuration.Milliseconds()
	}

	status, message := ComponentStatusUp, "database healthy"
	if latency > dbSlowLatency {
		status, message = ComponentStatusDegraded, "database latency high"
	}
	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency.Milliseconds()),
		Details:   details,
	}
}

func (d Deps) checkMediaHealth(ctx context.Context) ComponentHealth {
	if d.Media == nil {
		return ComponentHealth{Status: ComponentStatusDisabled}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := d.Media.Check(ctx); err != nil {
		// Media outages degrade uploads only.
		return ComponentHealth{
			Status:  ComponentStatusDegraded,
			Message: "object storage check failed: " + err.Error(),
		}
	}
	latency := time.Since(start)

	status, message := ComponentStatusUp, "object storage healthy"
	if latency > s3SlowLatency {
		status, message = ComponentStatusDegraded, "object storage latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency.Milliseconds())}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
