package api

import (
	"context"
	"net/http"
	"time"
)

// healthProbeTimeout bounds each infrastructure health check.
const healthProbeTimeout = 3 * time.Second

// componentHealth is one entry in the health report.
type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth reports the health of the engine and its infrastructure.
//
// The endpoint returns 200 as long as the API itself is serving; individual
// component states are in the body so monitoring can distinguish a degraded
// engine from a dead one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	components := map[string]componentHealth{
		"database": probe(ctx, s.database),
		"mqtt":     probe(ctx, s.mqtt),
		"influxdb": probe(ctx, s.influx),
	}

	status := "ok"
	for _, c := range components {
		if c.Status == "unhealthy" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
		"scheduler":  s.scheduler.Snapshot(),
	})
}

// probe runs one health check, treating an absent component as disabled
// rather than unhealthy.
func probe(ctx context.Context, checker HealthChecker) componentHealth {
	if checker == nil {
		return componentHealth{Status: "disabled"}
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return componentHealth{Status: "unhealthy", Error: err.Error()}
	}
	return componentHealth{Status: "healthy"}
}
