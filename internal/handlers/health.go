package handlers

import (
	"context"
	"net/http"
	"time"
)

const (
	version      = "0.1.0"
	probeTimeout = 3 * time.Second
)

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail" or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Online    int              `json:"online"` // users with a live session on this instance
	Timestamp string           `json:"timestamp"`
}

// probe runs ping and reports it as a Check.
func probe(ctx context.Context, ping func(context.Context) error) Check {
	start := time.Now()
	if err := ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).Round(time.Microsecond).String()}
}

// Health reports the store and Redis. Redis is optional; a missing Redis is
// skipped and does not degrade the instance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]Check{
		"store": probe(ctx, h.store.Ping),
		"redis": {Status: "skip", Message: "not configured"},
	}
	if h.redis != nil {
		checks["redis"] = probe(ctx, h.redis.Ping)
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Checks:    checks,
		Online:    h.registry.OnlineCount(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	for name, c := range checks {
		if c.Status == "fail" {
			h.logger.Warn().Str("check", name).Msg("health check failed")
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	h.JSON(w, statusCode, resp)
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "duet",
		Version: version,
		Docs:    "/ws for real-time events, REST under /rooms, /messages and /users",
	})
}
