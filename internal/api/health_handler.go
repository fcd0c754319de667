// health_handler.go -- Health check handler for GET /health.
package api

import (
	"encoding/json"
	"net/http"
)

// CheckHealth handles GET /health -- pings Postgres and Redis, returns per-dependency status.
// Returns 503 only when Postgres is down: a Redis outage degrades rate limiting
// to the local fallback and fails lock acquisition closed, but the service still answers.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := "ok"
	redisStatus := "ok"

	if h.DB != nil {
		if err := h.DB.CheckHealth(r.Context()); err != nil {
			logError(r, "postgres health check failed", "error", err)
			postgresStatus = "error"
		}
	} else {
		postgresStatus = "disabled"
	}
	if err := h.KV.Ping(r.Context()); err != nil {
		logError(r, "redis health check failed", "error", err)
		redisStatus = "error"
	}
	degraded := h.Fallback != nil && h.Fallback.Degraded()

	w.Header().Set("Content-Type", "application/json")
	if postgresStatus == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
		Degraded bool   `json:"degraded"`
	}{postgresStatus, redisStatus, degraded || redisStatus == "error"})
}
