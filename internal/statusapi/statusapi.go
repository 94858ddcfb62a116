// Package statusapi exposes the minimal, non-interactive operator
// surface this engine carries: a liveness check and a Prometheus
// scrape endpoint. There is no REST/CRUD API and no web dashboard —
// this spec's operators rely on logs and metrics, not a UI.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthChecker reports whether the engine is making progress, so
// /healthz can distinguish a stalled extractor from a live one.
type HealthChecker interface {
	Healthy() (bool, string)
}

// HealthResponse is the /healthz body, trimmed from the teacher's own
// HealthResponse (internal/api/health.go) down to the single check
// this engine has: whether the extractor is still making progress.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Detail        string `json:"detail,omitempty"`
}

// NewServer builds an *http.Server exposing /healthz and /metrics on
// addr, grounded on the teacher's internal/api health-check handler
// shape (stdlib net/http, no router, a small JSON status struct)
// scaled down to match this spec's much smaller operator surface.
func NewServer(addr, version string, startTime time.Time, checker HealthChecker, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(version, startTime, checker, log))
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func healthzHandler(version string, startTime time.Time, checker HealthChecker, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			Version:       version,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
		}
		code := http.StatusOK
		if checker != nil {
			if healthy, reason := checker.Healthy(); !healthy {
				log.Warn().Str("reason", reason).Msg("health check reported unhealthy")
				resp.Status = "unhealthy"
				resp.Detail = reason
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
