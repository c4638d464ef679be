// Package handlers serves the ops HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"polling-scheduler/internal/scheduler"
)

// HealthChecker is a dependency whose reachability is reported by /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// TickReport is the outcome of the most recent tick.
type TickReport struct {
	Summary  scheduler.TickSummary
	Err      error
	Skipped  bool
	Finished time.Time
}

// TickStatus reports the most recent tick, if any has run.
type TickStatus interface {
	LastTick() (TickReport, bool)
}

// Handlers holds the dependencies of the ops endpoints. lease and status may
// be nil.
type Handlers struct {
	storage HealthChecker
	lease   HealthChecker
	status  TickStatus
	timeout time.Duration
}

// New creates the ops handlers.
func New(storage HealthChecker, lease HealthChecker, status TickStatus) *Handlers {
	return &Handlers{
		storage: storage,
		lease:   lease,
		status:  status,
		timeout: 5 * time.Second,
	}
}

type lastTickResponse struct {
	TickID     string    `json:"tick_id,omitempty"`
	T0         time.Time `json:"t0"`
	Finished   time.Time `json:"finished_at"`
	Skipped    bool      `json:"skipped,omitempty"`
	Due        int       `json:"due"`
	Triggered  int       `json:"triggered"`
	Errored    int       `json:"errored"`
	Disabled   int       `json:"disabled"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// HealthCheck reports storage and lease reachability and the last tick.
// It answers 503 only when the trigger store is unreachable.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	code := http.StatusOK

	if err := h.storage.Health(ctx); err != nil {
		status["status"] = "unhealthy"
		status["storage_status"] = "unhealthy"
		status["storage_error"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["storage_status"] = "healthy"
	}

	if h.lease == nil {
		status["lease_status"] = "not_configured"
	} else if err := h.lease.Health(ctx); err != nil {
		status["lease_status"] = "unhealthy"
		status["lease_error"] = err.Error()
	} else {
		status["lease_status"] = "healthy"
	}

	if h.status != nil {
		if report, ok := h.status.LastTick(); ok {
			last := lastTickResponse{
				TickID:     report.Summary.TickID,
				T0:         report.Summary.T0,
				Finished:   report.Finished,
				Skipped:    report.Skipped,
				Due:        report.Summary.Due,
				Triggered:  report.Summary.Triggered,
				Errored:    report.Summary.Errored,
				Disabled:   report.Summary.Disabled,
				DurationMS: report.Summary.Duration.Milliseconds(),
			}
			if report.Err != nil {
				last.Error = report.Err.Error()
			}
			status["last_tick"] = last
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
