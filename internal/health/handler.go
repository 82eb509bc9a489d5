package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the health and metrics router. metrics may be nil.
func (m *Monitor) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", m.handleHealth)
	r.Get("/health/live", m.handleLive)
	r.Get("/health/ready", m.handleReady)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (m *Monitor) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive", "version": m.version})
}

func (m *Monitor) handleReady(w http.ResponseWriter, r *http.Request) {
	if !m.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "startup validation pending"})
		return
	}
	report := m.Check(r.Context())
	if report.Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "health": report})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "health": report.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
