package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ok(context.Context) error { return nil }

// TestCheck_Reduction verifies the unhealthy > degraded > healthy ordering.
func TestCheck_Reduction(t *testing.T) {
	tests := []struct {
		name    string
		storage CheckFunc
		depth   int
		want    Status
	}{
		{"all healthy", ok, 1, StatusHealthy},
		{"deep queue", ok, 50, StatusDegraded},
		{"storage down", func(context.Context) error { return errors.New("no route") }, 1, StatusUnhealthy},
		{"storage down and deep queue", func(context.Context) error { return errors.New("no route") }, 50, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor("test")
			m.AddDependency("storage", tt.storage)
			m.AddDependency("ingestion", ok)
			depth := tt.depth
			m.SetQueue(func() int { return depth }, 10)

			report := m.Check(context.Background())
			if report.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.Status)
			}
			if len(report.Components) != 3 {
				t.Errorf("expected 3 components, got %d", len(report.Components))
			}
		})
	}
}

// TestHandleHealth verifies status codes and body shape.
func TestHandleHealth(t *testing.T) {
	m := NewMonitor("1.2.3")
	failing := false
	m.AddDependency("ingestion", func(context.Context) error {
		if failing {
			return errors.New("unreachable")
		}
		return nil
	})
	h := m.Routes(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if report.Version != "1.2.3" || report.Status != StatusHealthy || report.Uptime == "" {
		t.Errorf("unexpected report: %+v", report)
	}

	failing = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when unhealthy, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness should not depend on dependencies, got %d", rec.Code)
	}
}

// TestHandleReady verifies readiness waits for startup validation.
func TestHandleReady(t *testing.T) {
	m := NewMonitor("test")
	m.AddDependency("storage", ok)
	h := m.Routes(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	m.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 once ready, got %d", rec.Code)
	}
}
