package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
)

func TestPredefinedMeasures(t *testing.T) {
	expectedIDs := []string{
		"assignment-status-summary",
		"technician-workload",
		"test-volume",
		"result-turnaround",
		"abnormal-result-rate",
		"report-volume",
	}
	if len(PredefinedMeasures) != len(expectedIDs) {
		t.Fatalf("expected %d measures, got %d", len(expectedIDs), len(PredefinedMeasures))
	}
	for i, id := range expectedIDs {
		m := PredefinedMeasures[i]
		if m.ID != id {
			t.Errorf("measure[%d].ID = %s, want %s", i, m.ID, id)
		}
		if m.Name == "" || m.Description == "" {
			t.Errorf("measure %s missing name or description", m.ID)
		}
		if !strings.Contains(m.SQL, "$1") || !strings.Contains(m.SQL, "$2") {
			t.Errorf("measure %s must bind the reporting window", m.ID)
		}
	}
}

func TestFindMeasure(t *testing.T) {
	if m := FindMeasure("test-volume"); m == nil || m.Name != "Test Volume" {
		t.Errorf("unexpected measure %+v", m)
	}
	if FindMeasure("nonexistent") != nil {
		t.Error("expected nil for unknown measure")
	}
}

func TestParseWindow(t *testing.T) {
	now := time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)

	from, to, err := parseWindow("", "", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-DefaultWindow)) {
		t.Errorf("unexpected default window %v - %v", from, to)
	}

	from, to, err = parseWindow("2026-05-01", "2026-05-10", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !from.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)) || !to.Equal(time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected window %v - %v", from, to)
	}

	bad := [][2]string{{"05/01/2026", ""}, {"", "tomorrow"}, {"2026-05-10", "2026-05-01"}}
	for _, b := range bad {
		if _, _, err := parseWindow(b[0], b[1], now); err == nil {
			t.Errorf("expected error for %v", b)
		}
	}
}

type stubRunner struct {
	rows []map[string]interface{}
	err  error
	args []interface{}
}

func (s *stubRunner) Run(_ context.Context, _ string, args ...interface{}) ([]map[string]interface{}, error) {
	s.args = args
	return s.rows, s.err
}

func newTestServer(runner QueryRunner, roles ...string) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), "u1", roles...)))
			return next(c)
		}
	})
	NewHandler(runner).RegisterRoutes(api)
	return e
}

func TestEvaluateMeasure(t *testing.T) {
	runner := &stubRunner{rows: []map[string]interface{}{{"status": "PENDING", "total": int64(3)}}}
	e := newTestServer(runner, auth.RoleDoctor)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats/measures/assignment-status-summary/evaluate?from=2026-01-01&to=2026-01-31", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report MeasureReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.MeasureID != "assignment-status-summary" || len(report.Results) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(runner.args) != 2 {
		t.Errorf("expected window args, got %v", runner.args)
	}
}

func TestEvaluateMeasure_Errors(t *testing.T) {
	tests := []struct {
		name   string
		runner *stubRunner
		roles  []string
		path   string
		want   int
	}{
		{"unknown", &stubRunner{}, []string{auth.RoleAdmin}, "/api/v1/stats/measures/nope/evaluate", http.StatusNotFound},
		{"bad date", &stubRunner{}, []string{auth.RoleAdmin}, "/api/v1/stats/measures/test-volume/evaluate?from=x", http.StatusBadRequest},
		{"query fails", &stubRunner{err: errors.New("boom")}, []string{auth.RoleAdmin}, "/api/v1/stats/measures/test-volume/evaluate", http.StatusInternalServerError},
		{"technician", &stubRunner{}, []string{auth.RoleTechnician}, "/api/v1/stats/measures", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(tt.runner, tt.roles...)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestListMeasures(t *testing.T) {
	e := newTestServer(&stubRunner{}, auth.RoleDoctor)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats/measures", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SELECT") {
		t.Error("measure SQL must not be exposed")
	}
}
