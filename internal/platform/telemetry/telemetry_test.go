package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := NewMetrics("test")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/public/view/:token", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/public/view/secret-token", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/api/public/view/:token", "200"))
	if got != 1 {
		t.Errorf("expected 1 request recorded, got %v", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
	if v := testutil.ToFloat64(m.active); v != 0 {
		t.Errorf("expected no active requests after serving, got %v", v)
	}

	rec := httptest.NewRecorder()
	e2 := echo.New()
	if err := m.Handler()(e2.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)); err != nil {
		t.Fatalf("metrics handler: %v", err)
	}
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Error("raw path leaked into metric labels")
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := NewMetrics("test")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/reports/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	e.GET("/boom", func(c echo.Context) error {
		return http.ErrAbortHandler
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/reports/x", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	tests := []struct {
		route  string
		status string
	}{
		{"/api/reports/:id", "404"},
		{"/boom", "500"},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, tt.route, tt.status)); got != 1 {
			t.Errorf("%s: expected status %s recorded once, got %v", tt.route, tt.status, got)
		}
	}
}

func TestProviderOutcome(t *testing.T) {
	m := NewMetrics("test")
	m.ProviderOutcome("analysis", false)
	m.ProviderOutcome("analysis", true)
	m.ProviderOutcome("analysis", true)

	if got := testutil.ToFloat64(m.providerOutcomes.WithLabelValues("analysis", "ok")); got != 1 {
		t.Errorf("ok: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.providerOutcomes.WithLabelValues("analysis", "degraded")); got != 2 {
		t.Errorf("degraded: expected 2, got %v", got)
	}
}

func TestReportEvent(t *testing.T) {
	m := NewMetrics("")
	m.ReportEvent("created")
	m.ReportEvent("finalized")
	m.ReportEvent("created")

	if got := testutil.ToFloat64(m.reportEvents.WithLabelValues("created")); got != 2 {
		t.Errorf("expected 2 created events, got %v", got)
	}
}

func TestRegisterPool_Nil(t *testing.T) {
	m := NewMetrics("test")
	m.RegisterPool(nil)
	if _, err := m.Registry().Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
