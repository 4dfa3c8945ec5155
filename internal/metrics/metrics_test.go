package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEchoMiddlewareCountsByRoute(t *testing.T) {
	e := echo.New()
	e.Use(EchoMiddleware())
	e.GET("/items/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/items/:id", "200"))
	for _, path := range []string{"/items/1", "/items/2"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/items/:id", "200"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests counted under the route pattern, got %v", after-before)
	}

	before = testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/missing", "404"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/missing", "404")) - before; got != 1 {
		t.Fatalf("expected error status counted, got %v", got)
	}
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	SlowConsumerEvictionsTotal.Add(0)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "termrelay_slow_consumer_evictions_total") {
		t.Fatalf("expected relay metric in output")
	}
}
