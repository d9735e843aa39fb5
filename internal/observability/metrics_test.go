package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("uwbd-a", "GET", "/health", 200, 12*time.Millisecond)
	if got := value(t, httpRequests.WithLabelValues("uwbd-a", "GET", "/health", "200")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestSessionObserverTracksActiveSessions(t *testing.T) {
	testlog.Start(t)
	obs := NewSessionObserver("uwbd-obs")

	obs.Transition(ranging.StateOpen, ranging.StateStarting)
	obs.Transition(ranging.StateStarting, ranging.StateActive)
	if got := value(t, sessionsActive.WithLabelValues("uwbd-obs")); got != 1 {
		t.Fatalf("expected one active session, got %v", got)
	}
	obs.Transition(ranging.StateActive, ranging.StateStopping)
	if got := value(t, sessionsActive.WithLabelValues("uwbd-obs")); got != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}

	obs.EngineCall("open", nil)
	obs.EngineCall("open", errors.New("rejected"))
	if got := value(t, engineCalls.WithLabelValues("uwbd-obs", "open", "rejected")); got != 1 {
		t.Fatalf("expected one rejected call, got %v", got)
	}

	obs.Callback("OnOpened")
	if got := value(t, callbacks.WithLabelValues("uwbd-obs", "OnOpened")); got != 1 {
		t.Fatalf("expected one callback, got %v", got)
	}
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	testlog.Start(t)
	shutdown, err := SetupTracing(context.Background(), "uwbd", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		t.Fatalf("unsupported metric type")
		return 0
	}
}

func TestRequestMetricsUseRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log.Logger), RequestMetricsMiddleware("uwbd-mw"))
	r.GET("/sessions/:handle", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/sessions/1", "/sessions/2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := value(t, httpRequests.WithLabelValues("uwbd-mw", "GET", "/sessions/:handle", "200")); got != 2 {
		t.Fatalf("expected two requests on the route template, got %v", got)
	}
	if got := value(t, httpRequests.WithLabelValues("uwbd-mw", "GET", unmatchedRoute, "404")); got != 1 {
		t.Fatalf("expected one unmatched request, got %v", got)
	}
}
