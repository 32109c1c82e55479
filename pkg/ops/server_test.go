package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

func testParams(checks map[string]Check) Params {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	return Params{
		Addr:     ":0",
		Env:      "test",
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Gatherer: reg,
		Checks:   checks,
	}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(testParams(nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get(envHeader) != "test" {
		t.Fatalf("env header missing")
	}
}

func TestReadyzReportsFailures(t *testing.T) {
	router := NewRouter(testParams(map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Failures["redis"] != "connection refused" || len(body.Failures) != 1 {
		t.Fatalf("unexpected failures %+v", body.Failures)
	}
}

func TestReadyzOK(t *testing.T) {
	router := NewRouter(testParams(map[string]Check{
		"db": func(context.Context) error { return nil },
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(testParams(nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ops_test_total 1") {
		t.Fatalf("metric not exported: %s", rec.Body.String())
	}
}
