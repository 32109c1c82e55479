// Package ops serves the worker's liveness, readiness and Prometheus endpoints.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

const (
	readyCheckTimeout = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
	envHeader         = "X-Grosir-Env"
)

// Check probes one dependency for readiness.
type Check func(ctx context.Context) error

// Params configure the ops server.
type Params struct {
	Addr     string
	Env      string
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
}

// Server hosts the ops router.
type Server struct {
	logg   *logger.Logger
	server *http.Server
}

func NewServer(params Params) (*Server, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Addr == "" {
		return nil, fmt.Errorf("listen address required")
	}
	return &Server{
		logg: params.Logger,
		server: &http.Server{
			Addr:              params.Addr,
			Handler:           NewRouter(params),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// NewRouter builds the chi router; exposed for tests.
func NewRouter(params Params) http.Handler {
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(recoverer(params.Logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(envHeader, params.Env)
		writeJSON(w, http.StatusOK, map[string]any{"status": "live"})
	})
	r.Get("/readyz", readyHandler(params))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func readyHandler(params Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		failures := map[string]string{}
		for name, check := range params.Checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
				if params.Logger != nil {
					params.Logger.Error(params.Logger.WithField(ctx, "dependency", name), "readiness check failed", err)
				}
			}
		}
		w.Header().Set(envHeader, params.Env)
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logg.Info(s.logg.WithField(ctx, "addr", s.server.Addr), "ops server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logg != nil {
						ctx := logg.WithFields(r.Context(), map[string]any{"panic": rec})
						logg.Error(ctx, "panic.recovered", fmt.Errorf("panic: %v", rec))
					}
					writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
