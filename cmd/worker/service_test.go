package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "worker-test", Output: &bytes.Buffer{}})
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNewServiceValidatesComponents(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected error without components")
	}
	if _, err := NewService(ServiceParams{
		Logger:     testLogger(),
		Components: []component{{name: "callbacks"}},
	}); err == nil {
		t.Fatal("expected error for component without run func")
	}
}

func TestRunStopsWhenDependencyNotReady(t *testing.T) {
	started := false
	svc, err := NewService(ServiceParams{
		Logger: testLogger(),
		Readiness: map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
			"pubsub":   func(context.Context) error { return errors.New("subscription missing") },
		},
		Components: []component{{name: "callbacks", run: func(ctx context.Context) error {
			started = true
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	err = svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "pubsub not ready") {
		t.Fatalf("expected readiness error, got %v", err)
	}
	if started {
		t.Fatal("components must not start before dependencies are ready")
	}
}

func TestRunReturnsFirstComponentFailure(t *testing.T) {
	boom := errors.New("receive failed")
	svc, err := NewService(ServiceParams{
		Logger: testLogger(),
		Components: []component{
			{name: "callbacks", run: func(context.Context) error { return boom }},
			{name: "ops", run: blockUntilDone},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	err = svc.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected component error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "callbacks:") {
		t.Fatalf("expected component name in error, got %v", err)
	}
}

func TestRunTreatsCleanExitAsFailure(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Logger:     testLogger(),
		Components: []component{{name: "callbacks", run: func(context.Context) error { return nil }}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error when a component exits on its own")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Logger:     testLogger(),
		Components: []component{{name: "ops", run: blockUntilDone}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
