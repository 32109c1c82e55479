package cron

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeLock struct {
	held       bool
	acquireErr error
	releases   int
	releaseCtx context.Context
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.held = false
	f.releases++
	f.releaseCtx = ctx
	return nil
}

type testJob struct {
	name  string
	err   error
	runs  int
	order *[]string
	after func()
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.order != nil {
		*t.order = append(*t.order, t.name)
	}
	if t.after != nil {
		t.after()
	}
	return t.err
}

func newTestService(t *testing.T, lock Lock, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestServiceRunCycleRunsAllJobsInOrderEvenOnFailure(t *testing.T) {
	var order []string
	first := &testJob{name: "session-activation", order: &order, err: errors.New("boom")}
	second := &testJob{name: "session-expiration", order: &order}
	lock := &fakeLock{}
	service := newTestService(t, lock, first, second)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"session-activation", "session-expiration"}) {
		t.Fatalf("unexpected order %v", order)
	}
	if lock.held || lock.releases != 1 {
		t.Fatalf("expected lock released once, held=%v releases=%d", lock.held, lock.releases)
	}
}

func TestServiceRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	job := &testJob{name: "session-expiration"}
	lock := &fakeLock{held: true}
	service := newTestService(t, lock, job)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job should not run without the lock")
	}
	if lock.releases != 0 {
		t.Fatalf("lock held elsewhere must not be released")
	}
}

func TestServiceRunCycleSurfacesAcquireError(t *testing.T) {
	job := &testJob{name: "session-expiration"}
	service := newTestService(t, &fakeLock{acquireErr: errors.New("redis down")}, job)

	if err := service.runCycle(context.Background()); err == nil {
		t.Fatalf("expected acquire error")
	}
	if job.runs != 0 {
		t.Fatalf("job should not run when the lock errors")
	}
}

func TestServiceRunCycleStopsBetweenJobsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &testJob{name: "session-activation", after: cancel}
	second := &testJob{name: "session-expiration"}
	lock := &fakeLock{}
	service := newTestService(t, lock, first, second)

	if err := service.runCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if second.runs != 0 {
		t.Fatalf("second job should not run after cancel")
	}
	if lock.releases != 1 || lock.releaseCtx.Err() != nil {
		t.Fatalf("lock must be released with a live context")
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	registry, _ := NewRegistry()
	cases := map[string]ServiceParams{
		"logger":   {Registry: registry, Lock: &fakeLock{}},
		"lock":     {Logger: logg, Registry: registry},
		"registry": {Logger: logg, Lock: &fakeLock{}},
	}
	for name, params := range cases {
		if _, err := NewService(params); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

type extendingLock struct {
	fakeLock
	extendOK bool
	extends  int
}

func (e *extendingLock) Extend(context.Context) (bool, error) {
	e.extends++
	return e.extendOK, nil
}

func TestServiceRunCycleExtendsLockBetweenJobs(t *testing.T) {
	jobs := []*testJob{{name: "a"}, {name: "b"}, {name: "c"}}
	lock := &extendingLock{extendOK: true}
	service := newTestService(t, lock, jobs[0], jobs[1], jobs[2])

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if lock.extends != 2 {
		t.Fatalf("expected 2 extensions, got %d", lock.extends)
	}
	for _, job := range jobs {
		if job.runs != 1 {
			t.Fatalf("job %s ran %d times", job.name, job.runs)
		}
	}
}

func TestServiceRunCycleStopsWhenLockLost(t *testing.T) {
	first := &testJob{name: "a"}
	second := &testJob{name: "b"}
	lock := &extendingLock{extendOK: false}
	service := newTestService(t, lock, first, second)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if first.runs != 1 || second.runs != 0 {
		t.Fatalf("expected only the first job to run, got %d/%d", first.runs, second.runs)
	}
}
