package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoReturnsLastErrorAfterExhaustion(t *testing.T) {
	calls := 0
	var notified []int
	err := DoNotify(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeDependency, "gateway down")
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(notified) != 2 {
		t.Fatalf("expected 2 notifications between attempts, got %v", notified)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency code, got %s", pkgerrors.CodeOf(err))
	}
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeValidation, "bad amount")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single call with error, calls=%d err=%v", calls, err)
	}
}

func TestDoTagsAttemptTimeout(t *testing.T) {
	p := Policy{Attempts: 1, AttemptTimeout: 5 * time.Millisecond}
	err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !pkgerrors.IsKind(err, pkgerrors.KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline cause should be preserved")
	}
}

func TestDoHonoursCanceledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastPolicy(3), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("fn should not run on canceled context")
	}
}

func TestBackoffDoublesUpToMaxAndStops(t *testing.T) {
	b := Policy{Attempts: 5, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}.backoff()
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		got, stop := b.Next()
		if stop {
			t.Fatalf("retry %d: stopped early", i+1)
		}
		if got != w {
			t.Fatalf("retry %d: wait %v, want %v", i+1, got, w)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatal("expected backoff to stop after Attempts-1 retries")
	}

	zero := Policy{Attempts: 2}.backoff()
	if got, stop := zero.Next(); stop || got != 0 {
		t.Fatalf("zero backoff should retry at once, got %v stop=%v", got, stop)
	}
}

func TestDoNotifyReportsWaitBetweenAttempts(t *testing.T) {
	var waits []time.Duration
	p := Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	err := DoNotify(context.Background(), p, func(context.Context) error {
		return errors.New("transient")
	}, func(_ int, err error, wait time.Duration) {
		if err == nil {
			t.Error("notify should carry the attempt error")
		}
		waits = append(waits, wait)
	})
	if err == nil || err.Error() != "transient" {
		t.Fatalf("expected the last attempt error unwrapped, got %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != time.Millisecond {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestFromConfigFillsDefaults(t *testing.T) {
	p := FromConfig(config.RetryConfig{})
	if p.Attempts != defaultAttempts || p.AttemptTimeout != defaultAttemptTimeout {
		t.Fatalf("unexpected policy %+v", p)
	}
	d := Default()
	if d.Attempts != 3 || d.InitialBackoff != time.Second || d.AttemptTimeout != 10*time.Second {
		t.Fatalf("unexpected default policy %+v", d)
	}
}
