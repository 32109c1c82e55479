package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

const (
	defaultAttempts       = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 8 * time.Second
	defaultAttemptTimeout = 10 * time.Second
)

// Policy bounds a retried call. Zero backoff disables sleeping between attempts.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// Default is three attempts, 1s doubling backoff and a 10s per-attempt timeout.
func Default() Policy {
	return Policy{
		Attempts:       defaultAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		Attempts:       cfg.Attempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaultAttemptTimeout
	}
	return p
}

// Notify observes a failed attempt before the next one starts.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts
// run out. The last error is returned unchanged apart from timeout tagging.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoNotify(ctx, p, fn, nil)
}

func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify Notify) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		attempt int
		lastErr error
	)
	backoff := p.backoff()
	if notify != nil {
		next := backoff
		backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
			wait, stop := next.Next()
			if !stop {
				notify(attempt, lastErr, wait)
			}
			return wait, stop
		})
	}

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		lastErr = runAttempt(ctx, p.AttemptTimeout, fn)
		if lastErr != nil && pkgerrors.IsRetryable(lastErr) {
			return goretry.RetryableError(lastErr)
		}
		return lastErr
	})
	if err != nil && lastErr != nil && ctx.Err() != nil {
		// canceled while waiting: the attempt's error says more than ctx.Err
		return lastErr
	}
	return err
}

// backoff doubles from InitialBackoff up to MaxBackoff and stops after
// Attempts calls. A zero InitialBackoff retries without sleeping.
func (p Policy) backoff() goretry.Backoff {
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	if p.InitialBackoff > 0 {
		b = goretry.NewExponential(p.InitialBackoff)
		if p.MaxBackoff > 0 {
			b = goretry.WithCappedDuration(p.MaxBackoff, b)
		}
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attempt timed out").WithKind(pkgerrors.KindTimeout)
	}
	return err
}
