package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

const (
	defaultSweepBatchSize  = 100
	defaultSessionTimeout  = 2 * time.Minute
	moqNotReachedReason    = "minimum order quantity not reached"
	moqReachedAtEndReason  = "session ended with minimum order quantity reached"
	sessionExpirationJobID = "session-expiration"
)

// SessionExpirationJobParams configure the expiration sweep.
type SessionExpirationJobParams struct {
	Logger         *logger.Logger
	Sessions       sessionLifecycle
	Participants   participantStore
	Warehouse      warehouseFulfiller
	Orders         orderCreator
	Payments       escrowPayments
	Notifier       factoryNotifier
	Metrics        *metrics.SweepMetrics
	Retry          retry.Policy
	BatchSize      int
	SessionTimeout time.Duration
}

// NewSessionExpirationJob builds the sweep that settles sessions past their
// end time: ones that met their target are converted into orders, the rest
// fail and are refunded.
func NewSessionExpirationJob(params SessionExpirationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session service required")
	}
	if params.Participants == nil {
		return nil, fmt.Errorf("participant store required")
	}
	if params.Warehouse == nil {
		return nil, fmt.Errorf("warehouse service required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	timeout := params.SessionTimeout
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	return &sessionExpirationJob{
		logg:     params.Logger,
		sessions: params.Sessions,
		payments: params.Payments,
		metrics:  params.Metrics,
		fulfil: &fulfilment{
			logg:         params.Logger,
			sessions:     params.Sessions,
			participants: params.Participants,
			warehouse:    params.Warehouse,
			orders:       params.Orders,
			payments:     params.Payments,
			notifier:     params.Notifier,
			retry:        params.Retry,
		},
		batchSize:      batch,
		sessionTimeout: timeout,
		now:            time.Now,
	}, nil
}

type sessionExpirationJob struct {
	logg           *logger.Logger
	sessions       sessionLifecycle
	payments       escrowPayments
	metrics        *metrics.SweepMetrics
	fulfil         *fulfilment
	batchSize      int
	sessionTimeout time.Duration
	now            func() time.Time
}

func (j *sessionExpirationJob) Name() string { return sessionExpirationJobID }

func (j *sessionExpirationJob) Run(ctx context.Context) error {
	candidates, err := j.sessions.ExpiredCandidates(ctx, j.now().UTC(), j.batchSize)
	if err != nil {
		return fmt.Errorf("find expired sessions: %w", err)
	}

	var errs error
	outcomes := map[string]int{}
	for _, session := range candidates {
		outcome, err := j.processWithTimeout(ctx, session)
		outcomes[outcome]++
		j.metrics.IncOutcome(j.Name(), outcome)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", session.ID, err))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"outcomes":   outcomes,
	})
	j.logg.Info(logCtx, "session expiration sweep complete")
	return errs
}

func (j *sessionExpirationJob) processWithTimeout(ctx context.Context, session models.Session) (string, error) {
	sessionCtx, cancel := context.WithTimeout(ctx, j.sessionTimeout)
	defer cancel()
	sessionCtx = j.logg.WithSessionID(sessionCtx, session.ID.String())
	return j.process(sessionCtx, session)
}

func (j *sessionExpirationJob) process(ctx context.Context, session models.Session) (string, error) {
	count, err := j.sessions.ParticipantCount(ctx, session.ID)
	if err != nil {
		return outcomeError, err
	}
	if count >= int64(session.TargetMOQ) {
		claimed, err := j.sessions.Claim(ctx, session.ID, []enums.SessionStatus{
			enums.SessionStatusForming,
			enums.SessionStatusActive,
			enums.SessionStatusMOQReached,
		}, enums.SessionStatusMOQReached, moqReachedAtEndReason)
		if err != nil {
			return outcomeError, err
		}
		if !claimed {
			return outcomeSkipped, nil
		}
		return j.fulfil.run(ctx, session, enums.SessionStatusMOQReached)
	}
	return j.fail(ctx, session)
}

// fail moves an under-subscribed session to failed and refunds it. This
// includes a moq_reached session whose participants left before end time.
// A conflict means the session moved on or regained its target, and a later
// sweep picks it up again. Refund problems are reported but do not undo the
// failure.
func (j *sessionExpirationJob) fail(ctx context.Context, session models.Session) (string, error) {
	if _, err := j.sessions.FailExpired(ctx, session.ID, moqNotReachedReason); err != nil {
		if pkgerrors.IsConflict(err) {
			return outcomeSkipped, nil
		}
		return outcomeError, err
	}
	outcomes, err := j.payments.RefundSession(ctx, session.ID, moqNotReachedReason)
	j.logg.Info(j.logg.WithField(ctx, "refunds", len(outcomes)), "session failed, participants refunded")
	if err != nil {
		j.logg.Error(ctx, "refund failed session", err)
		return outcomeFailed, fmt.Errorf("refund: %w", err)
	}
	return outcomeFailed, nil
}
