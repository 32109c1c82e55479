package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

// PendingStockJobParams configure the pending-stock sweep.
type PendingStockJobParams struct {
	Logger       *logger.Logger
	Sessions     sessionLifecycle
	Participants participantStore
	Warehouse    warehouseFulfiller
	Orders       orderCreator
	Payments     escrowPayments
	Notifier     factoryNotifier
	Metrics      *metrics.SweepMetrics
	Retry        retry.Policy
	BatchSize    int
}

// NewPendingStockJob builds the sweep that converts pending_stock sessions
// into orders once their stock is in.
func NewPendingStockJob(params PendingStockJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sessions == nil || params.Participants == nil || params.Warehouse == nil || params.Orders == nil || params.Payments == nil {
		return nil, fmt.Errorf("session, participant, warehouse, order and payment dependencies required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &pendingStockJob{
		logg:     params.Logger,
		sessions: params.Sessions,
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
		batchSize: batch,
	}, nil
}

type pendingStockJob struct {
	logg      *logger.Logger
	sessions  sessionLifecycle
	metrics   *metrics.SweepMetrics
	fulfil    *fulfilment
	batchSize int
}

func (j *pendingStockJob) Name() string { return "pending-stock" }

func (j *pendingStockJob) Run(ctx context.Context) error {
	sessions, err := j.sessions.PendingStock(ctx, j.batchSize)
	if err != nil {
		return fmt.Errorf("find pending stock sessions: %w", err)
	}
	var errs error
	converted := 0
	for _, session := range sessions {
		sessionCtx := j.logg.WithSessionID(ctx, session.ID.String())
		claimed, err := j.sessions.Claim(sessionCtx, session.ID,
			[]enums.SessionStatus{enums.SessionStatusPendingStock}, enums.SessionStatusPendingStock, "")
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("claim session %s: %w", session.ID, err))
			continue
		}
		if !claimed {
			j.metrics.IncOutcome(j.Name(), outcomeSkipped)
			continue
		}
		outcome, err := j.fulfil.run(sessionCtx, session, enums.SessionStatusPendingStock)
		j.metrics.IncOutcome(j.Name(), outcome)
		if outcome == outcomeOrdersCreated {
			converted++
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", session.ID, err))
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"pending":   len(sessions),
		"converted": converted,
	})
	j.logg.Info(logCtx, "pending stock sweep complete")
	return errs
}
