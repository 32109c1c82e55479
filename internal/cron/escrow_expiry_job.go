package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

type pendingPaymentExpirer interface {
	ExpirePending(ctx context.Context, now time.Time, limit int) ([]models.EscrowPayment, error)
}

type expiredParticipantRemover interface {
	RemoveExpired(ctx context.Context, expired []models.EscrowPayment) (int, error)
}

type EscrowExpiryJobParams struct {
	Logger       *logger.Logger
	Payments     pendingPaymentExpirer
	Participants expiredParticipantRemover
	BatchSize    int
}

// NewEscrowExpiryJob builds the job that expires unpaid invoices and frees
// the slots of their participants.
func NewEscrowExpiryJob(params EscrowExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.Participants == nil {
		return nil, fmt.Errorf("participant service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &escrowExpiryJob{
		logg:         params.Logger,
		payments:     params.Payments,
		participants: params.Participants,
		batchSize:    batch,
		now:          time.Now,
	}, nil
}

type escrowExpiryJob struct {
	logg         *logger.Logger
	payments     pendingPaymentExpirer
	participants expiredParticipantRemover
	batchSize    int
	now          func() time.Time
}

func (j *escrowExpiryJob) Name() string { return "escrow-expiry" }

func (j *escrowExpiryJob) Run(ctx context.Context) error {
	expired, err := j.payments.ExpirePending(ctx, j.now().UTC(), j.batchSize)
	if err != nil && len(expired) == 0 {
		return fmt.Errorf("expire pending payments: %w", err)
	}
	removed, rerr := j.participants.RemoveExpired(ctx, expired)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"expired": len(expired),
		"removed": removed,
	})
	j.logg.Info(logCtx, "escrow expiry complete")
	if err != nil {
		return fmt.Errorf("expire pending payments: %w", err)
	}
	if rerr != nil {
		return fmt.Errorf("remove expired participants: %w", rerr)
	}
	return nil
}
