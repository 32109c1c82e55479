package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

type SessionActivationJobParams struct {
	Logger    *logger.Logger
	Sessions  sessionLifecycle
	BatchSize int
}

// NewSessionActivationJob builds the job that opens forming sessions once
// their start time passes.
func NewSessionActivationJob(params SessionActivationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &sessionActivationJob{
		logg:      params.Logger,
		sessions:  params.Sessions,
		batchSize: batch,
		now:       time.Now,
	}, nil
}

type sessionActivationJob struct {
	logg      *logger.Logger
	sessions  sessionLifecycle
	batchSize int
	now       func() time.Time
}

func (j *sessionActivationJob) Name() string { return "session-activation" }

func (j *sessionActivationJob) Run(ctx context.Context) error {
	activated, err := j.sessions.ActivateDue(ctx, j.now().UTC(), j.batchSize)
	if activated > 0 {
		j.logg.Info(j.logg.WithField(ctx, "activated", activated), "sessions activated")
	}
	if err != nil {
		return fmt.Errorf("activate sessions: %w", err)
	}
	return nil
}
