// Package participants manages buyer slots in a session outside of the join
// flow: leaving a session and removing participants whose invoice expired.
package participants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type paymentRefunder interface {
	PaymentForParticipant(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*payments.RefundOutcome, error)
}

// Service exposes participant operations used by the API layer and jobs.
type Service interface {
	Leave(ctx context.Context, sessionID, userID uuid.UUID, reason string) error
	RemoveExpired(ctx context.Context, expired []models.EscrowPayment) (int, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	payments paymentRefunder
	retry    retry.Policy
	logg     *logger.Logger
}

// NewService wires the participant service.
func NewService(repo Repository, tx txRunner, publisher outboxPublisher, refunder paymentRefunder, policy retry.Policy, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("participant repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if refunder == nil {
		return nil, fmt.Errorf("payment refunder required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		outbox:   publisher,
		payments: refunder,
		retry:    policy,
		logg:     logg,
	}, nil
}

// Leave removes the user's open participant from a forming or active session.
// The session row stays locked from the status check through the refund and
// the delete, so the session cannot be claimed for conversion in between. A
// collected payment is refunded before the delete; if the refund fails the
// participant stays.
func (s *service) Leave(ctx context.Context, sessionID, userID uuid.UUID, reason string) error {
	if sessionID == uuid.Nil || userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "session and user ids are required")
	}

	var (
		participant *models.Participant
		refunded    bool
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := repo.LockSession(ctx, sessionID)
		if err != nil {
			return translateNotFound(err, "session not found")
		}
		if !locked.Status.AcceptsParticipants() {
			return closedSession(locked.Status)
		}
		participant, err = repo.FindOpenByUser(ctx, sessionID, userID)
		if err != nil {
			return translateNotFound(err, "participant not found")
		}
		if refunded, err = s.refund(ctx, participant.ID, leaveReason(reason)); err != nil {
			return err
		}
		deleted, err := repo.DeleteOpen(ctx, participant.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete participant")
		}
		if !deleted {
			return pkgerrors.New(pkgerrors.CodeConflict, "participant already converted into an order")
		}
		return s.emitLeft(ctx, tx, *participant, leaveReason(reason), refunded)
	})
	if err != nil {
		return err
	}
	if s.logg != nil {
		logCtx := s.logg.WithSessionID(ctx, sessionID.String())
		logCtx = s.logg.WithParticipantID(logCtx, participant.ID.String())
		logCtx = s.logg.WithField(logCtx, "refunded", refunded)
		s.logg.Info(logCtx, "participant left session")
	}
	return nil
}

// refund returns a paid payment or voids a pending invoice for the
// participant. It reports whether money went back to the buyer.
func (s *service) refund(ctx context.Context, participantID uuid.UUID, reason string) (bool, error) {
	payment, err := s.payments.PaymentForParticipant(ctx, participantID)
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		return false, nil
	case err != nil:
		return false, err
	case payment.Status != enums.EscrowPaymentStatusPaid && payment.Status != enums.EscrowPaymentStatusPending:
		return false, nil
	}
	var outcome *payments.RefundOutcome
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var rerr error
		outcome, rerr = s.payments.RefundPayment(ctx, payment.ID, reason)
		return rerr
	})
	if err != nil {
		return false, err
	}
	return outcome.Status == enums.EscrowPaymentStatusRefunded, nil
}

// RemoveExpired drops open participants whose invoice expired unpaid, as long
// as their session still accepts participants.
func (s *service) RemoveExpired(ctx context.Context, expired []models.EscrowPayment) (int, error) {
	removed := 0
	var errs error
	for _, payment := range expired {
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			session, err := repo.LockSession(ctx, payment.SessionID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			if !session.Status.AcceptsParticipants() {
				return nil
			}
			participant, err := repo.FindByID(ctx, payment.ParticipantID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			deleted, err := repo.DeleteOpen(ctx, participant.ID)
			if err != nil || !deleted {
				return err
			}
			removed++
			return s.emitLeft(ctx, tx, *participant, "payment expired", false)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove participant %s: %w", payment.ParticipantID, err))
		}
	}
	return removed, errs
}

func (s *service) List(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	participants, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list participants")
	}
	return participants, nil
}

func (s *service) emitLeft(ctx context.Context, tx *gorm.DB, participant models.Participant, reason string, refunded bool) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventParticipantLeft,
		AggregateType: enums.AggregateParticipant,
		AggregateID:   participant.ID,
		Actor:         outbox.UserActor(participant.UserID, "participants"),
		Data: payloads.ParticipantLeftEvent{
			SessionID:     participant.SessionID,
			ParticipantID: participant.ID,
			UserID:        participant.UserID,
			Reason:        reason,
			Refunded:      refunded,
		},
		OccurredAt: time.Now().UTC(),
	})
}

func leaveReason(reason string) string {
	if reason == "" {
		return "participant left session"
	}
	return reason
}

func closedSession(status enums.SessionStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("session is %s", status)).
		WithKind(pkgerrors.KindSessionClosed)
}

func translateNotFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
}
