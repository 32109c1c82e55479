// Package escrow runs the join flow: a buyer takes a slot in a session and
// receives an escrow invoice. The slot is inserted first and compensated if
// the invoice cannot be created.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/allocation"
	"github.com/angelmondragon/grosir-backend/internal/participants"
	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grosir-backend/pkg/redis"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
	"github.com/angelmondragon/grosir-backend/pkg/validation"
)

const (
	actorSource         = "escrow"
	defaultInvoiceTTL   = 24 * time.Hour
	defaultLockWait     = 5 * time.Second
	outcomeJoined       = "joined"
	outcomeRejected     = "rejected"
	outcomePaymentError = "payment_failed"
	outcomeRollbackFail = "rollback_failed"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type sessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	EvaluateMOQ(ctx context.Context, id uuid.UUID) (bool, error)
}

type allocationChecker interface {
	CheckTx(ctx context.Context, tx *gorm.DB, req allocation.Request) (allocation.Availability, error)
}

type escrowCreator interface {
	CreateEscrow(ctx context.Context, input payments.CreateEscrowInput) (*payments.EscrowInvoice, error)
}

type lockKeys interface {
	AllocationLockKey(sessionID, variantID string) string
}

type locker interface {
	Obtain(ctx context.Context, key string) (*redis.Lock, error)
}

// JoinInput is a buyer's request to take a slot in a session.
type JoinInput struct {
	SessionID uuid.UUID       `json:"session_id" validate:"required"`
	UserID    uuid.UUID       `json:"user_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gte=1"`
	VariantID *uuid.UUID      `json:"variant_id,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// JoinResult is what the buyer needs to complete payment.
type JoinResult struct {
	Participant models.Participant
	PaymentID   uuid.UUID
	InvoiceID   string
	PaymentURL  string
	ExpiresAt   *time.Time
	MOQReached  bool
}

// Params wires the coordinator.
type Params struct {
	Sessions     sessionReader
	Participants participants.Repository
	Guard        allocationChecker
	Payments     escrowCreator
	Tx           txRunner
	Outbox       outboxPublisher
	Locker       locker
	Keys         lockKeys
	Retry        retry.Policy
	Metrics      *metrics.EscrowMetrics
	Logger       *logger.Logger
	InvoiceTTL   time.Duration
	LockWait     time.Duration
	Clock        func() time.Time
}

// Coordinator implements the join flow.
type Coordinator struct {
	sessions     sessionReader
	participants participants.Repository
	guard        allocationChecker
	payments     escrowCreator
	tx           txRunner
	outbox       outboxPublisher
	locker       locker
	keys         lockKeys
	retry        retry.Policy
	metrics      *metrics.EscrowMetrics
	logg         *logger.Logger
	invoiceTTL   time.Duration
	lockWait     time.Duration
	now          func() time.Time
}

// NewCoordinator validates dependencies. Locker and Keys are optional
// together; without them the in-transaction check still serializes joins.
func NewCoordinator(p Params) (*Coordinator, error) {
	if p.Sessions == nil {
		return nil, fmt.Errorf("session service required")
	}
	if p.Participants == nil {
		return nil, fmt.Errorf("participant repository required")
	}
	if p.Guard == nil {
		return nil, fmt.Errorf("allocation guard required")
	}
	if p.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if (p.Locker == nil) != (p.Keys == nil) {
		return nil, fmt.Errorf("locker and lock keys must be provided together")
	}
	invoiceTTL := p.InvoiceTTL
	if invoiceTTL <= 0 {
		invoiceTTL = defaultInvoiceTTL
	}
	lockWait := p.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		sessions:     p.Sessions,
		participants: p.Participants,
		guard:        p.Guard,
		payments:     p.Payments,
		tx:           p.Tx,
		outbox:       p.Outbox,
		locker:       p.Locker,
		keys:         p.Keys,
		retry:        p.Retry,
		metrics:      p.Metrics,
		logg:         p.Logger,
		invoiceTTL:   invoiceTTL,
		lockWait:     lockWait,
		now:          func() time.Time { return clock().UTC() },
	}, nil
}

// Join inserts a tentative participant and creates its escrow invoice. When
// the invoice cannot be created the participant is removed again; if that
// removal fails the caller gets a *pkgerrors.RollbackFailure.
func (c *Coordinator) Join(ctx context.Context, input JoinInput) (*JoinResult, error) {
	session, err := c.precheck(ctx, input)
	if err != nil {
		c.metrics.IncJoin(outcomeRejected)
		return nil, err
	}

	participant, err := c.insertParticipant(ctx, session, input)
	if err != nil {
		c.metrics.IncJoin(outcomeRejected)
		return nil, err
	}

	logCtx := ctx
	if c.logg != nil {
		logCtx = c.logg.WithSessionID(logCtx, session.ID.String())
		logCtx = c.logg.WithParticipantID(logCtx, participant.ID.String())
		logCtx = c.logg.WithUserID(logCtx, input.UserID.String())
	}

	var invoice *payments.EscrowInvoice
	payErr := retry.DoNotify(ctx, c.retry, func(ctx context.Context) error {
		var err error
		invoice, err = c.payments.CreateEscrow(ctx, payments.CreateEscrowInput{
			UserID:        input.UserID,
			SessionID:     session.ID,
			ParticipantID: participant.ID,
			Amount:        participant.TotalPrice,
			ExpiresAt:     c.now().Add(c.invoiceTTL),
			Description:   fmt.Sprintf("Group buy %s x%d", session.SessionCode, participant.Quantity),
		})
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.metrics.IncGatewayRetry()
		if c.logg != nil {
			retryCtx := c.logg.WithFields(logCtx, map[string]any{"attempt": attempt, "backoff": wait.String()})
			c.logg.Warn(retryCtx, "escrow invoice attempt failed: "+err.Error())
		}
	})
	if payErr != nil {
		return nil, c.rollback(logCtx, *participant, payErr)
	}

	if err := c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return c.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventParticipantJoined,
			AggregateType: enums.AggregateParticipant,
			AggregateID:   participant.ID,
			Actor:         outbox.UserActor(input.UserID, actorSource),
			Data: payloads.ParticipantJoinedEvent{
				SessionID:     session.ID,
				ParticipantID: participant.ID,
				UserID:        participant.UserID,
				VariantID:     participant.VariantID,
				Quantity:      participant.Quantity,
				TotalPrice:    participant.TotalPrice,
				PaymentID:     invoice.PaymentID,
			},
			OccurredAt: c.now(),
		})
	}); err != nil && c.logg != nil {
		c.logg.Error(logCtx, "emit participant joined", err)
	}

	reached, err := c.sessions.EvaluateMOQ(ctx, session.ID)
	if err != nil && c.logg != nil {
		c.logg.Warn(logCtx, "evaluate moq after join: "+err.Error())
	}

	c.metrics.IncJoin(outcomeJoined)
	if c.logg != nil {
		c.logg.Info(c.logg.WithField(logCtx, "moq_reached", reached), "participant joined session")
	}
	return &JoinResult{
		Participant: *participant,
		PaymentID:   invoice.PaymentID,
		InvoiceID:   invoice.InvoiceID,
		PaymentURL:  invoice.PaymentURL,
		ExpiresAt:   invoice.ExpiresAt,
		MOQReached:  reached,
	}, nil
}

func (c *Coordinator) precheck(ctx context.Context, input JoinInput) (*models.Session, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	session, err := c.sessions.Get(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if err := c.ensureOpen(session); err != nil {
		return nil, err
	}
	if !input.UnitPrice.Equal(session.GroupPrice) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price mismatch").
			WithKind(pkgerrors.KindPriceMismatch).
			WithDetails(map[string]string{
				"expected": session.GroupPrice.String(),
				"received": input.UnitPrice.String(),
			})
	}
	return session, nil
}

func (c *Coordinator) ensureOpen(session *models.Session) error {
	if !session.Status.AcceptsParticipants() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("session is %s", session.Status)).
			WithKind(pkgerrors.KindSessionClosed)
	}
	if !c.now().Before(session.EndTime) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "session has ended").
			WithKind(pkgerrors.KindSessionClosed)
	}
	return nil
}

// insertParticipant re-checks the allocation and inserts the participant
// while holding the allocation lock and the session row lock.
func (c *Coordinator) insertParticipant(ctx context.Context, session *models.Session, input JoinInput) (*models.Participant, error) {
	if c.locker != nil {
		variant := ""
		if input.VariantID != nil {
			variant = input.VariantID.String()
		}
		lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
		lock, err := c.locker.Obtain(lockCtx, c.keys.AllocationLockKey(session.ID.String(), variant))
		cancel()
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "allocation is busy, try again").
					WithKind(pkgerrors.KindTimeout)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire allocation lock")
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && c.logg != nil {
				c.logg.Warn(ctx, "release allocation lock: "+err.Error())
			}
		}()
	}

	participant := &models.Participant{
		SessionID:  session.ID,
		UserID:     input.UserID,
		Quantity:   input.Quantity,
		VariantID:  input.VariantID,
		UnitPrice:  input.UnitPrice,
		TotalPrice: input.UnitPrice.Mul(decimal.NewFromInt(int64(input.Quantity))),
		JoinedAt:   c.now(),
	}
	err := c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := c.participants.WithTx(tx)
		locked, err := repo.LockSession(ctx, session.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock session")
		}
		if err := c.ensureOpen(locked); err != nil {
			return err
		}
		if _, err := c.guard.CheckTx(ctx, tx, allocation.Request{
			SessionID: locked.ID,
			ProductID: locked.ProductID,
			VariantID: input.VariantID,
			Quantity:  input.Quantity,
		}); err != nil {
			return err
		}
		if err := repo.Create(ctx, participant); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "already joined").
					WithKind(pkgerrors.KindDuplicateJoin)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert participant")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return participant, nil
}

// rollback removes the tentative participant after a payment failure.
func (c *Coordinator) rollback(ctx context.Context, participant models.Participant, payErr error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	_, delErr := c.participants.DeleteOpen(cleanupCtx, participant.ID)
	if delErr == nil {
		c.metrics.IncJoin(outcomePaymentError)
		if c.logg != nil {
			c.logg.Warn(ctx, "escrow invoice failed, participant rolled back: "+payErr.Error())
		}
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, payErr, "Payment failed: "+payErr.Error())
		if kind := pkgerrors.KindOf(payErr); kind != pkgerrors.KindNone {
			wrapped = wrapped.WithKind(kind)
		}
		return wrapped
	}

	failure := &pkgerrors.RollbackFailure{
		ParticipantID: participant.ID,
		PaymentErr:    payErr,
		RollbackErr:   delErr,
	}
	c.metrics.IncJoin(outcomeRollbackFail)
	c.metrics.IncRollbackFailure()
	if c.logg != nil {
		alertCtx := c.logg.WithFields(ctx, map[string]any{
			"payment_error": payErr.Error(),
			"rollback":      pkgerrors.Dump(delErr),
		})
		c.logg.Error(alertCtx, "participant rollback failed after payment failure", failure)
	}
	if err := c.tx.WithTx(cleanupCtx, func(tx *gorm.DB) error {
		return c.outbox.Emit(cleanupCtx, tx, outbox.DomainEvent{
			EventType:     enums.EventEscrowRollbackFailed,
			AggregateType: enums.AggregateParticipant,
			AggregateID:   participant.ID,
			Actor:         outbox.SystemActor(actorSource),
			Data: payloads.EscrowRollbackFailedEvent{
				SessionID:     participant.SessionID,
				ParticipantID: participant.ID,
				UserID:        participant.UserID,
				PaymentError:  payErr.Error(),
				RollbackError: delErr.Error(),
			},
			OccurredAt: c.now(),
		})
	}); err != nil && c.logg != nil {
		c.logg.Error(ctx, "emit rollback failure event", err)
	}
	return failure
}
