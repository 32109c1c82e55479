// Package sessions owns the group-buying session lifecycle. All status
// changes are conditional updates on the status the caller observed, so two
// workers racing on the same session apply at most one transition.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grosir-backend/pkg/validation"
)

const (
	actorSource     = "sessions"
	defaultClaimTTL = 10 * time.Minute
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type escrowPayments interface {
	ReleaseEscrowTx(ctx context.Context, tx *gorm.DB, sessionID, factoryID uuid.UUID) (*payments.ReleaseResult, error)
	RefundSession(ctx context.Context, sessionID uuid.UUID, reason string) ([]payments.RefundOutcome, error)
}

// Service is the session lifecycle contract.
type Service interface {
	Create(ctx context.Context, input CreateSessionInput) (*models.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByCode(ctx context.Context, code string) (*models.Session, error)
	Activate(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ActivateDue(ctx context.Context, now time.Time, limit int) (int, error)
	EvaluateMOQ(ctx context.Context, id uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, to enums.SessionStatus, reason string) (*models.Session, error)
	FailExpired(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	RevertConversion(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	FailUnfulfillable(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	StartProduction(ctx context.Context, id uuid.UUID) error
	CompleteProduction(ctx context.Context, id uuid.UUID) (*CompletionResult, error)

	Claim(ctx context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, reason string) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	ExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
	PendingStock(ctx context.Context, limit int) ([]models.Session, error)
	RecordWarehouseCheck(ctx context.Context, id uuid.UUID, unitsNeeded int) error
	ParticipantCount(ctx context.Context, id uuid.UUID) (int64, error)
}

// CreateSessionInput is the payload for opening a new session.
type CreateSessionInput struct {
	SessionCode  string          `json:"session_code" validate:"required,max=64"`
	ProductID    uuid.UUID       `json:"product_id" validate:"required"`
	FactoryID    uuid.UUID       `json:"factory_id" validate:"required"`
	FactoryPhone *string         `json:"factory_phone,omitempty" validate:"omitempty,max=32"`
	TargetMOQ    int             `json:"target_moq" validate:"gte=2"`
	GroupPrice   decimal.Decimal `json:"group_price"`
	StartTime    time.Time       `json:"start_time" validate:"required"`
	EndTime      time.Time       `json:"end_time" validate:"required,gtfield=StartTime"`
}

// CompletionResult is returned by CompleteProduction.
type CompletionResult struct {
	Session  *models.Session
	Released *payments.ReleaseResult
}

// Params wires the session service.
type Params struct {
	Repo     Repository
	Tx       txRunner
	Outbox   outboxPublisher
	Payments escrowPayments
	Logger   *logger.Logger
	ClaimTTL time.Duration
	Clock    func() time.Time
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	payments escrowPayments
	logg     *logger.Logger
	claimTTL time.Duration
	now      func() time.Time
}

// NewService constructs the session lifecycle service.
func NewService(p Params) (Service, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("session repository required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if p.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	claimTTL := p.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		repo:     p.Repo,
		tx:       p.Tx,
		outbox:   p.Outbox,
		payments: p.Payments,
		logg:     p.Logger,
		claimTTL: claimTTL,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateSessionInput) (*models.Session, error) {
	input.SessionCode = strings.TrimSpace(input.SessionCode)
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	if !input.GroupPrice.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "group price must be positive").
			WithDetails(map[string]string{"group_price": "must be greater than 0"})
	}

	session := &models.Session{
		SessionCode:  input.SessionCode,
		ProductID:    input.ProductID,
		FactoryID:    input.FactoryID,
		FactoryPhone: input.FactoryPhone,
		TargetMOQ:    input.TargetMOQ,
		GroupPrice:   input.GroupPrice,
		StartTime:    input.StartTime.UTC(),
		EndTime:      input.EndTime.UTC(),
		Status:       enums.SessionStatusForming,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, session); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("session code %s already exists", session.SessionCode))
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create session")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSessionCreated,
			AggregateType: enums.AggregateSession,
			AggregateID:   session.ID,
			Actor:         outbox.SystemActor(actorSource),
			Data: payloads.SessionCreatedEvent{
				SessionID:   session.ID,
				SessionCode: session.SessionCode,
				ProductID:   session.ProductID,
				FactoryID:   session.FactoryID,
				TargetMOQ:   session.TargetMOQ,
				GroupPrice:  session.GroupPrice,
				EndTime:     session.EndTime,
			},
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return session, nil
}

func (s *service) GetByCode(ctx context.Context, code string) (*models.Session, error) {
	session, err := s.repo.FindByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, translateNotFound(err)
	}
	return session, nil
}

func (s *service) Activate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.Transition(ctx, id, enums.SessionStatusActive, "")
}

// ActivateDue moves forming sessions whose start time has passed to active.
// Sessions that moved on concurrently are skipped.
func (s *service) ActivateDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.FindDueForActivation(ctx, now.UTC(), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find sessions due for activation")
	}
	activated := 0
	var errs error
	for _, session := range due {
		_, err := s.Transition(ctx, session.ID, enums.SessionStatusActive, "start time reached")
		switch {
		case err == nil:
			activated++
		case pkgerrors.IsConflict(err):
		default:
			errs = multierr.Append(errs, fmt.Errorf("activate session %s: %w", session.ID, err))
		}
	}
	return activated, errs
}

// EvaluateMOQ claims the moq_reached transition when the participant count
// meets the target. It returns true only for the caller that applied it.
func (s *service) EvaluateMOQ(ctx context.Context, id uuid.UUID) (bool, error) {
	reached := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		session, err := repo.FindByID(ctx, id)
		if err != nil {
			return translateNotFound(err)
		}
		now := s.now()
		ok, err := repo.ClaimMOQ(ctx, id, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim moq")
		}
		if !ok {
			return nil
		}
		reached = true
		return s.emitStatusChanged(ctx, tx, id, session.Status, enums.SessionStatusMOQReached, "minimum order quantity reached", now)
	})
	if err != nil {
		return false, err
	}
	if reached && s.logg != nil {
		s.logg.Info(s.logg.WithSessionID(ctx, id.String()), "session reached moq")
	}
	return reached, nil
}

// Transition applies one validated edge of the state machine. Moving to
// success goes through CompleteProduction so escrow is released with it.
func (s *service) Transition(ctx context.Context, id uuid.UUID, to enums.SessionStatus, reason string) (*models.Session, error) {
	if to == enums.SessionStatusSuccess {
		result, err := s.CompleteProduction(ctx, id)
		if err != nil {
			return nil, err
		}
		return result.Session, nil
	}
	return s.transition(ctx, id, to, reason, ValidateTransition)
}

// RevertConversion puts a moq_reached session back to forming after its
// order conversion failed, so a later sweep retries it.
func (s *service) RevertConversion(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	return s.transition(ctx, id, enums.SessionStatusForming, reason, validateSweepTransition)
}

// FailExpired moves a session past its end time to failed. The participant
// count and claim are re-read under the row lock: a session that is still
// open, back at its target, or held by a live claim is left untouched with a
// state conflict.
func (s *service) FailExpired(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	var failed *models.Session
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		session, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return translateNotFound(err)
		}
		now := s.now()
		if session.EndTime.After(now) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session has not ended yet")
		}
		if session.ClaimedAt != nil && session.ClaimedAt.After(now.Add(-s.claimTTL)) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session is claimed by another worker")
		}
		count, err := repo.CountParticipants(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count participants")
		}
		if count >= int64(session.TargetMOQ) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "session meets its minimum order quantity").
				WithDetails(map[string]string{"participants": fmt.Sprint(count)})
		}
		if err := s.transitionTx(ctx, tx, session, enums.SessionStatusFailed, reason, fromOneOf(
			enums.SessionStatusForming, enums.SessionStatusActive, enums.SessionStatusMOQReached,
		)); err != nil {
			return err
		}
		failed = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logStatus(ctx, id, enums.SessionStatusFailed)
	return failed, nil
}

// FailUnfulfillable fails a claimed moq_reached or pending_stock session
// whose demand the warehouse reported it can never cover.
func (s *service) FailUnfulfillable(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	return s.transition(ctx, id, enums.SessionStatusFailed, reason,
		fromOneOf(enums.SessionStatusMOQReached, enums.SessionStatusPendingStock))
}

func (s *service) transition(ctx context.Context, id uuid.UUID, to enums.SessionStatus, reason string, check func(from, to enums.SessionStatus) error) (*models.Session, error) {
	var updated *models.Session
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		session, err := s.repo.WithTx(tx).FindByID(ctx, id)
		if err != nil {
			return translateNotFound(err)
		}
		if err := s.transitionTx(ctx, tx, session, to, reason, check); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logStatus(ctx, id, to)
	return updated, nil
}

func (s *service) logStatus(ctx context.Context, id uuid.UUID, status enums.SessionStatus) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithSessionID(ctx, id.String())
	logCtx = s.logg.WithField(logCtx, "status", string(status))
	s.logg.Info(logCtx, "session status changed")
}

// transitionTx checks from -> to with check and applies it to session,
// updating the in-memory copy on success.
func (s *service) transitionTx(ctx context.Context, tx *gorm.DB, session *models.Session, to enums.SessionStatus, reason string, check func(from, to enums.SessionStatus) error) error {
	from := session.Status
	if err := check(from, to); err != nil {
		return err
	}
	now := s.now()
	extra := map[string]any{"claimed_at": nil}
	switch to {
	case enums.SessionStatusMOQReached:
		extra["moq_reached_at"] = gorm.Expr("COALESCE(moq_reached_at, ?)", now)
	case enums.SessionStatusCancelled:
		if reason != "" {
			extra["cancel_reason"] = reason
		}
	case enums.SessionStatusSuccess:
		extra["production_completed_at"] = now
	}
	ok, err := s.repo.WithTx(tx).UpdateStatusIf(ctx, session.ID, from, to, extra)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update session status")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "session status changed concurrently").
			WithKind(pkgerrors.KindInvalidTransition).
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}

	session.Status = to
	session.ClaimedAt = nil
	switch to {
	case enums.SessionStatusMOQReached:
		if session.MOQReachedAt == nil {
			session.MOQReachedAt = &now
		}
	case enums.SessionStatusCancelled:
		if reason != "" {
			session.CancelReason = &reason
		}
	case enums.SessionStatusSuccess:
		session.ProductionCompletedAt = &now
	}
	return s.emitStatusChanged(ctx, tx, session.ID, from, to, reason, now)
}

// Cancel stops a forming or active session and refunds its participants.
// Refund failures are logged; the cancellation itself stands.
func (s *service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	if reason == "" {
		reason = "session cancelled"
	}
	session, err := s.Transition(ctx, id, enums.SessionStatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if _, err := s.payments.RefundSession(ctx, id, reason); err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithSessionID(ctx, id.String()), "refund cancelled session", err)
	}
	return session, nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.repo.DeleteIfEmpty(ctx, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete session")
	}
	if deleted {
		return nil
	}
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}
	if !session.Status.AcceptsParticipants() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot delete a %s session", session.Status))
	}
	return pkgerrors.New(pkgerrors.CodeConflict, "session has participants")
}

func (s *service) StartProduction(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.MarkProductionStarted(ctx, id, s.now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "start production")
	}
	if ok {
		return nil
	}
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}
	if session.Status == enums.SessionStatusOrdersCreated {
		return pkgerrors.New(pkgerrors.CodeConflict, "production already started")
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot start production for a %s session", session.Status))
}

// CompleteProduction moves orders_created to success and releases escrow to
// the factory in the same transaction.
func (s *service) CompleteProduction(ctx context.Context, id uuid.UUID) (*CompletionResult, error) {
	result := &CompletionResult{}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		session, err := s.repo.WithTx(tx).FindByIDForUpdate(ctx, id)
		if err != nil {
			return translateNotFound(err)
		}
		if err := s.transitionTx(ctx, tx, session, enums.SessionStatusSuccess, "production completed", ValidateTransition); err != nil {
			return err
		}
		released, err := s.payments.ReleaseEscrowTx(ctx, tx, session.ID, session.FactoryID)
		if err != nil {
			return err
		}
		result.Session = session
		result.Released = released
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithSessionID(ctx, id.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"released_count":  result.Released.ReleasedCount,
			"released_amount": result.Released.TotalAmount.String(),
		})
		s.logg.Info(logCtx, "production completed and escrow released")
	}
	return result, nil
}

// Claim takes the processing lease on a session in one of from, moving it to
// to. It returns false when the session moved on or another worker holds a
// live lease.
func (s *service) Claim(ctx context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, reason string) (bool, error) {
	claimed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		session, err := repo.FindByID(ctx, id)
		if err != nil {
			return translateNotFound(err)
		}
		if session.Status != to && !CanTransition(session.Status, to) {
			return nil
		}
		now := s.now()
		ok, err := repo.ClaimIf(ctx, id, from, to, now, now.Add(-s.claimTTL))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim session")
		}
		if !ok {
			return nil
		}
		claimed = true
		if session.Status == to {
			return nil
		}
		return s.emitStatusChanged(ctx, tx, id, session.Status, to, reason, now)
	})
	return claimed, err
}

func (s *service) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.ReleaseClaim(ctx, id); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release session claim")
	}
	return nil
}

func (s *service) ExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	now = now.UTC()
	sessions, err := s.repo.FindExpiredCandidates(ctx, now, now.Add(-s.claimTTL), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find expired sessions")
	}
	return sessions, nil
}

func (s *service) PendingStock(ctx context.Context, limit int) ([]models.Session, error) {
	sessions, err := s.repo.FindClaimableByStatus(ctx, enums.SessionStatusPendingStock, s.now().Add(-s.claimTTL), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find pending stock sessions")
	}
	return sessions, nil
}

func (s *service) RecordWarehouseCheck(ctx context.Context, id uuid.UUID, unitsNeeded int) error {
	if err := s.repo.RecordWarehouseCheck(ctx, id, s.now(), unitsNeeded); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record warehouse check")
	}
	return nil
}

func (s *service) ParticipantCount(ctx context.Context, id uuid.UUID) (int64, error) {
	count, err := s.repo.CountParticipants(ctx, id)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count participants")
	}
	return count, nil
}

func (s *service) emitStatusChanged(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to enums.SessionStatus, reason string, at time.Time) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSessionStatusChanged,
		AggregateType: enums.AggregateSession,
		AggregateID:   id,
		Actor:         outbox.SystemActor(actorSource),
		Data: payloads.SessionStatusChangedEvent{
			SessionID: id,
			From:      from,
			To:        to,
			Reason:    reason,
			ChangedAt: at,
		},
		OccurredAt: at,
	})
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
}
