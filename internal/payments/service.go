// Package payments owns escrow payments: invoice creation at the gateway,
// payment confirmation, release to the factory, refunds and expiry. Every
// money movement is written to the ledger in the same transaction as the
// payment row change.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/ledger"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/grosir-backend/pkg/paymentgateway"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

const actorSource = "payments"

// Gateway is the invoice-style escrow API.
type Gateway interface {
	CreateInvoice(ctx context.Context, req paymentgateway.InvoiceRequest) (*paymentgateway.Invoice, error)
	RefundInvoice(ctx context.Context, invoiceID string, amount decimal.Decimal, reason string) (*paymentgateway.Refund, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ledgerRecorder interface {
	RecordTx(ctx context.Context, tx *gorm.DB, input ledger.RecordInput) (*models.LedgerEntry, error)
}

// Service is the payment contract used by the session orchestrator.
type Service interface {
	CreateEscrow(ctx context.Context, input CreateEscrowInput) (*EscrowInvoice, error)
	ConfirmPayment(ctx context.Context, invoiceID string, amount decimal.Decimal) (*models.EscrowPayment, error)
	ReleaseEscrow(ctx context.Context, sessionID, factoryID uuid.UUID) (*ReleaseResult, error)
	ReleaseEscrowTx(ctx context.Context, tx *gorm.DB, sessionID, factoryID uuid.UUID) (*ReleaseResult, error)
	RefundSession(ctx context.Context, sessionID uuid.UUID, reason string) ([]RefundOutcome, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*RefundOutcome, error)
	ExpirePending(ctx context.Context, now time.Time, limit int) ([]models.EscrowPayment, error)
	SettleFactory(ctx context.Context, sessionID, factoryID uuid.UUID, reference string) (*SettlementResult, error)
	PaymentForParticipant(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error)
}

// CreateEscrowInput describes the invoice for one tentative participant.
type CreateEscrowInput struct {
	UserID        uuid.UUID
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	Amount        decimal.Decimal
	ExpiresAt     time.Time
	Description   string
}

// EscrowInvoice is what a buyer needs to pay.
type EscrowInvoice struct {
	PaymentID  uuid.UUID
	InvoiceID  string
	PaymentURL string
	ExpiresAt  *time.Time
}

// ReleaseResult summarizes a session release.
type ReleaseResult struct {
	ReleasedCount int
	TotalAmount   decimal.Decimal
}

// SettlementResult summarizes a factory payout.
type SettlementResult struct {
	SettledCount int
	TotalAmount  decimal.Decimal
}

// RefundOutcome is the per-payment result of a refund request.
type RefundOutcome struct {
	PaymentID uuid.UUID
	Status    enums.EscrowPaymentStatus
	RefundID  *string
	Err       error
}

// Params wires the payment service.
type Params struct {
	Repo     Repository
	Gateway  Gateway
	Tx       txRunner
	Ledger   ledgerRecorder
	Outbox   outboxPublisher
	Retry    retry.Policy
	Metrics  *metrics.EscrowMetrics
	Logger   *logger.Logger
	Currency string
	Redirect string
	Clock    func() time.Time
}

type service struct {
	repo     Repository
	gateway  Gateway
	tx       txRunner
	ledger   ledgerRecorder
	outbox   outboxPublisher
	retry    retry.Policy
	metrics  *metrics.EscrowMetrics
	logg     *logger.Logger
	currency string
	redirect string
	now      func() time.Time
}

// NewService validates dependencies and returns a payment service.
func NewService(p Params) (Service, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("payment repository required")
	}
	if p.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if p.Clock == nil {
		p.Clock = func() time.Time { return time.Now().UTC() }
	}
	if p.Currency == "" {
		p.Currency = "IDR"
	}
	return &service{
		repo:     p.Repo,
		gateway:  p.Gateway,
		tx:       p.Tx,
		ledger:   p.Ledger,
		outbox:   p.Outbox,
		retry:    p.Retry,
		metrics:  p.Metrics,
		logg:     p.Logger,
		currency: p.Currency,
		redirect: p.Redirect,
		now:      p.Clock,
	}, nil
}

// CreateEscrow opens an invoice keyed by the participant id and stores the
// pending payment. Calling it again for the same participant returns the
// stored payment.
func (s *service) CreateEscrow(ctx context.Context, input CreateEscrowInput) (*EscrowInvoice, error) {
	if input.UserID == uuid.Nil || input.SessionID == uuid.Nil || input.ParticipantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user, session and participant ids are required")
	}
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow amount must be positive")
	}

	if existing, err := s.repo.FindByParticipantID(ctx, input.ParticipantID); err == nil {
		return toInvoice(existing), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow payment")
	}

	var duration time.Duration
	if !input.ExpiresAt.IsZero() {
		duration = input.ExpiresAt.Sub(s.now())
		if duration <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow expiry must be in the future")
		}
	}
	description := input.Description
	if description == "" {
		description = fmt.Sprintf("Group buying session %s", input.SessionID)
	}

	invoice, err := s.gateway.CreateInvoice(ctx, paymentgateway.InvoiceRequest{
		ExternalID:         input.ParticipantID.String(),
		Amount:             input.Amount,
		PayerID:            input.UserID.String(),
		Description:        description,
		Currency:           s.currency,
		Duration:           duration,
		SuccessRedirectURL: s.redirect,
	})
	if err != nil {
		return nil, err
	}

	expiresAt := invoice.ExpiresAt
	if expiresAt == nil && !input.ExpiresAt.IsZero() {
		at := input.ExpiresAt.UTC()
		expiresAt = &at
	}
	payment := &models.EscrowPayment{
		UserID:        input.UserID,
		SessionID:     input.SessionID,
		ParticipantID: input.ParticipantID,
		Amount:        input.Amount,
		Status:        enums.EscrowPaymentStatusPending,
		IsEscrow:      true,
		InvoiceID:     invoice.ID,
		PaymentURL:    invoice.InvoiceURL,
		ExpiresAt:     expiresAt,
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		if db.IsUniqueViolation(err, "") {
			existing, ferr := s.repo.FindByParticipantID(ctx, input.ParticipantID)
			if ferr == nil {
				return toInvoice(existing), nil
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store escrow payment")
	}
	return toInvoice(payment), nil
}

func toInvoice(payment *models.EscrowPayment) *EscrowInvoice {
	return &EscrowInvoice{
		PaymentID:  payment.ID,
		InvoiceID:  payment.InvoiceID,
		PaymentURL: payment.PaymentURL,
		ExpiresAt:  payment.ExpiresAt,
	}
}

// ConfirmPayment handles the gateway's paid callback. Repeated callbacks for a
// paid invoice are no-ops.
func (s *service) ConfirmPayment(ctx context.Context, invoiceID string, amount decimal.Decimal) (*models.EscrowPayment, error) {
	if invoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id is required")
	}

	var confirmed *models.EscrowPayment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindByInvoiceIDForUpdate(ctx, invoiceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
		}
		if payment.Status == enums.EscrowPaymentStatusPaid {
			confirmed = payment
			return nil
		}
		if payment.Status != enums.EscrowPaymentStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("payment is %s", payment.Status)).
				WithKind(pkgerrors.KindInvalidTransition)
		}
		if !amount.IsZero() && !amount.Equal(payment.Amount) {
			return pkgerrors.New(pkgerrors.CodeValidation, "paid amount does not match escrow amount").WithDetails(map[string]string{
				"expected": payment.Amount.StringFixed(2),
				"paid":     amount.StringFixed(2),
			})
		}

		now := s.now()
		ok, err := repo.UpdateIfStatus(ctx, payment.ID, enums.EscrowPaymentStatusPending, map[string]any{
			"status":  enums.EscrowPaymentStatusPaid,
			"paid_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment paid")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "payment changed concurrently")
		}
		payment.Status = enums.EscrowPaymentStatusPaid
		payment.PaidAt = &now

		sessionID := payment.SessionID
		if _, err := s.ledger.RecordTx(ctx, tx, ledger.RecordInput{
			Type:      enums.LedgerPaymentReceived,
			PaymentID: payment.ID,
			SessionID: &sessionID,
			Amount:    payment.Amount,
			Metadata:  map[string]any{"invoice_id": payment.InvoiceID},
		}); err != nil {
			return err
		}
		if err := s.emitPayment(ctx, tx, enums.EventPaymentReceived, *payment, ""); err != nil {
			return err
		}
		confirmed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (s *service) ReleaseEscrow(ctx context.Context, sessionID, factoryID uuid.UUID) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.ReleaseEscrowTx(ctx, tx, sessionID, factoryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseEscrowTx releases every paid, unreleased payment of the session and
// writes one escrow_released entry per payment inside tx.
func (s *service) ReleaseEscrowTx(ctx context.Context, tx *gorm.DB, sessionID, factoryID uuid.UUID) (*ReleaseResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if sessionID == uuid.Nil || factoryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session and factory ids are required")
	}
	repo := s.repo.WithTx(tx)
	payments, err := repo.ListReleasable(ctx, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list releasable payments")
	}
	participantIDs := make([]uuid.UUID, 0, len(payments))
	for _, p := range payments {
		participantIDs = append(participantIDs, p.ParticipantID)
	}
	orders, err := repo.OrderIDsByParticipant(ctx, participantIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load participant orders")
	}

	result := &ReleaseResult{TotalAmount: decimal.Zero}
	now := s.now()
	for _, payment := range payments {
		ok, err := repo.MarkReleased(ctx, payment.ID, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment released")
		}
		if !ok {
			continue
		}
		payment.ReleasedAt = &now

		input := ledger.RecordInput{
			Type:      enums.LedgerEscrowReleased,
			PaymentID: payment.ID,
			SessionID: &sessionID,
			FactoryID: &factoryID,
			Amount:    payment.Amount,
		}
		if orderID, ok := orders[payment.ParticipantID]; ok {
			input.OrderID = &orderID
		}
		if _, err := s.ledger.RecordTx(ctx, tx, input); err != nil {
			return nil, err
		}
		if err := s.emitPayment(ctx, tx, enums.EventEscrowReleased, payment, ""); err != nil {
			return nil, err
		}
		result.ReleasedCount++
		result.TotalAmount = result.TotalAmount.Add(payment.Amount)
	}
	return result, nil
}

// RefundSession refunds every paid payment of the session and voids pending
// invoices. Each refund is retried on its own; failures are collected and do
// not stop the remaining refunds.
func (s *service) RefundSession(ctx context.Context, sessionID uuid.UUID, reason string) ([]RefundOutcome, error) {
	if sessionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	payments, err := s.repo.ListBySession(ctx, sessionID, enums.EscrowPaymentStatusPaid, enums.EscrowPaymentStatusPending)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list session payments")
	}

	outcomes := make([]RefundOutcome, 0, len(payments))
	var errs error
	for _, payment := range payments {
		var outcome *RefundOutcome
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			var rerr error
			outcome, rerr = s.RefundPayment(ctx, payment.ID, reason)
			return rerr
		})
		if err != nil {
			s.metrics.IncRefundFailure()
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"session_id": sessionID.String(),
					"payment_id": payment.ID.String(),
				})
				s.logg.Error(logCtx, "refund failed", err)
			}
			outcomes = append(outcomes, RefundOutcome{PaymentID: payment.ID, Status: payment.Status, Err: err})
			errs = multierr.Append(errs, fmt.Errorf("refund payment %s: %w", payment.ID, err))
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, errs
}

// RefundPayment refunds one paid payment. Pending payments are expired instead
// since no money was collected. Already refunded payments are returned as is.
func (s *service) RefundPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*RefundOutcome, error) {
	payment, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}

	switch payment.Status {
	case enums.EscrowPaymentStatusRefunded:
		return &RefundOutcome{PaymentID: payment.ID, Status: payment.Status, RefundID: payment.RefundID}, nil
	case enums.EscrowPaymentStatusExpired:
		return &RefundOutcome{PaymentID: payment.ID, Status: payment.Status}, nil
	case enums.EscrowPaymentStatusPending:
		if err := s.expire(ctx, *payment, reason); err != nil {
			return nil, err
		}
		return &RefundOutcome{PaymentID: payment.ID, Status: enums.EscrowPaymentStatusExpired}, nil
	}
	if payment.ReleasedAt != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "escrow already released to the factory").
			WithKind(pkgerrors.KindInvalidTransition)
	}

	refund, err := s.gateway.RefundInvoice(ctx, payment.InvoiceID, payment.Amount, reason)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		ok, err := s.repo.WithTx(tx).UpdateIfStatus(ctx, payment.ID, enums.EscrowPaymentStatusPaid, map[string]any{
			"status":      enums.EscrowPaymentStatusRefunded,
			"refunded_at": now,
			"refund_id":   refund.ID,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment refunded")
		}
		if !ok {
			// a concurrent refund won; the ledger entry is its responsibility
			return nil
		}
		payment.Status = enums.EscrowPaymentStatusRefunded
		payment.RefundedAt = &now
		payment.RefundID = &refund.ID

		sessionID := payment.SessionID
		if _, err := s.ledger.RecordTx(ctx, tx, ledger.RecordInput{
			Type:      enums.LedgerRefundIssued,
			PaymentID: payment.ID,
			SessionID: &sessionID,
			Amount:    payment.Amount,
			Metadata:  map[string]any{"refund_id": refund.ID, "reason": reason},
		}); err != nil {
			return err
		}
		return s.emitPayment(ctx, tx, enums.EventRefundIssued, *payment, reason)
	})
	if err != nil {
		return nil, err
	}
	refundID := refund.ID
	return &RefundOutcome{PaymentID: payment.ID, Status: enums.EscrowPaymentStatusRefunded, RefundID: &refundID}, nil
}

// ExpirePending marks pending payments past their expiry as expired.
func (s *service) ExpirePending(ctx context.Context, now time.Time, limit int) ([]models.EscrowPayment, error) {
	payments, err := s.repo.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired payments")
	}
	expired := make([]models.EscrowPayment, 0, len(payments))
	var errs error
	for _, payment := range payments {
		if err := s.expire(ctx, payment, "invoice expired"); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire payment %s: %w", payment.ID, err))
			continue
		}
		payment.Status = enums.EscrowPaymentStatusExpired
		expired = append(expired, payment)
	}
	return expired, errs
}

func (s *service) expire(ctx context.Context, payment models.EscrowPayment, reason string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).UpdateIfStatus(ctx, payment.ID, enums.EscrowPaymentStatusPending, map[string]any{
			"status": enums.EscrowPaymentStatusExpired,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment expired")
		}
		if !ok {
			return nil
		}
		payment.Status = enums.EscrowPaymentStatusExpired
		return s.emitPayment(ctx, tx, enums.EventPaymentExpired, payment, reason)
	})
}

// SettleFactory records the payout of released escrow to the factory.
func (s *service) SettleFactory(ctx context.Context, sessionID, factoryID uuid.UUID, reference string) (*SettlementResult, error) {
	if sessionID == uuid.Nil || factoryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session and factory ids are required")
	}
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "settlement reference is required")
	}

	result := &SettlementResult{TotalAmount: decimal.Zero}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payments, err := repo.ListSettleable(ctx, sessionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list settleable payments")
		}
		now := s.now()
		for _, payment := range payments {
			ok, err := repo.MarkSettled(ctx, payment.ID, now)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment settled")
			}
			if !ok {
				continue
			}
			if _, err := s.ledger.RecordTx(ctx, tx, ledger.RecordInput{
				Type:      enums.LedgerSettlementPaid,
				PaymentID: payment.ID,
				SessionID: &sessionID,
				FactoryID: &factoryID,
				Amount:    payment.Amount,
				Metadata:  map[string]any{"reference": reference},
			}); err != nil {
				return err
			}
			result.SettledCount++
			result.TotalAmount = result.TotalAmount.Add(payment.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) PaymentForParticipant(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error) {
	payment, err := s.repo.FindByParticipantID(ctx, participantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	return payment, nil
}

func (s *service) emitPayment(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, payment models.EscrowPayment, reason string) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateEscrowPayment,
		AggregateID:   payment.ID,
		Actor:         outbox.SystemActor(actorSource),
		Data: payloads.PaymentEvent{
			PaymentID:     payment.ID,
			SessionID:     payment.SessionID,
			ParticipantID: payment.ParticipantID,
			UserID:        payment.UserID,
			Amount:        payment.Amount,
			Status:        payment.Status,
			Reason:        reason,
			OccurredAt:    s.now(),
		},
	})
}
