// Package ledger records immutable money movements for escrow payments and
// reconstructs balances from them.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

// Service defines the append and read operations of the ledger.
type Service interface {
	Record(ctx context.Context, input RecordInput) (*models.LedgerEntry, error)
	RecordTx(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.LedgerEntry, error)
	PaymentBalance(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error)
	OrderPosition(ctx context.Context, orderID uuid.UUID) (Position, error)
	FactoryPosition(ctx context.Context, factoryID uuid.UUID, from, to time.Time) (Position, error)
	VerifyPayment(ctx context.Context, payment models.EscrowPayment) error
}

// RecordInput captures the immutable data a ledger entry requires.
type RecordInput struct {
	Type      enums.LedgerTransactionType
	PaymentID uuid.UUID
	SessionID *uuid.UUID
	OrderID   *uuid.UUID
	FactoryID *uuid.UUID
	Amount    decimal.Decimal
	Metadata  map[string]any
}

// Position aggregates entries by transaction type.
type Position struct {
	Received decimal.Decimal
	Refunded decimal.Decimal
	Released decimal.Decimal
	Settled  decimal.Decimal
	Entries  int
}

// Net is what buyers have paid in and not been refunded.
func (p Position) Net() decimal.Decimal {
	return p.Received.Sub(p.Refunded)
}

// Payable is what has been released to a factory and not settled yet.
func (p Position) Payable() decimal.Decimal {
	return p.Released.Sub(p.Settled)
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, input RecordInput) (*models.LedgerEntry, error) {
	return s.record(ctx, s.repo, input)
}

// RecordTx appends inside tx. Recording the same type twice for a payment
// returns the existing entry.
func (s *service) RecordTx(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	return s.record(ctx, s.repo.WithTx(tx), input)
}

func (s *service) record(ctx context.Context, repo Repository, input RecordInput) (*models.LedgerEntry, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		TransactionType: input.Type,
		PaymentID:       input.PaymentID,
		SessionID:       input.SessionID,
		OrderID:         input.OrderID,
		FactoryID:       input.FactoryID,
		Amount:          input.Amount.Round(2),
	}
	if len(input.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(input.Metadata)
	}

	inserted, err := repo.Insert(ctx, entry)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert ledger entry")
	}
	if inserted {
		return entry, nil
	}
	existing, err := repo.Find(ctx, input.PaymentID, input.Type)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load existing ledger entry")
	}
	return existing, nil
}

func validateInput(input RecordInput) error {
	if !input.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger transaction type %q", input.Type))
	}
	if input.PaymentID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	if !input.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger amount must be positive")
	}
	if input.Type.FactorySign() != 0 && input.FactoryID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "factory id is required for factory entries")
	}
	return nil
}

func (s *service) PaymentBalance(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	if paymentID == uuid.Nil {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	entries, err := s.repo.ListByPaymentID(ctx, paymentID)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	balance := decimal.Zero
	for _, entry := range entries {
		balance = balance.Add(entry.Amount.Mul(decimal.NewFromInt(int64(entry.TransactionType.PaymentSign()))))
	}
	return balance, nil
}

func (s *service) OrderPosition(ctx context.Context, orderID uuid.UUID) (Position, error) {
	if orderID == uuid.Nil {
		return Position{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	entries, err := s.repo.ListByOrderID(ctx, orderID)
	if err != nil {
		return Position{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	return summarize(entries), nil
}

// FactoryPosition sums the factory's entries created in [from, to). Zero bounds
// are open.
func (s *service) FactoryPosition(ctx context.Context, factoryID uuid.UUID, from, to time.Time) (Position, error) {
	if factoryID == uuid.Nil {
		return Position{}, pkgerrors.New(pkgerrors.CodeValidation, "factory id is required")
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return Position{}, pkgerrors.New(pkgerrors.CodeValidation, "period end must be after start")
	}
	entries, err := s.repo.ListByFactoryID(ctx, factoryID, from, to)
	if err != nil {
		return Position{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	return summarize(entries), nil
}

// VerifyPayment checks that the signed ledger sum matches the payment's
// authoritative amount: the paid amount while paid, zero otherwise.
func (s *service) VerifyPayment(ctx context.Context, payment models.EscrowPayment) error {
	balance, err := s.PaymentBalance(ctx, payment.ID)
	if err != nil {
		return err
	}
	expected := decimal.Zero
	if payment.Status == enums.EscrowPaymentStatusPaid {
		expected = payment.Amount
	}
	if !balance.Equal(expected) {
		return pkgerrors.New(pkgerrors.CodeInternal, "ledger balance does not match payment").WithDetails(map[string]any{
			"payment_id": payment.ID.String(),
			"status":     string(payment.Status),
			"expected":   expected.StringFixed(2),
			"ledger":     balance.StringFixed(2),
		})
	}
	return nil
}

func summarize(entries []models.LedgerEntry) Position {
	pos := Position{}
	for _, entry := range entries {
		switch entry.TransactionType {
		case enums.LedgerPaymentReceived:
			pos.Received = pos.Received.Add(entry.Amount)
		case enums.LedgerRefundIssued:
			pos.Refunded = pos.Refunded.Add(entry.Amount)
		case enums.LedgerEscrowReleased:
			pos.Released = pos.Released.Add(entry.Amount)
		case enums.LedgerSettlementPaid:
			pos.Settled = pos.Settled.Add(entry.Amount)
		}
		pos.Entries++
	}
	return pos
}
