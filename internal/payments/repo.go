package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// Repository persists escrow payments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.EscrowPayment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.EscrowPayment, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowPayment, error)
	FindByInvoiceIDForUpdate(ctx context.Context, invoiceID string) (*models.EscrowPayment, error)
	FindByParticipantID(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, statuses ...enums.EscrowPaymentStatus) ([]models.EscrowPayment, error)
	ListReleasable(ctx context.Context, sessionID uuid.UUID) ([]models.EscrowPayment, error)
	ListSettleable(ctx context.Context, sessionID uuid.UUID) ([]models.EscrowPayment, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.EscrowPayment, error)
	UpdateIfStatus(ctx context.Context, id uuid.UUID, from enums.EscrowPaymentStatus, updates map[string]any) (bool, error)
	MarkReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkSettled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	OrderIDsByParticipant(ctx context.Context, participantIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a payment repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, payment *models.EscrowPayment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := r.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&payment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByInvoiceIDForUpdate(ctx context.Context, invoiceID string) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&payment, "invoice_id = ?", invoiceID).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByParticipantID(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error) {
	var payment models.EscrowPayment
	if err := r.db.WithContext(ctx).First(&payment, "participant_id = ?", participantID).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListBySession(ctx context.Context, sessionID uuid.UUID, statuses ...enums.EscrowPaymentStatus) ([]models.EscrowPayment, error) {
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var payments []models.EscrowPayment
	if err := query.Order("created_at ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) ListReleasable(ctx context.Context, sessionID uuid.UUID) ([]models.EscrowPayment, error) {
	var payments []models.EscrowPayment
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ? AND status = ? AND released_at IS NULL", sessionID, enums.EscrowPaymentStatusPaid).
		Order("created_at ASC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) ListSettleable(ctx context.Context, sessionID uuid.UUID) ([]models.EscrowPayment, error) {
	var payments []models.EscrowPayment
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ? AND released_at IS NOT NULL AND settled_at IS NULL", sessionID).
		Order("created_at ASC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.EscrowPayment, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", enums.EscrowPaymentStatusPending, now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.EscrowPayment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// UpdateIfStatus applies updates only while the payment is still in from.
func (r *repository) UpdateIfStatus(ctx context.Context, id uuid.UUID, from enums.EscrowPaymentStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EscrowPayment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EscrowPayment{}).
		Where("id = ? AND status = ? AND released_at IS NULL", id, enums.EscrowPaymentStatusPaid).
		Update("released_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkSettled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EscrowPayment{}).
		Where("id = ? AND released_at IS NOT NULL AND settled_at IS NULL", id).
		Update("settled_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OrderIDsByParticipant maps converted participants to their order ids.
func (r *repository) OrderIDsByParticipant(ctx context.Context, participantIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	out := make(map[uuid.UUID]uuid.UUID, len(participantIDs))
	if len(participantIDs) == 0 {
		return out, nil
	}
	var rows []models.Participant
	if err := r.db.WithContext(ctx).
		Select("id", "order_id").
		Where("id IN ? AND order_id IS NOT NULL", participantIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.OrderID != nil {
			out[row.ID] = *row.OrderID
		}
	}
	return out, nil
}
