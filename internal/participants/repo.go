package participants

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
)

// Repository persists session participants. Rows with an order id are never
// deleted; every delete is scoped to order_id IS NULL.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, participant *models.Participant) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	FindOpenByUser(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error)
	DeleteOpen(ctx context.Context, id uuid.UUID) (bool, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	SumQuantity(ctx context.Context, sessionID uuid.UUID, variantID *uuid.UUID) (int, error)
	DemandByVariant(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error)
	AssignOrders(ctx context.Context, orders map[uuid.UUID]uuid.UUID) (int64, error)
	LockSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a participant repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, participant *models.Participant) error {
	return r.db.WithContext(ctx).Create(participant).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	var participant models.Participant
	if err := r.db.WithContext(ctx).First(&participant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &participant, nil
}

func (r *repository) FindOpenByUser(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	var participant models.Participant
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ? AND order_id IS NULL", sessionID, userID).
		First(&participant).Error; err != nil {
		return nil, err
	}
	return &participant, nil
}

// DeleteOpen removes a participant that has not been converted into an order.
func (r *repository) DeleteOpen(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND order_id IS NULL", id).
		Delete(&models.Participant{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	var participants []models.Participant
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

// SumQuantity totals the units taken in the session for one variant; a nil
// variant means the base product.
func (r *repository) SumQuantity(ctx context.Context, sessionID uuid.UUID, variantID *uuid.UUID) (int, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("session_id = ?", sessionID)
	if variantID == nil {
		query = query.Where("variant_id IS NULL")
	} else {
		query = query.Where("variant_id = ?", *variantID)
	}
	var total int64
	if err := query.Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// DemandByVariant groups participant quantities by variant, keyed by uuid.Nil
// for the base product.
func (r *repository) DemandByVariant(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	participants, err := r.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	demand := make(map[uuid.UUID]int)
	for _, p := range participants {
		demand[p.VariantKey()] += p.Quantity
	}
	return demand, nil
}

// AssignOrders links participants to created orders. Already linked rows are
// left untouched.
func (r *repository) AssignOrders(ctx context.Context, orders map[uuid.UUID]uuid.UUID) (int64, error) {
	var updated int64
	for participantID, orderID := range orders {
		res := r.db.WithContext(ctx).
			Model(&models.Participant{}).
			Where("id = ? AND order_id IS NULL", participantID).
			Update("order_id", orderID)
		if res.Error != nil {
			return updated, res.Error
		}
		updated += res.RowsAffected
	}
	return updated, nil
}

// LockSession reads the session row with FOR UPDATE.
func (r *repository) LockSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}
