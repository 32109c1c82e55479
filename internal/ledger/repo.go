package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// Repository manages persistence for ledger entries. Entries are only ever
// inserted and read.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, entry *models.LedgerEntry) (bool, error)
	Find(ctx context.Context, paymentID uuid.UUID, typ enums.LedgerTransactionType) (*models.LedgerEntry, error)
	ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEntry, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error)
	ListByFactoryID(ctx context.Context, factoryID uuid.UUID, from, to time.Time) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Insert appends entry. It reports false when an entry of the same type already
// exists for the payment.
func (r *repository) Insert(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) Find(ctx context.Context, paymentID uuid.UUID, typ enums.LedgerTransactionType) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("payment_id = ? AND transaction_type = ?", paymentID, typ).
		First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEntry, error) {
	return list(r.db.WithContext(ctx).Where("payment_id = ?", paymentID))
}

func (r *repository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	return list(r.db.WithContext(ctx).Where("order_id = ?", orderID))
}

func (r *repository) ListByFactoryID(ctx context.Context, factoryID uuid.UUID, from, to time.Time) ([]models.LedgerEntry, error) {
	query := r.db.WithContext(ctx).Where("factory_id = ?", factoryID)
	if !from.IsZero() {
		query = query.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("created_at < ?", to)
	}
	return list(query)
}

func list(query *gorm.DB) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := query.Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
