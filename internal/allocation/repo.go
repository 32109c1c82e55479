package allocation

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/repo"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
)

// Repository reads allocation caps and the units already taken.
type Repository struct {
	repo.Base
}

// NewRepository binds the allocation repository to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx returns a copy scoped to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{Base: r.Bind(tx)}
}

// FindAllocation returns the cap for (product, variant); a nil variant is the
// base product.
func (r *Repository) FindAllocation(ctx context.Context, productID uuid.UUID, variantID *uuid.UUID) (*models.VariantAllocation, error) {
	query := r.DB(ctx).Where("product_id = ?", productID)
	if variantID == nil {
		query = query.Where("variant_id IS NULL")
	} else {
		query = query.Where("variant_id = ?", *variantID)
	}
	var allocation models.VariantAllocation
	if err := query.First(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

// SumOrdered totals participant quantities for the variant within a session.
func (r *Repository) SumOrdered(ctx context.Context, sessionID uuid.UUID, variantID *uuid.UUID) (int, error) {
	query := r.DB(ctx).
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
