package warehouse

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/repo"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// Repository reads bundle configuration and moves warehouse stock.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{Base: r.Bind(tx)}
}

func (r *Repository) BundleConfigs(ctx context.Context, productID uuid.UUID) ([]models.BundleConfig, error) {
	var configs []models.BundleConfig
	if err := r.DB(ctx).Where("product_id = ?", productID).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *Repository) Tolerances(ctx context.Context, productID uuid.UUID) ([]models.WarehouseTolerance, error) {
	var tolerances []models.WarehouseTolerance
	if err := r.DB(ctx).Where("product_id = ?", productID).Find(&tolerances).Error; err != nil {
		return nil, err
	}
	return tolerances, nil
}

func (r *Repository) Stock(ctx context.Context, productID uuid.UUID) ([]models.WarehouseStock, error) {
	var stock []models.WarehouseStock
	if err := r.DB(ctx).Where("product_id = ?", productID).Find(&stock).Error; err != nil {
		return nil, err
	}
	return stock, nil
}

// Reserve moves qty units from available to reserved when enough are
// available. It returns false otherwise.
func (r *Repository) Reserve(ctx context.Context, productID uuid.UUID, variantID *uuid.UUID, qty int) (bool, error) {
	res := scopeVariant(r.DB(ctx).Model(&models.WarehouseStock{}).Where("product_id = ?", productID), variantID).
		Where("available_qty >= ?", qty).
		Updates(map[string]any{
			"available_qty": gorm.Expr("available_qty - ?", qty),
			"reserved_qty":  gorm.Expr("reserved_qty + ?", qty),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AddStock increases available units, creating the stock row if needed.
func (r *Repository) AddStock(ctx context.Context, productID uuid.UUID, variantID *uuid.UUID, qty int) error {
	res := scopeVariant(r.DB(ctx).Model(&models.WarehouseStock{}).Where("product_id = ?", productID), variantID).
		Update("available_qty", gorm.Expr("available_qty + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.DB(ctx).Create(&models.WarehouseStock{
		ProductID:    productID,
		VariantID:    variantID,
		AvailableQty: qty,
	}).Error
}

// MarkStockReserved flags the session's stock as reserved exactly once.
func (r *Repository) MarkStockReserved(ctx context.Context, sessionID uuid.UUID, at time.Time) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Session{}).
		Where("id = ? AND stock_reserved_at IS NULL", sessionID).
		Update("stock_reserved_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) FindPurchaseOrderBySession(ctx context.Context, sessionID uuid.UUID) (*models.PurchaseOrder, error) {
	var po models.PurchaseOrder
	if err := r.DB(ctx).Where("session_id = ?", sessionID).Order("round_no DESC").Take(&po).Error; err != nil {
		return nil, err
	}
	return &po, nil
}

func (r *Repository) FindPurchaseOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.PurchaseOrder, error) {
	if !r.InTx() {
		return nil, errors.New("purchase order lock requires a transaction")
	}
	var po models.PurchaseOrder
	if err := r.ForUpdate(ctx).First(&po, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &po, nil
}

func (r *Repository) CreatePurchaseOrder(ctx context.Context, po *models.PurchaseOrder) error {
	return r.DB(ctx).Create(po).Error
}

func (r *Repository) MarkPurchaseOrderReceived(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.DB(ctx).
		Model(&models.PurchaseOrder{}).
		Where("id = ? AND status = ?", id, enums.PurchaseOrderStatusPending).
		Updates(map[string]any{
			"status":      enums.PurchaseOrderStatusReceived,
			"received_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func scopeVariant(query *gorm.DB, variantID *uuid.UUID) *gorm.DB {
	if variantID == nil {
		return query.Where("variant_id IS NULL")
	}
	return query.Where("variant_id = ?", *variantID)
}
