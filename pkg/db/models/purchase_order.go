package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// PurchaseOrder is the factory order raised for one session's bundle decision.
// Round counts follow-up orders raised when a received order fell short.
type PurchaseOrder struct {
	ID                    uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	SessionID             uuid.UUID                 `gorm:"column:session_id;type:uuid;not null;uniqueIndex:ux_purchase_orders_session_round,priority:1"`
	Round                 int                       `gorm:"column:round_no;not null;default:1;uniqueIndex:ux_purchase_orders_session_round,priority:2"`
	FactoryID             uuid.UUID                 `gorm:"column:factory_id;type:uuid;not null"`
	ProductID             uuid.UUID                 `gorm:"column:product_id;type:uuid;not null"`
	VariantID             *uuid.UUID                `gorm:"column:variant_id;type:uuid"`
	Quantity              int                       `gorm:"column:quantity;not null"`
	BundlesOrdered        int                       `gorm:"column:bundles_ordered;not null"`
	ConstrainingVariantID *uuid.UUID                `gorm:"column:constraining_variant_id;type:uuid"`
	UnitCost              decimal.Decimal           `gorm:"column:unit_cost;type:numeric(12,2);not null;default:0"`
	ShippingCost          decimal.Decimal           `gorm:"column:shipping_cost;type:numeric(12,2);not null;default:0"`
	TotalCost             decimal.Decimal           `gorm:"column:total_cost;type:numeric(12,2);not null;default:0"`
	Status                enums.PurchaseOrderStatus `gorm:"column:status;type:purchase_order_status_enum;not null;default:'pending'"`
	Lines                 datatypes.JSON            `gorm:"column:lines;not null"`
	ReceivedAt            *time.Time                `gorm:"column:received_at"`
	CreatedAt             time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}

func (PurchaseOrder) TableName() string { return "purchase_orders" }

func (p *PurchaseOrder) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PurchaseOrderLine is one variant's share of a purchase order, stored in Lines.
type PurchaseOrderLine struct {
	VariantID *uuid.UUID `json:"variantId,omitempty"`
	Quantity  int        `json:"quantity"`
	Demand    int        `json:"demand"`
	Excess    int        `json:"excess"`
	Shortfall int        `json:"shortfall"`
}
