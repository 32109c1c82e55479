package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BundleConfig is how many units of a variant ship in one factory bundle.
type BundleConfig struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ProductID      uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	VariantID      *uuid.UUID `gorm:"column:variant_id;type:uuid"`
	UnitsPerBundle int        `gorm:"column:units_per_bundle;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (BundleConfig) TableName() string { return "grosir_bundle_configs" }

func (c *BundleConfig) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// WarehouseTolerance bounds the surplus units the warehouse accepts per variant.
type WarehouseTolerance struct {
	ID                    uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ProductID             uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	VariantID             *uuid.UUID `gorm:"column:variant_id;type:uuid"`
	MaxExcessUnits        int        `gorm:"column:max_excess_units;not null;default:0"`
	ClearanceRateEstimate int        `gorm:"column:clearance_rate_estimate;not null;default:0"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (WarehouseTolerance) TableName() string { return "grosir_warehouse_tolerances" }

func (t *WarehouseTolerance) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// WarehouseStock tracks available/reserved counts per product variant.
type WarehouseStock struct {
	ID           uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ProductID    uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	VariantID    *uuid.UUID `gorm:"column:variant_id;type:uuid"`
	AvailableQty int        `gorm:"column:available_qty;not null;default:0"`
	ReservedQty  int        `gorm:"column:reserved_qty;not null;default:0"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (WarehouseStock) TableName() string { return "warehouse_stock" }

func (s *WarehouseStock) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
