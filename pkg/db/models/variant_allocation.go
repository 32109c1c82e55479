package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VariantAllocation caps how many units of a variant one session may take.
type VariantAllocation struct {
	ID                 uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ProductID          uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	VariantID          *uuid.UUID `gorm:"column:variant_id;type:uuid"`
	AllocationQuantity int        `gorm:"column:allocation_quantity;not null"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (VariantAllocation) TableName() string { return "variant_allocations" }

func (a *VariantAllocation) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
