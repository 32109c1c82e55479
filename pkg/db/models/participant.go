package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Participant is one buyer's slot in a session. Once OrderID is set the row is
// never deleted.
type Participant struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	SessionID  uuid.UUID       `gorm:"column:session_id;type:uuid;not null;index;uniqueIndex:ux_participants_session_user_open,where:order_id IS NULL"`
	UserID     uuid.UUID       `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_participants_session_user_open,where:order_id IS NULL"`
	Quantity   int             `gorm:"column:quantity;not null"`
	VariantID  *uuid.UUID      `gorm:"column:variant_id;type:uuid"`
	UnitPrice  decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	TotalPrice decimal.Decimal `gorm:"column:total_price;type:numeric(12,2);not null"`
	OrderID    *uuid.UUID      `gorm:"column:order_id;type:uuid"`
	JoinedAt   time.Time       `gorm:"column:joined_at;not null"`
}

func (Participant) TableName() string { return "session_participants" }

func (p *Participant) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	return nil
}

// VariantKey returns the variant id, or uuid.Nil for the base product.
func (p Participant) VariantKey() uuid.UUID {
	if p.VariantID == nil {
		return uuid.Nil
	}
	return *p.VariantID
}
