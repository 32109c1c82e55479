package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// Session is a time-boxed group-buying campaign for one product.
type Session struct {
	ID                    uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	SessionCode           string              `gorm:"column:session_code;not null;uniqueIndex:ux_group_buying_sessions_code"`
	ProductID             uuid.UUID           `gorm:"column:product_id;type:uuid;not null"`
	FactoryID             uuid.UUID           `gorm:"column:factory_id;type:uuid;not null"`
	FactoryPhone          *string             `gorm:"column:factory_phone"`
	TargetMOQ             int                 `gorm:"column:target_moq;not null"`
	GroupPrice            decimal.Decimal     `gorm:"column:group_price;type:numeric(12,2);not null"`
	StartTime             time.Time           `gorm:"column:start_time;not null"`
	EndTime               time.Time           `gorm:"column:end_time;not null;index:idx_group_buying_sessions_status_end"`
	Status                enums.SessionStatus `gorm:"column:status;type:session_status_enum;not null;default:'forming';index:idx_group_buying_sessions_status_end"`
	MOQReachedAt          *time.Time          `gorm:"column:moq_reached_at"`
	ProductionStartedAt   *time.Time          `gorm:"column:production_started_at"`
	ProductionCompletedAt *time.Time          `gorm:"column:production_completed_at"`
	WarehouseCheckAt      *time.Time          `gorm:"column:warehouse_check_at"`
	GrosirUnitsNeeded     *int                `gorm:"column:grosir_units_needed"`
	ClaimedAt             *time.Time          `gorm:"column:claimed_at"`
	StockReservedAt       *time.Time          `gorm:"column:stock_reserved_at"`
	CancelReason          *string             `gorm:"column:cancel_reason"`
	CreatedAt             time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Session) TableName() string { return "group_buying_sessions" }

func (s *Session) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
