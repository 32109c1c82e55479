package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// LedgerEntry is an immutable money movement. Amount is always a positive
// magnitude; the transaction type carries the direction.
type LedgerEntry struct {
	ID              uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	TransactionType enums.LedgerTransactionType `gorm:"column:transaction_type;type:ledger_transaction_type_enum;not null;uniqueIndex:ux_transaction_ledger_payment_type"`
	PaymentID       uuid.UUID                   `gorm:"column:payment_id;type:uuid;not null;uniqueIndex:ux_transaction_ledger_payment_type"`
	SessionID       *uuid.UUID                  `gorm:"column:session_id;type:uuid;index"`
	OrderID         *uuid.UUID                  `gorm:"column:order_id;type:uuid;index"`
	FactoryID       *uuid.UUID                  `gorm:"column:factory_id;type:uuid;index"`
	Amount          decimal.Decimal             `gorm:"column:amount;type:numeric(12,2);not null"`
	Metadata        datatypes.JSONMap           `gorm:"column:metadata"`
	CreatedAt       time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "transaction_ledger" }

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
