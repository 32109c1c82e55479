package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
)

// EscrowPayment holds a buyer's funds until the session succeeds or fails.
type EscrowPayment struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	UserID        uuid.UUID                 `gorm:"column:user_id;type:uuid;not null"`
	SessionID     uuid.UUID                 `gorm:"column:session_id;type:uuid;not null;index"`
	ParticipantID uuid.UUID                 `gorm:"column:participant_id;type:uuid;not null;uniqueIndex:ux_escrow_payments_participant"`
	Amount        decimal.Decimal           `gorm:"column:amount;type:numeric(12,2);not null"`
	Status        enums.EscrowPaymentStatus `gorm:"column:status;type:escrow_payment_status_enum;not null;default:'pending'"`
	IsEscrow      bool                      `gorm:"column:is_escrow;not null;default:true"`
	InvoiceID     string                    `gorm:"column:invoice_id;not null;uniqueIndex:ux_escrow_payments_invoice"`
	PaymentURL    string                    `gorm:"column:payment_url;not null"`
	ExpiresAt     *time.Time                `gorm:"column:expires_at"`
	PaidAt        *time.Time                `gorm:"column:paid_at"`
	ReleasedAt    *time.Time                `gorm:"column:released_at"`
	SettledAt     *time.Time                `gorm:"column:settled_at"`
	RefundedAt    *time.Time                `gorm:"column:refunded_at"`
	RefundID      *string                   `gorm:"column:refund_id"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}

func (EscrowPayment) TableName() string { return "escrow_payments" }

func (p *EscrowPayment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
