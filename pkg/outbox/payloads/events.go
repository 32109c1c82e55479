package payloads

import (
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionCreatedEvent announces a new group-buying session.
type SessionCreatedEvent struct {
	SessionID   uuid.UUID       `json:"session_id"`
	SessionCode string          `json:"session_code"`
	ProductID   uuid.UUID       `json:"product_id"`
	FactoryID   uuid.UUID       `json:"factory_id"`
	TargetMOQ   int             `json:"target_moq"`
	GroupPrice  decimal.Decimal `json:"group_price"`
	EndTime     time.Time       `json:"end_time"`
}

// SessionStatusChangedEvent is emitted on every applied lifecycle transition.
type SessionStatusChangedEvent struct {
	SessionID uuid.UUID           `json:"session_id"`
	From      enums.SessionStatus `json:"from"`
	To        enums.SessionStatus `json:"to"`
	Reason    string              `json:"reason,omitempty"`
	ChangedAt time.Time           `json:"changed_at"`
}

// ParticipantJoinedEvent is emitted once the escrow invoice exists.
type ParticipantJoinedEvent struct {
	SessionID     uuid.UUID       `json:"session_id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	UserID        uuid.UUID       `json:"user_id"`
	VariantID     *uuid.UUID      `json:"variant_id,omitempty"`
	Quantity      int             `json:"quantity"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	PaymentID     uuid.UUID       `json:"payment_id"`
}

// ParticipantLeftEvent is emitted when a participant is removed before conversion.
type ParticipantLeftEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	UserID        uuid.UUID `json:"user_id"`
	Reason        string    `json:"reason,omitempty"`
	Refunded      bool      `json:"refunded"`
}

// PaymentEvent covers received, released, refunded and expired escrow payments.
type PaymentEvent struct {
	PaymentID     uuid.UUID                 `json:"payment_id"`
	SessionID     uuid.UUID                 `json:"session_id"`
	ParticipantID uuid.UUID                 `json:"participant_id"`
	UserID        uuid.UUID                 `json:"user_id"`
	Amount        decimal.Decimal           `json:"amount"`
	Status        enums.EscrowPaymentStatus `json:"status"`
	Reason        string                    `json:"reason,omitempty"`
	OccurredAt    time.Time                 `json:"occurred_at"`
}

// PurchaseOrderEvent describes a bundle purchase order raised for a session.
type PurchaseOrderEvent struct {
	PurchaseOrderID     uuid.UUID                 `json:"purchase_order_id"`
	SessionID           uuid.UUID                 `json:"session_id"`
	Round               int                       `json:"round"`
	FactoryID           uuid.UUID                 `json:"factory_id"`
	ProductID           uuid.UUID                 `json:"product_id"`
	BundlesOrdered      int                       `json:"bundles_ordered"`
	Quantity            int                       `json:"quantity"`
	ConstrainingVariant *uuid.UUID                `json:"constraining_variant_id,omitempty"`
	Status              enums.PurchaseOrderStatus `json:"status"`
}

// BackorderLine is one variant the bundle order could not cover.
type BackorderLine struct {
	VariantID *uuid.UUID `json:"variant_id,omitempty"`
	Shortfall int        `json:"shortfall"`
}

// BackorderDetectedEvent lists variants whose demand exceeds stock plus ordered units.
type BackorderDetectedEvent struct {
	SessionID uuid.UUID       `json:"session_id"`
	ProductID uuid.UUID       `json:"product_id"`
	Lines     []BackorderLine `json:"lines"`
}

// EscrowRollbackFailedEvent is the alert raised when a tentative participant survives a failed payment.
type EscrowRollbackFailedEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	UserID        uuid.UUID `json:"user_id"`
	PaymentError  string    `json:"payment_error"`
	RollbackError string    `json:"rollback_error"`
}
