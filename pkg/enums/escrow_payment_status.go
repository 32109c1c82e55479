package enums

import "fmt"

// EscrowPaymentStatus maps to the escrow_payment_status_enum enum in Postgres.
type EscrowPaymentStatus string

const (
	EscrowPaymentStatusPending  EscrowPaymentStatus = "pending"
	EscrowPaymentStatusPaid     EscrowPaymentStatus = "paid"
	EscrowPaymentStatusExpired  EscrowPaymentStatus = "expired"
	EscrowPaymentStatusRefunded EscrowPaymentStatus = "refunded"
)

var validEscrowPaymentStatuses = []EscrowPaymentStatus{
	EscrowPaymentStatusPending,
	EscrowPaymentStatusPaid,
	EscrowPaymentStatusExpired,
	EscrowPaymentStatusRefunded,
}

func (s EscrowPaymentStatus) IsValid() bool {
	for _, candidate := range validEscrowPaymentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseEscrowPaymentStatus(value string) (EscrowPaymentStatus, error) {
	for _, candidate := range validEscrowPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid escrow payment status %q", value)
}
