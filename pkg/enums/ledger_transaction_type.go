package enums

import "fmt"

// LedgerTransactionType maps to the ledger_transaction_type_enum enum in Postgres.
type LedgerTransactionType string

const (
	LedgerPaymentReceived LedgerTransactionType = "payment_received"
	LedgerEscrowReleased  LedgerTransactionType = "escrow_released"
	LedgerSettlementPaid  LedgerTransactionType = "settlement_paid"
	LedgerRefundIssued    LedgerTransactionType = "refund_issued"
)

var validLedgerTransactionTypes = []LedgerTransactionType{
	LedgerPaymentReceived,
	LedgerEscrowReleased,
	LedgerSettlementPaid,
	LedgerRefundIssued,
}

// IsValid reports whether the value matches the canonical ledger enum.
func (t LedgerTransactionType) IsValid() bool {
	for _, candidate := range validLedgerTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// PaymentSign is the direction an entry moves a buyer payment's balance.
// Releases and settlements move money between platform accounts and leave the
// payment balance unchanged.
func (t LedgerTransactionType) PaymentSign() int {
	switch t {
	case LedgerPaymentReceived:
		return 1
	case LedgerRefundIssued:
		return -1
	}
	return 0
}

// FactorySign is the direction an entry moves what the platform owes a factory.
func (t LedgerTransactionType) FactorySign() int {
	switch t {
	case LedgerEscrowReleased:
		return 1
	case LedgerSettlementPaid:
		return -1
	}
	return 0
}

// ParseLedgerTransactionType converts raw input into LedgerTransactionType.
func ParseLedgerTransactionType(value string) (LedgerTransactionType, error) {
	for _, candidate := range validLedgerTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger transaction type %q", value)
}
