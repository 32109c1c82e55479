package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateSession       OutboxAggregateType = "session"
	AggregateParticipant   OutboxAggregateType = "participant"
	AggregateEscrowPayment OutboxAggregateType = "escrow_payment"
	AggregatePurchaseOrder OutboxAggregateType = "purchase_order"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateSession,
	AggregateParticipant,
	AggregateEscrowPayment,
	AggregatePurchaseOrder,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventSessionCreated        OutboxEventType = "session_created"
	EventSessionStatusChanged  OutboxEventType = "session_status_changed"
	EventParticipantJoined     OutboxEventType = "participant_joined"
	EventParticipantLeft       OutboxEventType = "participant_left"
	EventPaymentReceived       OutboxEventType = "payment_received"
	EventEscrowReleased        OutboxEventType = "escrow_released"
	EventRefundIssued          OutboxEventType = "refund_issued"
	EventPaymentExpired        OutboxEventType = "payment_expired"
	EventPurchaseOrderCreated  OutboxEventType = "purchase_order_created"
	EventPurchaseOrderReceived OutboxEventType = "purchase_order_received"
	EventBackorderDetected     OutboxEventType = "backorder_detected"
	EventEscrowRollbackFailed  OutboxEventType = "escrow_rollback_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSessionCreated,
	EventSessionStatusChanged,
	EventParticipantJoined,
	EventParticipantLeft,
	EventPaymentReceived,
	EventEscrowReleased,
	EventRefundIssued,
	EventPaymentExpired,
	EventPurchaseOrderCreated,
	EventPurchaseOrderReceived,
	EventBackorderDetected,
	EventEscrowRollbackFailed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxDLQErrorReason maps to the outbox_dlq_error_reason_enum in Postgres.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts marks events whose retryable failures used up the budget.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable marks events the broker rejected permanently.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
	// OutboxDLQReasonUnresolvable marks rows whose type or envelope could not be decoded.
	OutboxDLQReasonUnresolvable OutboxDLQErrorReason = "unresolvable"
)

// IsValid reports whether the value matches the canonical dead-letter reason enum.
func (r OutboxDLQErrorReason) IsValid() bool {
	switch r {
	case OutboxDLQReasonMaxAttempts, OutboxDLQReasonNonRetryable, OutboxDLQReasonUnresolvable:
		return true
	}
	return false
}
