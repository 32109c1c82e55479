package enums

import "fmt"

// SessionStatus maps to the session_status_enum enum in Postgres.
type SessionStatus string

const (
	SessionStatusForming       SessionStatus = "forming"
	SessionStatusActive        SessionStatus = "active"
	SessionStatusMOQReached    SessionStatus = "moq_reached"
	SessionStatusPendingStock  SessionStatus = "pending_stock"
	SessionStatusOrdersCreated SessionStatus = "orders_created"
	SessionStatusSuccess       SessionStatus = "success"
	SessionStatusFailed        SessionStatus = "failed"
	SessionStatusCancelled     SessionStatus = "cancelled"
)

var validSessionStatuses = []SessionStatus{
	SessionStatusForming,
	SessionStatusActive,
	SessionStatusMOQReached,
	SessionStatusPendingStock,
	SessionStatusOrdersCreated,
	SessionStatusSuccess,
	SessionStatusFailed,
	SessionStatusCancelled,
}

// String implements fmt.Stringer.
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical session status enum.
func (s SessionStatus) IsValid() bool {
	for _, candidate := range validSessionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSuccess || s == SessionStatusFailed || s == SessionStatusCancelled
}

// AcceptsParticipants reports whether buyers may still join or leave.
func (s SessionStatus) AcceptsParticipants() bool {
	return s == SessionStatusForming || s == SessionStatusActive
}

// ParseSessionStatus converts raw input into SessionStatus.
func ParseSessionStatus(value string) (SessionStatus, error) {
	for _, candidate := range validSessionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid session status %q", value)
}
