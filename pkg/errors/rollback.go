package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/google/uuid"
)

// RollbackFailure means a compensating delete failed after the payment step
// failed, leaving a participant without an escrow payment behind it.
type RollbackFailure struct {
	ParticipantID uuid.UUID
	PaymentErr    error
	RollbackErr   error
}

func (e *RollbackFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: participant %s not rolled back after payment failure: payment: %v; rollback: %v",
		CodeFatalRollback, e.ParticipantID, e.PaymentErr, e.RollbackErr)
}

// Unwrap exposes both underlying failures to errors.Is / errors.As.
func (e *RollbackFailure) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.PaymentErr != nil {
		out = append(out, e.PaymentErr)
	}
	if e.RollbackErr != nil {
		out = append(out, e.RollbackErr)
	}
	return out
}

func (e *RollbackFailure) Code() Code { return CodeFatalRollback }

func AsRollbackFailure(err error) *RollbackFailure {
	if err == nil {
		return nil
	}
	var typed *RollbackFailure
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
