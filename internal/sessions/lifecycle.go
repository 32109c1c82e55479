package sessions

import (
	"fmt"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

// transitions lists the edges any caller may apply.
var transitions = map[enums.SessionStatus][]enums.SessionStatus{
	enums.SessionStatusForming: {
		enums.SessionStatusActive,
		enums.SessionStatusMOQReached,
		enums.SessionStatusCancelled,
	},
	enums.SessionStatusActive: {
		enums.SessionStatusMOQReached,
		enums.SessionStatusCancelled,
	},
	enums.SessionStatusMOQReached: {
		enums.SessionStatusPendingStock,
		enums.SessionStatusOrdersCreated,
	},
	enums.SessionStatusPendingStock: {
		enums.SessionStatusOrdersCreated,
	},
	enums.SessionStatusOrdersCreated: {
		enums.SessionStatusSuccess,
	},
}

// sweepTransitions are only applied by the sweeps, through FailExpired,
// FailUnfulfillable and RevertConversion.
var sweepTransitions = map[enums.SessionStatus][]enums.SessionStatus{
	enums.SessionStatusForming: {
		enums.SessionStatusFailed,
	},
	enums.SessionStatusActive: {
		enums.SessionStatusFailed,
	},
	enums.SessionStatusMOQReached: {
		// participants left after the target was first met
		enums.SessionStatusFailed,
		// order conversion failed
		enums.SessionStatusForming,
	},
	enums.SessionStatusPendingStock: {
		// no purchase order round can cover the demand
		enums.SessionStatusFailed,
	},
}

// CanTransition reports whether from -> to is an edge any caller may apply.
func CanTransition(from, to enums.SessionStatus) bool {
	return hasEdge(transitions, from, to)
}

// CanSweepTransition reports whether the expiration sweep may apply
// from -> to. It is a superset of CanTransition.
func CanSweepTransition(from, to enums.SessionStatus) bool {
	return CanTransition(from, to) || hasEdge(sweepTransitions, from, to)
}

// ValidateTransition returns a state conflict for a disallowed edge.
func ValidateTransition(from, to enums.SessionStatus) error {
	return validate(from, to, CanTransition)
}

func validateSweepTransition(from, to enums.SessionStatus) error {
	return validate(from, to, CanSweepTransition)
}

// fromOneOf limits a sweep edge to the given source statuses.
func fromOneOf(statuses ...enums.SessionStatus) func(from, to enums.SessionStatus) error {
	return func(from, to enums.SessionStatus) error {
		for _, status := range statuses {
			if status == from {
				return validateSweepTransition(from, to)
			}
		}
		return invalidTransition(from, to)
	}
}

func validate(from, to enums.SessionStatus, allowed func(from, to enums.SessionStatus) bool) error {
	if !to.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid session status %q", to))
	}
	if allowed(from, to) {
		return nil
	}
	return invalidTransition(from, to)
}

func hasEdge(edges map[enums.SessionStatus][]enums.SessionStatus, from, to enums.SessionStatus) bool {
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to enums.SessionStatus) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot move session from %s to %s", from, to)).
		WithKind(pkgerrors.KindInvalidTransition).
		WithDetails(map[string]string{"from": string(from), "to": string(to)})
}
