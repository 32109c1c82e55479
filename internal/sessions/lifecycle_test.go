package sessions

import (
	"testing"

	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

var allStatuses = []enums.SessionStatus{
	enums.SessionStatusForming, enums.SessionStatusActive, enums.SessionStatusMOQReached,
	enums.SessionStatusPendingStock, enums.SessionStatusOrdersCreated, enums.SessionStatusSuccess,
	enums.SessionStatusFailed, enums.SessionStatusCancelled,
}

func TestTransitionTable(t *testing.T) {
	f, a, m, p := enums.SessionStatusForming, enums.SessionStatusActive, enums.SessionStatusMOQReached, enums.SessionStatusPendingStock
	o, s, c := enums.SessionStatusOrdersCreated, enums.SessionStatusSuccess, enums.SessionStatusCancelled
	allowed := map[[2]enums.SessionStatus]bool{
		{f, a}: true, {f, m}: true, {f, c}: true,
		{a, m}: true, {a, c}: true,
		{m, p}: true, {m, o}: true,
		{p, o}: true,
		{o, s}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]enums.SessionStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := ValidateTransition(from, to)
			if want && err != nil {
				t.Errorf("ValidateTransition(%s, %s) unexpected error %v", from, to, err)
			}
			if !want && !pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition) {
				t.Errorf("ValidateTransition(%s, %s) = %v, want invalid transition", from, to, err)
			}
		}
	}
}

func TestSweepTransitionTable(t *testing.T) {
	f, a, m, x := enums.SessionStatusForming, enums.SessionStatusActive, enums.SessionStatusMOQReached, enums.SessionStatusFailed
	p := enums.SessionStatusPendingStock
	sweepOnly := map[[2]enums.SessionStatus]bool{
		{f, x}: true, {a, x}: true, {m, x}: true, {m, f}: true, {p, x}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			edge := [2]enums.SessionStatus{from, to}
			want := sweepOnly[edge] || CanTransition(from, to)
			if got := CanSweepTransition(from, to); got != want {
				t.Errorf("CanSweepTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			if sweepOnly[edge] && CanTransition(from, to) {
				t.Errorf("%s -> %s must not be open to every caller", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, status := range []enums.SessionStatus{enums.SessionStatusSuccess, enums.SessionStatusFailed, enums.SessionStatusCancelled} {
		if len(transitions[status]) != 0 || len(sweepTransitions[status]) != 0 {
			t.Fatalf("terminal status %s has outgoing edges", status)
		}
	}
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	err := ValidateTransition(enums.SessionStatusForming, "expired")
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
