package cron

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/grosir"
	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/sessions"
	"github.com/angelmondragon/grosir-backend/internal/warehouse"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/orderservice"
)

// fakeSessions keeps sessions in memory and mimics the claim lease: a session
// can be claimed once until it transitions or the claim is released. Status
// changes follow the same edge tables as the session service.
type fakeSessions struct {
	sessions     map[uuid.UUID]*models.Session
	participants map[uuid.UUID]int64
	claimed      map[uuid.UUID]bool
	history      []enums.SessionStatus
	checks       map[uuid.UUID]int
	released     int
	activated    int
	activateErr  error
	now          time.Time
}

func newFakeSessions(sessions ...models.Session) *fakeSessions {
	f := &fakeSessions{
		sessions:     map[uuid.UUID]*models.Session{},
		participants: map[uuid.UUID]int64{},
		claimed:      map[uuid.UUID]bool{},
		checks:       map[uuid.UUID]int{},
		now:          sweepNow,
	}
	for i := range sessions {
		s := sessions[i]
		f.sessions[s.ID] = &s
	}
	return f
}

func (f *fakeSessions) status(id uuid.UUID) enums.SessionStatus {
	return f.sessions[id].Status
}

func (f *fakeSessions) list(match func(models.Session) bool, limit int) []models.Session {
	var out []models.Session
	for _, s := range f.sessions {
		if !f.claimed[s.ID] && match(*s) {
			out = append(out, *s)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (f *fakeSessions) ExpiredCandidates(_ context.Context, now time.Time, limit int) ([]models.Session, error) {
	return f.list(func(s models.Session) bool {
		open := s.Status == enums.SessionStatusForming || s.Status == enums.SessionStatusActive || s.Status == enums.SessionStatusMOQReached
		return open && !s.EndTime.After(now)
	}, limit), nil
}

func (f *fakeSessions) PendingStock(_ context.Context, limit int) ([]models.Session, error) {
	return f.list(func(s models.Session) bool {
		return s.Status == enums.SessionStatusPendingStock
	}, limit), nil
}

func (f *fakeSessions) ActivateDue(context.Context, time.Time, int) (int, error) {
	return f.activated, f.activateErr
}

func (f *fakeSessions) ParticipantCount(_ context.Context, id uuid.UUID) (int64, error) {
	return f.participants[id], nil
}

func (f *fakeSessions) Claim(_ context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, _ string) (bool, error) {
	s, ok := f.sessions[id]
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}
	if f.claimed[id] || !slices.Contains(from, s.Status) {
		return false, nil
	}
	f.claimed[id] = true
	if s.Status != to {
		s.Status = to
		f.history = append(f.history, to)
	}
	return true, nil
}

func (f *fakeSessions) ReleaseClaim(_ context.Context, id uuid.UUID) error {
	f.claimed[id] = false
	f.released++
	return nil
}

func (f *fakeSessions) Transition(_ context.Context, id uuid.UUID, to enums.SessionStatus, _ string) (*models.Session, error) {
	return f.move(id, to, sessions.CanTransition)
}

func (f *fakeSessions) FailExpired(_ context.Context, id uuid.UUID, _ string) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}
	switch {
	case s.Status == enums.SessionStatusPendingStock:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session waits for stock")
	case s.EndTime.After(f.now):
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session has not ended yet")
	case f.claimed[id]:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session is claimed by another worker")
	case f.participants[id] >= int64(s.TargetMOQ):
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session meets its minimum order quantity")
	}
	return f.move(id, enums.SessionStatusFailed, sessions.CanSweepTransition)
}

func (f *fakeSessions) RevertConversion(_ context.Context, id uuid.UUID, _ string) (*models.Session, error) {
	return f.move(id, enums.SessionStatusForming, sessions.CanSweepTransition)
}

func (f *fakeSessions) FailUnfulfillable(_ context.Context, id uuid.UUID, _ string) (*models.Session, error) {
	if s, ok := f.sessions[id]; ok && s.Status != enums.SessionStatusMOQReached && s.Status != enums.SessionStatusPendingStock {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session is not being fulfilled")
	}
	return f.move(id, enums.SessionStatusFailed, sessions.CanSweepTransition)
}

func (f *fakeSessions) move(id uuid.UUID, to enums.SessionStatus, allowed func(from, to enums.SessionStatus) bool) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}
	if !allowed(s.Status, to) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "invalid transition from "+string(s.Status)+" to "+string(to))
	}
	s.Status = to
	f.claimed[id] = false
	f.history = append(f.history, to)
	out := *s
	return &out, nil
}

func (f *fakeSessions) RecordWarehouseCheck(_ context.Context, id uuid.UUID, units int) error {
	f.checks[id] = units
	return nil
}

type fakeParticipants struct {
	bySession map[uuid.UUID][]models.Participant
	assigned  map[uuid.UUID]uuid.UUID
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{bySession: map[uuid.UUID][]models.Participant{}, assigned: map[uuid.UUID]uuid.UUID{}}
}

func (f *fakeParticipants) add(sessionID uuid.UUID, quantity int) models.Participant {
	p := models.Participant{ID: uuid.New(), SessionID: sessionID, UserID: uuid.New(), Quantity: quantity}
	f.bySession[sessionID] = append(f.bySession[sessionID], p)
	return p
}

func (f *fakeParticipants) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	out := make([]models.Participant, 0, len(f.bySession[sessionID]))
	for _, p := range f.bySession[sessionID] {
		if id, ok := f.assigned[p.ID]; ok {
			p.OrderID = &id
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeParticipants) DemandByVariant(_ context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	total := 0
	for _, p := range f.bySession[sessionID] {
		total += p.Quantity
	}
	return map[uuid.UUID]int{uuid.Nil: total}, nil
}

func (f *fakeParticipants) AssignOrders(_ context.Context, orders map[uuid.UUID]uuid.UUID) (int64, error) {
	for participantID, orderID := range orders {
		f.assigned[participantID] = orderID
	}
	return int64(len(orders)), nil
}

type fakeWarehouse struct {
	hasStock      bool
	unfulfillable bool
	raised        bool
	err           error
	calls         int
}

func (f *fakeWarehouse) FulfillBundleDemand(_ context.Context, req warehouse.FulfillmentRequest) (*warehouse.FulfillmentResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	units := 0
	for _, qty := range req.Demand {
		units += qty
	}
	result := &warehouse.FulfillmentResult{HasStock: f.hasStock, Raised: f.raised, UnitsNeeded: units}
	if f.unfulfillable {
		result.Unfulfillable = true
		result.Backorders = []grosir.VariantDecision{{VariantID: grosir.BaseVariant, Demand: units, Shortfall: 1}}
	}
	return result, nil
}

type fakeOrders struct {
	err      error
	requests []orderservice.BulkCreateRequest
}

func (f *fakeOrders) BulkCreate(_ context.Context, req orderservice.BulkCreateRequest) (*orderservice.BulkCreateResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	result := &orderservice.BulkCreateResult{OrdersCreated: len(req.Participants)}
	for _, p := range req.Participants {
		result.Orders = append(result.Orders, orderservice.CreatedOrder{ParticipantID: p.ParticipantID, OrderID: uuid.New()})
	}
	return result, nil
}

// fakeEscrowPayments treats every participant as paid unless statuses says
// otherwise; an empty status means no payment exists. It also serves as the
// payments side of a real session service.
type fakeEscrowPayments struct {
	statuses  map[uuid.UUID]enums.EscrowPaymentStatus
	refunded  []uuid.UUID
	released  []uuid.UUID
	refundErr error
}

func (f *fakeEscrowPayments) PaymentForParticipant(_ context.Context, participantID uuid.UUID) (*models.EscrowPayment, error) {
	status, ok := f.statuses[participantID]
	if !ok {
		status = enums.EscrowPaymentStatusPaid
	}
	if status == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return &models.EscrowPayment{ID: uuid.New(), ParticipantID: participantID, Status: status}, nil
}

func (f *fakeEscrowPayments) RefundSession(_ context.Context, sessionID uuid.UUID, _ string) ([]payments.RefundOutcome, error) {
	f.refunded = append(f.refunded, sessionID)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return []payments.RefundOutcome{{PaymentID: uuid.New(), Status: enums.EscrowPaymentStatusRefunded}}, nil
}

func (f *fakeEscrowPayments) ReleaseEscrowTx(_ context.Context, _ *gorm.DB, sessionID, _ uuid.UUID) (*payments.ReleaseResult, error) {
	f.released = append(f.released, sessionID)
	return &payments.ReleaseResult{}, nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

var errOrderService = pkgerrors.New(pkgerrors.CodeDependency, "order service unavailable")
