package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/repo/repotest"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
)

type fakePayments struct {
	released   []uuid.UUID
	refunded   []uuid.UUID
	releaseErr error
	refundErr  error
}

func (f *fakePayments) ReleaseEscrowTx(ctx context.Context, tx *gorm.DB, sessionID, factoryID uuid.UUID) (*payments.ReleaseResult, error) {
	if tx == nil {
		return nil, errors.New("release called without a transaction")
	}
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	f.released = append(f.released, sessionID)
	return &payments.ReleaseResult{ReleasedCount: 2, TotalAmount: decimal.NewFromInt(200000)}, nil
}

func (f *fakePayments) RefundSession(ctx context.Context, sessionID uuid.UUID, reason string) ([]payments.RefundOutcome, error) {
	f.refunded = append(f.refunded, sessionID)
	return nil, f.refundErr
}

type fixture struct {
	db       *gorm.DB
	svc      Service
	payments *fakePayments
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := repotest.NewDB(t)
	fp := &fakePayments{}
	now := time.Now().UTC().Truncate(time.Second)
	svc, err := NewService(Params{
		Repo:     NewRepository(conn),
		Tx:       db.NewFromConn(conn),
		Outbox:   outbox.NewService(outbox.NewRepository(conn), nil),
		Payments: fp,
		ClaimTTL: time.Minute,
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{db: conn, svc: svc, payments: fp, now: now}
}

func (f *fixture) seedSession(t *testing.T, status enums.SessionStatus, start, end time.Time) models.Session {
	t.Helper()
	session := models.Session{
		SessionCode: "GB-" + uuid.NewString()[:8],
		ProductID:   uuid.New(),
		FactoryID:   uuid.New(),
		TargetMOQ:   2,
		GroupPrice:  decimal.NewFromInt(50000),
		StartTime:   start,
		EndTime:     end,
		Status:      status,
	}
	require.NoError(t, f.db.Create(&session).Error)
	return session
}

func (f *fixture) openSession(t *testing.T, status enums.SessionStatus) models.Session {
	t.Helper()
	return f.seedSession(t, status, f.now.Add(-time.Hour), f.now.Add(time.Hour))
}

func (f *fixture) addParticipant(t *testing.T, session models.Session) {
	t.Helper()
	p := models.Participant{
		SessionID:  session.ID,
		UserID:     uuid.New(),
		Quantity:   1,
		UnitPrice:  session.GroupPrice,
		TotalPrice: session.GroupPrice,
	}
	require.NoError(t, f.db.Create(&p).Error)
}

func (f *fixture) status(t *testing.T, id uuid.UUID) enums.SessionStatus {
	t.Helper()
	var session models.Session
	require.NoError(t, f.db.First(&session, "id = ?", id).Error)
	return session.Status
}

func (f *fixture) statusEvents(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventSessionStatusChanged).Count(&count).Error)
	return count
}

func validInput(now time.Time) CreateSessionInput {
	return CreateSessionInput{
		SessionCode: "GB-2026-001",
		ProductID:   uuid.New(),
		FactoryID:   uuid.New(),
		TargetMOQ:   10,
		GroupPrice:  decimal.NewFromInt(75000),
		StartTime:   now,
		EndTime:     now.Add(72 * time.Hour),
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, validInput(f.now))
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusForming, session.Status)

	var created int64
	require.NoError(t, f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventSessionCreated).Count(&created).Error)
	assert.Equal(t, int64(1), created)

	_, err = f.svc.Create(ctx, validInput(f.now))
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	byCode, err := f.svc.GetByCode(ctx, "GB-2026-001")
	require.NoError(t, err)
	assert.Equal(t, session.ID, byCode.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(in *CreateSessionInput){
		"moq below two":  func(in *CreateSessionInput) { in.TargetMOQ = 1 },
		"zero price":     func(in *CreateSessionInput) { in.GroupPrice = decimal.Zero },
		"negative price": func(in *CreateSessionInput) { in.GroupPrice = decimal.NewFromInt(-1) },
		"end before start": func(in *CreateSessionInput) {
			in.EndTime = in.StartTime.Add(-time.Minute)
		},
		"end equals start": func(in *CreateSessionInput) { in.EndTime = in.StartTime },
		"missing product":  func(in *CreateSessionInput) { in.ProductID = uuid.Nil },
		"missing code":     func(in *CreateSessionInput) { in.SessionCode = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput(f.now)
			mutate(&in)
			_, err := f.svc.Create(context.Background(), in)
			assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
		})
	}
}

func TestGetMissingSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestTransitionRejectsInvalidEdgeWithoutMutation(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusForming)

	_, err := f.svc.Transition(context.Background(), session.ID, enums.SessionStatusOrdersCreated, "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
	assert.Equal(t, enums.SessionStatusForming, f.status(t, session.ID))
	assert.Zero(t, f.statusEvents(t))
}

func TestTransitionAppliesEdgeAndEmitsEvent(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusForming)

	updated, err := f.svc.Activate(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusActive, updated.Status)
	assert.Equal(t, enums.SessionStatusActive, f.status(t, session.ID))
	assert.Equal(t, int64(1), f.statusEvents(t))

	_, err = f.svc.Activate(context.Background(), session.ID)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestEvaluateMOQClaimsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openSession(t, enums.SessionStatusActive)
	f.addParticipant(t, session)

	reached, err := f.svc.EvaluateMOQ(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, reached)

	f.addParticipant(t, session)
	reached, err = f.svc.EvaluateMOQ(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, reached)

	reached, err = f.svc.EvaluateMOQ(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, reached)

	got, err := f.svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusMOQReached, got.Status)
	assert.NotNil(t, got.MOQReachedAt)
	assert.Equal(t, int64(1), f.statusEvents(t))
}

func TestCancelRefundsParticipants(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusActive)
	f.payments.refundErr = errors.New("gateway down")

	cancelled, err := f.svc.Cancel(context.Background(), session.ID, "factory unavailable")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "factory unavailable", *cancelled.CancelReason)
	assert.Equal(t, []uuid.UUID{session.ID}, f.payments.refunded)
}

func TestCancelRejectsProcessedSession(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusMOQReached)

	_, err := f.svc.Cancel(context.Background(), session.ID, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
	assert.Empty(t, f.payments.refunded)
}

func TestCompleteProductionReleasesEscrowInSameTransaction(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusOrdersCreated)

	result, err := f.svc.CompleteProduction(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusSuccess, result.Session.Status)
	assert.NotNil(t, result.Session.ProductionCompletedAt)
	assert.Equal(t, 2, result.Released.ReleasedCount)
	assert.Equal(t, []uuid.UUID{session.ID}, f.payments.released)
}

func TestCompleteProductionRollsBackWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusOrdersCreated)
	f.payments.releaseErr = pkgerrors.New(pkgerrors.CodeDependency, "ledger unavailable")

	_, err := f.svc.CompleteProduction(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, enums.SessionStatusOrdersCreated, f.status(t, session.ID))
	assert.Zero(t, f.statusEvents(t))
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := f.openSession(t, enums.SessionStatusForming)
	require.NoError(t, f.svc.Delete(ctx, empty.ID))
	_, err := f.svc.Get(ctx, empty.ID)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))

	withBuyer := f.openSession(t, enums.SessionStatusActive)
	f.addParticipant(t, withBuyer)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(f.svc.Delete(ctx, withBuyer.ID)))

	done := f.openSession(t, enums.SessionStatusSuccess)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(f.svc.Delete(ctx, done.ID)))
}

func TestStartProduction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openSession(t, enums.SessionStatusOrdersCreated)

	require.NoError(t, f.svc.StartProduction(ctx, session.ID))
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(f.svc.StartProduction(ctx, session.ID)))

	forming := f.openSession(t, enums.SessionStatusForming)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(f.svc.StartProduction(ctx, forming.ID)))
}

func TestClaimHonoursLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.seedSession(t, enums.SessionStatusActive, f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	from := []enums.SessionStatus{enums.SessionStatusForming, enums.SessionStatusActive, enums.SessionStatusMOQReached}

	candidates, err := f.svc.ExpiredCandidates(ctx, f.now, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	claimed, err := f.svc.Claim(ctx, session.ID, from, enums.SessionStatusMOQReached, "session expired with moq")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = f.svc.Claim(ctx, session.ID, from, enums.SessionStatusMOQReached, "session expired with moq")
	require.NoError(t, err)
	assert.False(t, claimed)

	candidates, err = f.svc.ExpiredCandidates(ctx, f.now, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	require.NoError(t, f.svc.ReleaseClaim(ctx, session.ID))
	claimed, err = f.svc.Claim(ctx, session.ID, from, enums.SessionStatusMOQReached, "retry")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, int64(1), f.statusEvents(t))
}

func TestClaimSkipsTerminalSession(t *testing.T) {
	f := newFixture(t)
	session := f.openSession(t, enums.SessionStatusFailed)

	claimed, err := f.svc.Claim(context.Background(), session.ID,
		[]enums.SessionStatus{enums.SessionStatusActive}, enums.SessionStatusMOQReached, "")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestActivateDue(t *testing.T) {
	f := newFixture(t)
	started := f.seedSession(t, enums.SessionStatusForming, f.now.Add(-time.Minute), f.now.Add(time.Hour))
	future := f.seedSession(t, enums.SessionStatusForming, f.now.Add(time.Hour), f.now.Add(2*time.Hour))

	activated, err := f.svc.ActivateDue(context.Background(), f.now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, activated)
	assert.Equal(t, enums.SessionStatusActive, f.status(t, started.ID))
	assert.Equal(t, enums.SessionStatusForming, f.status(t, future.ID))
}

func TestFailExpiredFailsSessionThatDroppedBelowTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.seedSession(t, enums.SessionStatusActive, f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	f.addParticipant(t, session)
	f.addParticipant(t, session)

	reached, err := f.svc.EvaluateMOQ(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, reached)

	_, err = f.svc.FailExpired(ctx, session.ID, "minimum order quantity not reached")
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err), "a session at target must not fail")

	var leaving models.Participant
	require.NoError(t, f.db.First(&leaving, "session_id = ?", session.ID).Error)
	require.NoError(t, f.db.Delete(&models.Participant{}, "id = ?", leaving.ID).Error)
	failed, err := f.svc.FailExpired(ctx, session.ID, "minimum order quantity not reached")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusFailed, failed.Status)
	assert.Equal(t, enums.SessionStatusFailed, f.status(t, session.ID))

	_, err = f.svc.FailExpired(ctx, session.ID, "again")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
}

func TestFailExpiredLeavesOpenAndClaimedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.openSession(t, enums.SessionStatusActive)
	_, err := f.svc.FailExpired(ctx, open.ID, "")
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.SessionStatusActive, f.status(t, open.ID))

	claimed := f.seedSession(t, enums.SessionStatusMOQReached, f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	ok, err := f.svc.Claim(ctx, claimed.ID, []enums.SessionStatus{enums.SessionStatusMOQReached}, enums.SessionStatusMOQReached, "")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.FailExpired(ctx, claimed.ID, "")
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.SessionStatusMOQReached, f.status(t, claimed.ID))

	waiting := f.seedSession(t, enums.SessionStatusPendingStock, f.now.Add(-2*time.Hour), f.now.Add(-time.Minute))
	_, err = f.svc.FailExpired(ctx, waiting.ID, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
}

func TestTransitionRejectsSweepOnlyEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.seedSession(t, enums.SessionStatusActive, f.now.Add(-2*time.Hour), f.now.Add(time.Hour))
	_, err := f.svc.Transition(ctx, active.ID, enums.SessionStatusFailed, "early")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))

	reached := f.openSession(t, enums.SessionStatusMOQReached)
	_, err = f.svc.Transition(ctx, reached.ID, enums.SessionStatusForming, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
	_, err = f.svc.Transition(ctx, reached.ID, enums.SessionStatusFailed, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
	assert.Zero(t, f.statusEvents(t))

	reverted, err := f.svc.RevertConversion(ctx, reached.ID, "order creation failed")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusForming, reverted.Status)

	_, err = f.svc.RevertConversion(ctx, active.ID, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
}

func TestFailUnfulfillable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := f.openSession(t, enums.SessionStatusPendingStock)
	failed, err := f.svc.FailUnfulfillable(ctx, waiting.ID, "warehouse cannot cover demand")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStatusFailed, failed.Status)

	active := f.openSession(t, enums.SessionStatusActive)
	_, err = f.svc.FailUnfulfillable(ctx, active.ID, "")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindInvalidTransition))
	assert.Equal(t, enums.SessionStatusActive, f.status(t, active.ID))
}

func TestExpiredCandidatesSkipSettledSessions(t *testing.T) {
	f := newFixture(t)
	start, end := f.now.Add(-2*time.Hour), f.now.Add(-time.Minute)
	want := map[uuid.UUID]bool{}
	for _, status := range []enums.SessionStatus{
		enums.SessionStatusForming,
		enums.SessionStatusActive,
		enums.SessionStatusMOQReached,
	} {
		want[f.seedSession(t, status, start, end).ID] = true
	}
	for _, status := range []enums.SessionStatus{
		enums.SessionStatusPendingStock,
		enums.SessionStatusOrdersCreated,
		enums.SessionStatusSuccess,
		enums.SessionStatusFailed,
		enums.SessionStatusCancelled,
	} {
		f.seedSession(t, status, start, end)
	}

	candidates, err := NewRepository(f.db).FindExpiredCandidates(context.Background(), f.now, f.now.Add(-time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, candidates, len(want))
	for _, session := range candidates {
		assert.True(t, want[session.ID], "unexpected candidate in status %s", session.Status)
	}
}
