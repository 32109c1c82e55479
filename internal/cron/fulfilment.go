package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/warehouse"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/orderservice"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

const (
	outcomeOrdersCreated = "orders_created"
	outcomePendingStock  = "pending_stock"
	outcomeAwaitingStock = "awaiting_stock"
	outcomeReverted      = "reverted"
	outcomeFailed        = "failed"
	outcomeSkipped       = "skipped"
	outcomeError         = "error"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// sessionLifecycle is the part of the session service the sweeps drive.
type sessionLifecycle interface {
	ExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
	PendingStock(ctx context.Context, limit int) ([]models.Session, error)
	ActivateDue(ctx context.Context, now time.Time, limit int) (int, error)
	ParticipantCount(ctx context.Context, id uuid.UUID) (int64, error)
	Claim(ctx context.Context, id uuid.UUID, from []enums.SessionStatus, to enums.SessionStatus, reason string) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	Transition(ctx context.Context, id uuid.UUID, to enums.SessionStatus, reason string) (*models.Session, error)
	FailExpired(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	RevertConversion(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	FailUnfulfillable(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	RecordWarehouseCheck(ctx context.Context, id uuid.UUID, unitsNeeded int) error
}

type participantStore interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	DemandByVariant(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error)
	AssignOrders(ctx context.Context, orders map[uuid.UUID]uuid.UUID) (int64, error)
}

type warehouseFulfiller interface {
	FulfillBundleDemand(ctx context.Context, req warehouse.FulfillmentRequest) (*warehouse.FulfillmentResult, error)
}

type orderCreator interface {
	BulkCreate(ctx context.Context, req orderservice.BulkCreateRequest) (*orderservice.BulkCreateResult, error)
}

type escrowPayments interface {
	PaymentForParticipant(ctx context.Context, participantID uuid.UUID) (*models.EscrowPayment, error)
	RefundSession(ctx context.Context, sessionID uuid.UUID, reason string) ([]payments.RefundOutcome, error)
}

type factoryNotifier interface {
	Notify(ctx context.Context, phone, message string) error
}

// fulfilment takes a claimed session through the warehouse check and order
// conversion. It is shared by the expiration and pending-stock sweeps.
type fulfilment struct {
	logg         *logger.Logger
	sessions     sessionLifecycle
	participants participantStore
	warehouse    warehouseFulfiller
	orders       orderCreator
	payments     escrowPayments
	notifier     factoryNotifier
	retry        retry.Policy
}

// run expects the caller to hold the claim on session, whose current status
// is from (moq_reached or pending_stock).
func (f *fulfilment) run(ctx context.Context, session models.Session, from enums.SessionStatus) (string, error) {
	demand, err := f.participants.DemandByVariant(ctx, session.ID)
	if err != nil {
		return f.abort(ctx, session, fmt.Errorf("load demand: %w", err))
	}

	result, werr := f.warehouse.FulfillBundleDemand(ctx, warehouse.FulfillmentRequest{
		SessionID: session.ID,
		ProductID: session.ProductID,
		FactoryID: session.FactoryID,
		Demand:    demand,
	})
	switch {
	case werr != nil && from == enums.SessionStatusPendingStock:
		return f.abort(ctx, session, fmt.Errorf("warehouse check: %w", werr))
	case werr != nil:
		f.logg.Error(ctx, "warehouse check failed, converting orders anyway", werr)
	default:
		if err := f.sessions.RecordWarehouseCheck(ctx, session.ID, result.UnitsNeeded); err != nil {
			f.logg.Warn(ctx, "record warehouse check: "+err.Error())
		}
	}

	if result != nil && result.Unfulfillable {
		return f.failUnfulfillable(ctx, session, result)
	}
	if result != nil && !result.HasStock {
		if from == enums.SessionStatusPendingStock {
			if result.Raised {
				f.notifyFactory(ctx, session, result)
			}
			if err := f.sessions.ReleaseClaim(ctx, session.ID); err != nil {
				return outcomeError, err
			}
			return outcomeAwaitingStock, nil
		}
		if _, err := f.sessions.Transition(ctx, session.ID, enums.SessionStatusPendingStock, "waiting for factory stock"); err != nil {
			return f.abort(ctx, session, err)
		}
		f.notifyFactory(ctx, session, result)
		return outcomePendingStock, nil
	}

	created, err := f.convert(ctx, session)
	if err != nil {
		if from == enums.SessionStatusMOQReached {
			if _, terr := f.sessions.RevertConversion(ctx, session.ID, "order creation failed"); terr != nil {
				f.logg.Error(ctx, "revert session after order failure", terr)
				_ = f.sessions.ReleaseClaim(ctx, session.ID)
			}
			return outcomeReverted, err
		}
		return f.abort(ctx, session, err)
	}

	if _, err := f.sessions.Transition(ctx, session.ID, enums.SessionStatusOrdersCreated, fmt.Sprintf("%d orders created", created)); err != nil {
		return f.abort(ctx, session, err)
	}
	f.logg.Info(f.logg.WithField(ctx, "orders_created", created), "session converted into orders")
	return outcomeOrdersCreated, nil
}

// failUnfulfillable fails a session whose demand no purchase order round can
// cover and refunds its participants. The warehouse has already emitted the
// backorder.
func (f *fulfilment) failUnfulfillable(ctx context.Context, session models.Session, result *warehouse.FulfillmentResult) (string, error) {
	short := 0
	for _, b := range result.Backorders {
		short += b.Shortfall
	}
	reason := fmt.Sprintf("warehouse cannot cover demand, %d units short", short)
	if _, err := f.sessions.FailUnfulfillable(ctx, session.ID, reason); err != nil {
		return f.abort(ctx, session, err)
	}
	outcomes, err := f.payments.RefundSession(ctx, session.ID, reason)
	f.logg.Warn(f.logg.WithFields(ctx, map[string]any{"refunds": len(outcomes), "units_short": short}), "session failed on unfulfillable demand")
	if err != nil {
		f.logg.Error(ctx, "refund unfulfillable session", err)
		return outcomeFailed, fmt.Errorf("refund: %w", err)
	}
	return outcomeFailed, nil
}

// abort releases the claim so a later sweep can retry the session.
func (f *fulfilment) abort(ctx context.Context, session models.Session, err error) (string, error) {
	if rerr := f.sessions.ReleaseClaim(ctx, session.ID); rerr != nil {
		f.logg.Error(ctx, "release session claim", rerr)
	}
	return outcomeError, err
}

// convert creates one order per participant whose escrow is paid and links
// them back. Participants still waiting on payment are left for the escrow
// expiry job.
func (f *fulfilment) convert(ctx context.Context, session models.Session) (int, error) {
	participants, err := f.participants.ListBySession(ctx, session.ID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	req := orderservice.BulkCreateRequest{SessionID: session.ID, ProductID: session.ProductID}
	unpaid := 0
	for _, p := range participants {
		if p.OrderID != nil {
			continue
		}
		payment, err := f.payments.PaymentForParticipant(ctx, p.ID)
		switch {
		case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
			unpaid++
			continue
		case err != nil:
			return 0, fmt.Errorf("load payment for participant %s: %w", p.ID, err)
		case payment.Status != enums.EscrowPaymentStatusPaid:
			unpaid++
			continue
		}
		req.Participants = append(req.Participants, orderservice.ParticipantOrder{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			VariantID:     p.VariantID,
			Quantity:      p.Quantity,
			UnitPrice:     p.UnitPrice,
			PaymentID:     &payment.ID,
		})
	}
	if unpaid > 0 {
		f.logg.Warn(f.logg.WithField(ctx, "unpaid", unpaid), "participants without paid escrow left out of order conversion")
	}
	if len(req.Participants) == 0 {
		return 0, nil
	}

	var result *orderservice.BulkCreateResult
	err = retry.Do(ctx, f.retry, func(ctx context.Context) error {
		var cerr error
		result, cerr = f.orders.BulkCreate(ctx, req)
		return cerr
	})
	if err != nil {
		return 0, fmt.Errorf("bulk create orders: %w", err)
	}

	assignments := make(map[uuid.UUID]uuid.UUID, len(result.Orders))
	for _, order := range result.Orders {
		assignments[order.ParticipantID] = order.OrderID
	}
	if _, err := f.participants.AssignOrders(ctx, assignments); err != nil {
		return 0, fmt.Errorf("assign orders: %w", err)
	}
	return result.OrdersCreated, nil
}

func (f *fulfilment) notifyFactory(ctx context.Context, session models.Session, result *warehouse.FulfillmentResult) {
	if f.notifier == nil || session.FactoryPhone == nil {
		return
	}
	message := fmt.Sprintf("Group buy %s reached its minimum order. %d units are needed from the factory.", session.SessionCode, result.UnitsNeeded)
	if result.PurchaseOrder != nil {
		message = fmt.Sprintf("Group buy %s reached its minimum order. Purchase order %s: %d bundles, %d units.",
			session.SessionCode, result.PurchaseOrder.ID, result.PurchaseOrder.BundlesOrdered, result.PurchaseOrder.Quantity)
	}
	if err := f.notifier.Notify(ctx, *session.FactoryPhone, message); err != nil {
		f.logg.Warn(ctx, "factory notification failed: "+err.Error())
	}
}
