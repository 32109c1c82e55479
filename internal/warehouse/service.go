// Package warehouse decides whether a session's demand ships from stock or
// needs a factory purchase order sized in whole bundles.
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/grosir"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
)

const (
	actorSource = "warehouse"
	// maxPurchaseOrderRounds bounds the follow-up orders raised for one session.
	maxPurchaseOrderRounds = 3
)

var errInsufficientStock = errors.New("insufficient stock")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// FulfillmentRequest is a session's demand keyed by variant; the base
// product uses grosir.BaseVariant.
type FulfillmentRequest struct {
	SessionID uuid.UUID
	ProductID uuid.UUID
	FactoryID uuid.UUID
	Demand    map[uuid.UUID]int
}

// FulfillmentResult reports whether the demand is covered by reserved stock.
// When it is not, PurchaseOrder is the factory order that will cover it.
// Raised is set when this call created PurchaseOrder. Unfulfillable means no
// bundle run within tolerance, or within the follow-up limit, can cover the
// demand; Backorders then lists what is missing.
type FulfillmentResult struct {
	HasStock      bool
	Raised        bool
	Unfulfillable bool
	UnitsNeeded   int
	Decision      *grosir.Decision
	PurchaseOrder *models.PurchaseOrder
	Backorders    []grosir.VariantDecision
}

// Service is the warehouse contract used by the sweep jobs.
type Service interface {
	FulfillBundleDemand(ctx context.Context, req FulfillmentRequest) (*FulfillmentResult, error)
	MarkPurchaseOrderReceived(ctx context.Context, purchaseOrderID uuid.UUID) (*models.PurchaseOrder, error)
}

type service struct {
	repo   *Repository
	tx     txRunner
	outbox outboxPublisher
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(repo *Repository, tx txRunner, publisher outboxPublisher, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("warehouse repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		outbox: publisher,
		logg:   logg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) FulfillBundleDemand(ctx context.Context, req FulfillmentRequest) (*FulfillmentResult, error) {
	if req.SessionID == uuid.Nil || req.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session and product ids are required")
	}
	if len(req.Demand) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "demand is required")
	}
	logCtx := ctx
	if s.logg != nil {
		logCtx = s.logg.WithSessionID(ctx, req.SessionID.String())
	}

	po, err := s.repo.FindPurchaseOrderBySession(ctx, req.SessionID)
	switch {
	case err == nil:
		return s.fromPurchaseOrder(logCtx, req, po)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase order")
	}

	input, err := s.loadInput(ctx, req)
	if err != nil {
		return nil, err
	}
	decision, err := grosir.Allocate(input)
	if err != nil {
		return nil, err
	}
	result := &FulfillmentResult{
		Decision:    &decision,
		UnitsNeeded: decision.TotalUnits(),
		Backorders:  decision.Backorders(),
	}

	if decision.FulfillFromStock() {
		reserved, err := s.reserve(ctx, req)
		if err != nil {
			return nil, err
		}
		result.HasStock = reserved
		if !reserved {
			// with nothing to order, a shortfall can only come from tolerances
			result.Unfulfillable = len(result.Backorders) > 0
			if s.logg != nil {
				s.logg.Warn(s.logg.WithField(logCtx, "unfulfillable", result.Unfulfillable), "stock no longer covers demand")
			}
			if err := s.emitBackorders(ctx, req, result.Backorders); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	po, err = s.createPurchaseOrder(ctx, req, decision, 1)
	if err != nil {
		return nil, err
	}
	result.PurchaseOrder = po
	result.Raised = true
	if s.logg != nil {
		fields := map[string]any{
			"purchase_order_id": po.ID.String(),
			"bundles":           decision.Bundles,
			"units":             po.Quantity,
			"backorders":        len(result.Backorders),
		}
		s.logg.Info(s.logg.WithFields(logCtx, fields), "purchase order raised for session")
	}
	return result, nil
}

// fromPurchaseOrder handles a session that already has a purchase order.
func (s *service) fromPurchaseOrder(ctx context.Context, req FulfillmentRequest, po *models.PurchaseOrder) (*FulfillmentResult, error) {
	result := &FulfillmentResult{PurchaseOrder: po, UnitsNeeded: po.Quantity}
	switch po.Status {
	case enums.PurchaseOrderStatusPending:
		return result, nil
	case enums.PurchaseOrderStatusCancelled:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "purchase order for session was cancelled")
	}
	reserved, err := s.reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	if reserved {
		result.HasStock = true
		return result, nil
	}
	return s.followUp(ctx, req, po)
}

// followUp re-sizes the demand against current stock after a received
// purchase order fell short, raising the next order round when bundles can
// still close the gap.
func (s *service) followUp(ctx context.Context, req FulfillmentRequest, previous *models.PurchaseOrder) (*FulfillmentResult, error) {
	input, err := s.loadInput(ctx, req)
	if err != nil {
		return nil, err
	}
	decision, err := grosir.Allocate(input)
	if err != nil {
		return nil, err
	}
	result := &FulfillmentResult{
		Decision:      &decision,
		UnitsNeeded:   decision.TotalUnits(),
		PurchaseOrder: previous,
		Backorders:    decision.Backorders(),
	}
	logCtx := ctx
	if s.logg != nil {
		logCtx = s.logg.WithFields(ctx, map[string]any{
			"purchase_order_id": previous.ID.String(),
			"round":             previous.Round,
		})
	}

	switch {
	case decision.FulfillFromStock() && len(result.Backorders) == 0:
		// stock covered the demand when loaded; the next pass reserves again
		return result, nil
	case decision.FulfillFromStock() || previous.Round >= maxPurchaseOrderRounds:
		result.Unfulfillable = true
		result.Backorders = uncovered(decision)
		if s.logg != nil {
			s.logg.Warn(logCtx, "received purchase orders cannot cover demand")
		}
		if err := s.emitBackorders(ctx, req, result.Backorders); err != nil {
			return nil, err
		}
		return result, nil
	}

	po, err := s.createPurchaseOrder(ctx, req, decision, previous.Round+1)
	if err != nil {
		return nil, err
	}
	result.PurchaseOrder = po
	result.Raised = true
	if s.logg != nil {
		fields := map[string]any{
			"follow_up_id": po.ID.String(),
			"bundles":      decision.Bundles,
			"units":        po.Quantity,
		}
		s.logg.Info(s.logg.WithFields(logCtx, fields), "follow-up purchase order raised for shortfall")
	}
	return result, nil
}

// uncovered lists every variant whose stock falls short of demand, without
// counting any further order.
func uncovered(decision grosir.Decision) []grosir.VariantDecision {
	var out []grosir.VariantDecision
	for _, v := range decision.Variants {
		if short := v.Demand - v.Stock; short > 0 {
			v.Shortfall = short
			out = append(out, v)
		}
	}
	return out
}

func (s *service) loadInput(ctx context.Context, req FulfillmentRequest) (grosir.Input, error) {
	configs, err := s.repo.BundleConfigs(ctx, req.ProductID)
	if err != nil {
		return grosir.Input{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load bundle configs")
	}
	tolerances, err := s.repo.Tolerances(ctx, req.ProductID)
	if err != nil {
		return grosir.Input{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load warehouse tolerances")
	}
	stock, err := s.repo.Stock(ctx, req.ProductID)
	if err != nil {
		return grosir.Input{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load warehouse stock")
	}

	input := grosir.Input{
		Demand:         make(map[uuid.UUID]int, len(req.Demand)),
		UnitsPerBundle: make(map[uuid.UUID]int, len(configs)),
		Stock:          make(map[uuid.UUID]int, len(stock)),
		Tolerance:      make(map[uuid.UUID]int, len(tolerances)),
	}
	for id, qty := range req.Demand {
		input.Demand[id] = qty
	}
	for _, c := range configs {
		input.UnitsPerBundle[variantKey(c.VariantID)] = c.UnitsPerBundle
	}
	for _, st := range stock {
		input.Stock[variantKey(st.VariantID)] = st.AvailableQty
	}
	for _, t := range tolerances {
		input.Tolerance[variantKey(t.VariantID)] = t.MaxExcessUnits
	}
	return input, nil
}

// reserve takes the whole demand out of available stock for the session, at
// most once. It returns false, leaving stock untouched, when any variant is
// short.
func (s *service) reserve(ctx context.Context, req FulfillmentRequest) (bool, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		marked, err := repo.MarkStockReserved(ctx, req.SessionID, s.now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark stock reserved")
		}
		if !marked {
			var session models.Session
			if err := tx.WithContext(ctx).Select("id").First(&session, "id = ?", req.SessionID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
			}
			return nil
		}
		for _, id := range sortedVariants(req.Demand) {
			qty := req.Demand[id]
			if qty <= 0 {
				continue
			}
			ok, err := repo.Reserve(ctx, req.ProductID, variantPtr(id), qty)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve stock")
			}
			if !ok {
				return errInsufficientStock
			}
		}
		return nil
	})
	if errors.Is(err, errInsufficientStock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) createPurchaseOrder(ctx context.Context, req FulfillmentRequest, decision grosir.Decision, round int) (*models.PurchaseOrder, error) {
	lines := make([]models.PurchaseOrderLine, 0, len(decision.Variants))
	for _, v := range decision.Variants {
		lines = append(lines, models.PurchaseOrderLine{
			VariantID: variantPtr(v.VariantID),
			Quantity:  v.OrderQuantity,
			Demand:    v.Demand,
			Excess:    v.Excess,
			Shortfall: v.Shortfall,
		})
	}
	encoded, err := json.Marshal(lines)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode purchase order lines")
	}
	po := &models.PurchaseOrder{
		SessionID:      req.SessionID,
		Round:          round,
		FactoryID:      req.FactoryID,
		ProductID:      req.ProductID,
		VariantID:      variantPtr(primaryVariant(decision)),
		Quantity:       decision.TotalUnits(),
		BundlesOrdered: decision.Bundles,
		Status:         enums.PurchaseOrderStatusPending,
		Lines:          encoded,
	}
	if decision.Constrained {
		po.ConstrainingVariantID = variantPtr(decision.ConstrainingVariant)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).CreatePurchaseOrder(ctx, po); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPurchaseOrderCreated,
			AggregateType: enums.AggregatePurchaseOrder,
			AggregateID:   po.ID,
			Actor:         outbox.SystemActor(actorSource),
			Data:          purchaseOrderPayload(po),
			OccurredAt:    s.now(),
		}); err != nil {
			return err
		}
		return s.emitBackordersTx(ctx, tx, req, decision.Backorders())
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			existing, ferr := s.repo.FindPurchaseOrderBySession(ctx, req.SessionID)
			if ferr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, ferr, "load purchase order")
			}
			return existing, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create purchase order")
	}
	return po, nil
}

// MarkPurchaseOrderReceived books the ordered units into stock. Receiving an
// already received order is a no-op.
func (s *service) MarkPurchaseOrderReceived(ctx context.Context, purchaseOrderID uuid.UUID) (*models.PurchaseOrder, error) {
	var received *models.PurchaseOrder
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		po, err := repo.FindPurchaseOrderForUpdate(ctx, purchaseOrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "purchase order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase order")
		}
		received = po
		switch po.Status {
		case enums.PurchaseOrderStatusReceived:
			return nil
		case enums.PurchaseOrderStatusCancelled:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "purchase order was cancelled")
		}

		var lines []models.PurchaseOrderLine
		if err := json.Unmarshal(po.Lines, &lines); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode purchase order lines")
		}
		for _, line := range lines {
			if line.Quantity <= 0 {
				continue
			}
			if err := repo.AddStock(ctx, po.ProductID, line.VariantID, line.Quantity); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "add received stock")
			}
		}
		now := s.now()
		ok, err := repo.MarkPurchaseOrderReceived(ctx, po.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark purchase order received")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "purchase order changed concurrently")
		}
		po.Status = enums.PurchaseOrderStatusReceived
		po.ReceivedAt = &now
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPurchaseOrderReceived,
			AggregateType: enums.AggregatePurchaseOrder,
			AggregateID:   po.ID,
			Actor:         outbox.SystemActor(actorSource),
			Data:          purchaseOrderPayload(po),
			OccurredAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

func (s *service) emitBackorders(ctx context.Context, req FulfillmentRequest, backorders []grosir.VariantDecision) error {
	if len(backorders) == 0 {
		return nil
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.emitBackordersTx(ctx, tx, req, backorders)
	})
}

func (s *service) emitBackordersTx(ctx context.Context, tx *gorm.DB, req FulfillmentRequest, backorders []grosir.VariantDecision) error {
	if len(backorders) == 0 {
		return nil
	}
	lines := make([]payloads.BackorderLine, 0, len(backorders))
	for _, b := range backorders {
		lines = append(lines, payloads.BackorderLine{VariantID: variantPtr(b.VariantID), Shortfall: b.Shortfall})
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventBackorderDetected,
		AggregateType: enums.AggregateSession,
		AggregateID:   req.SessionID,
		Actor:         outbox.SystemActor(actorSource),
		Data: payloads.BackorderDetectedEvent{
			SessionID: req.SessionID,
			ProductID: req.ProductID,
			Lines:     lines,
		},
		OccurredAt: s.now(),
	})
}

func purchaseOrderPayload(po *models.PurchaseOrder) payloads.PurchaseOrderEvent {
	return payloads.PurchaseOrderEvent{
		PurchaseOrderID:     po.ID,
		SessionID:           po.SessionID,
		Round:               po.Round,
		FactoryID:           po.FactoryID,
		ProductID:           po.ProductID,
		BundlesOrdered:      po.BundlesOrdered,
		Quantity:            po.Quantity,
		ConstrainingVariant: po.ConstrainingVariantID,
		Status:              po.Status,
	}
}

// primaryVariant is the constraining variant, or else the one that needed the
// most bundles.
func primaryVariant(decision grosir.Decision) uuid.UUID {
	if decision.Constrained {
		return decision.ConstrainingVariant
	}
	best := grosir.BaseVariant
	most := -1
	for _, v := range decision.Variants {
		if v.BundlesNeeded > most {
			best, most = v.VariantID, v.BundlesNeeded
		}
	}
	return best
}

func sortedVariants(demand map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func variantKey(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return grosir.BaseVariant
	}
	return *id
}

func variantPtr(id uuid.UUID) *uuid.UUID {
	if id == grosir.BaseVariant {
		return nil
	}
	v := id
	return &v
}
