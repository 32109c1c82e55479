// Package factory applies progress reports published by partner factories.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/sessions"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

const (
	EventPurchaseOrderReceived = "purchase_order.received"
	EventProductionCompleted   = "production.completed"
	EventSettlementPaid        = "settlement.paid"
)

type receiptRecorder interface {
	MarkPurchaseOrderReceived(ctx context.Context, purchaseOrderID uuid.UUID) (*models.PurchaseOrder, error)
}

type productionCompleter interface {
	CompleteProduction(ctx context.Context, id uuid.UUID) (*sessions.CompletionResult, error)
}

type factorySettler interface {
	SettleFactory(ctx context.Context, sessionID, factoryID uuid.UUID, reference string) (*payments.SettlementResult, error)
}

// Event is the body factories publish. Which ids are set depends on Type.
type Event struct {
	Type            string    `json:"type"`
	PurchaseOrderID uuid.UUID `json:"purchase_order_id"`
	SessionID       uuid.UUID `json:"session_id"`
	FactoryID       uuid.UUID `json:"factory_id"`
	Reference       string    `json:"reference"`
}

type ConsumerParams struct {
	Warehouse    receiptRecorder
	Sessions     productionCompleter
	Payments     factorySettler
	Subscription *pubsub.Subscriber
	Logger       *logger.Logger
}

// Consumer routes factory events to the services that own them.
type Consumer struct {
	warehouse    receiptRecorder
	sessions     productionCompleter
	payments     factorySettler
	subscription *pubsub.Subscriber
	logg         *logger.Logger
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	switch {
	case params.Warehouse == nil:
		return nil, fmt.Errorf("warehouse service required")
	case params.Sessions == nil:
		return nil, fmt.Errorf("session service required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment service required")
	case params.Subscription == nil:
		return nil, fmt.Errorf("factory events subscription required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		warehouse:    params.Warehouse,
		sessions:     params.Sessions,
		payments:     params.Payments,
		subscription: params.Subscription,
		logg:         params.Logger,
	}, nil
}

// Run receives factory events until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether the message should be acked. Only retryable
// failures are nacked; everything else would fail the same way again.
func (c *Consumer) handle(ctx context.Context, messageID string, data []byte) bool {
	logCtx := c.logg.WithField(ctx, "message_id", messageID)

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.logg.Error(logCtx, "failed to decode factory event", err)
		return true
	}
	logCtx = c.logg.WithField(logCtx, "event_type", event.Type)

	var err error
	switch event.Type {
	case EventPurchaseOrderReceived:
		err = c.received(logCtx, event)
	case EventProductionCompleted:
		err = c.completed(logCtx, event)
	case EventSettlementPaid:
		err = c.settled(logCtx, event)
	default:
		c.logg.Info(logCtx, "factory event type not handled")
		return true
	}
	if err == nil {
		return true
	}
	if pkgerrors.IsRetryable(err) {
		c.logg.Error(logCtx, "factory event failed, will retry", err)
		return false
	}
	if pkgerrors.IsConflict(err) {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "factory event no longer applies")
		return true
	}
	c.logg.Error(logCtx, "factory event rejected", err)
	return true
}

func (c *Consumer) received(ctx context.Context, event Event) error {
	if event.PurchaseOrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "purchase_order_id is required")
	}
	po, err := c.warehouse.MarkPurchaseOrderReceived(ctx, event.PurchaseOrderID)
	if err != nil {
		return err
	}
	logCtx := c.logg.WithSessionID(ctx, po.SessionID.String())
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"purchase_order_id": po.ID.String(),
		"round":             po.Round,
	})
	c.logg.Info(logCtx, "purchase order received")
	return nil
}

func (c *Consumer) completed(ctx context.Context, event Event) error {
	if event.SessionID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "session_id is required")
	}
	_, err := c.sessions.CompleteProduction(ctx, event.SessionID)
	return err
}

func (c *Consumer) settled(ctx context.Context, event Event) error {
	if event.SessionID == uuid.Nil || event.FactoryID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "session_id and factory_id are required")
	}
	result, err := c.payments.SettleFactory(ctx, event.SessionID, event.FactoryID, event.Reference)
	if err != nil {
		return err
	}
	logCtx := c.logg.WithSessionID(ctx, event.SessionID.String())
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"settled_count":  result.SettledCount,
		"settled_amount": result.TotalAmount.String(),
		"reference":      event.Reference,
	})
	c.logg.Info(logCtx, "factory settlement recorded")
	return nil
}
