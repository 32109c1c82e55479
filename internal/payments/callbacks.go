package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

const (
	invoiceStatusPaid    = "PAID"
	invoiceStatusSettled = "SETTLED"
	invoiceStatusExpired = "EXPIRED"
)

type paymentConfirmer interface {
	ConfirmPayment(ctx context.Context, invoiceID string, amount decimal.Decimal) (*models.EscrowPayment, error)
}

// invoiceCallback is the gateway's invoice webhook body as relayed onto
// Pub/Sub.
type invoiceCallback struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

// CallbackConsumer applies gateway invoice callbacks to escrow payments.
type CallbackConsumer struct {
	payments     paymentConfirmer
	subscription *pubsub.Subscriber
	logg         *logger.Logger
}

func NewCallbackConsumer(payments paymentConfirmer, subscription *pubsub.Subscriber, logg *logger.Logger) (*CallbackConsumer, error) {
	if payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("payment callback subscription required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &CallbackConsumer{payments: payments, subscription: subscription, logg: logg}, nil
}

// Run receives callbacks until ctx is canceled.
func (c *CallbackConsumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether the message should be acked. Malformed or
// unprocessable callbacks are acked so they do not redeliver forever.
func (c *CallbackConsumer) handle(ctx context.Context, messageID string, data []byte) bool {
	logCtx := c.logg.WithField(ctx, "message_id", messageID)

	var callback invoiceCallback
	if err := json.Unmarshal(data, &callback); err != nil {
		c.logg.Error(logCtx, "failed to decode invoice callback", err)
		return true
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"invoice_id":     callback.ID,
		"participant_id": callback.ExternalID,
		"invoice_status": callback.Status,
	})

	switch strings.ToUpper(callback.Status) {
	case invoiceStatusPaid, invoiceStatusSettled:
	case invoiceStatusExpired:
		// the escrow-expiry job owns expiration
		c.logg.Debug(logCtx, "invoice expired callback ignored")
		return true
	default:
		c.logg.Info(logCtx, "invoice callback status not handled")
		return true
	}

	payment, err := c.payments.ConfirmPayment(ctx, callback.ID, callback.PaidAmount)
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "confirm payment failed, will retry", err)
			return false
		}
		c.logg.Error(logCtx, "invoice callback rejected", err)
		return true
	}
	c.logg.Info(c.logg.WithField(logCtx, "payment_id", payment.ID.String()), "escrow payment confirmed")
	return true
}
