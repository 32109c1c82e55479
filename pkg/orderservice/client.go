package orderservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

const (
	defaultTimeout             = 10 * time.Second
	bulkCreatePath             = "orders/bulk"
	requestBodyReadLimit int64 = 1024
)

var errBaseURLRequired = errors.New("order service base url is required")

// Client creates buyer orders for confirmed sessions.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewClient(cfg config.OrderServiceConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// ParticipantOrder is one participant to convert into a buyer order.
type ParticipantOrder struct {
	ParticipantID uuid.UUID       `json:"participant_id"`
	UserID        uuid.UUID       `json:"user_id"`
	VariantID     *uuid.UUID      `json:"variant_id,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
}

// BulkCreateRequest converts every participant of a session at once.
type BulkCreateRequest struct {
	SessionID    uuid.UUID          `json:"session_id"`
	ProductID    uuid.UUID          `json:"product_id"`
	Participants []ParticipantOrder `json:"participants"`
}

// CreatedOrder links a participant to the order created for it.
type CreatedOrder struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	OrderID       uuid.UUID `json:"order_id"`
}

// BulkCreateResult is the order service response.
type BulkCreateResult struct {
	OrdersCreated int            `json:"orders_created"`
	Orders        []CreatedOrder `json:"orders"`
}

// BulkCreate is idempotent per session; the session id is sent as idempotency key.
func (c *Client) BulkCreate(ctx context.Context, req BulkCreateRequest) (*BulkCreateResult, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "order service client not configured")
	}
	if req.SessionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	if len(req.Participants) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one participant is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal bulk create request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.baseURL, bulkCreatePath), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build bulk create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SessionID.String())
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute bulk create request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, requestBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "bulk create request failed")
	}

	var result BulkCreateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode bulk create response")
	}
	if result.OrdersCreated != len(req.Participants) || len(result.Orders) != len(req.Participants) {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("order service created %d of %d orders", result.OrdersCreated, len(req.Participants)))
	}
	return &result, nil
}
