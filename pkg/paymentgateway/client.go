package paymentgateway

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

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

const (
	defaultTimeout              = 10 * time.Second
	defaultCurrency             = "IDR"
	requestBodyReadLimit  int64 = 1024
	idempotencyKeyHeader        = "X-Idempotency-Key"
)

var (
	errBaseURLRequired   = errors.New("payment gateway base url is required")
	errSecretKeyRequired = errors.New("payment gateway secret key is required")
)

// Client talks to the invoice-based escrow gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
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

// NewClient builds the gateway client from config.
func NewClient(cfg config.PaymentGatewayConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errSecretKeyRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		secretKey:  secret,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// InvoiceRequest describes an escrow invoice for one participant.
type InvoiceRequest struct {
	// ExternalID must be stable across retries; the gateway dedupes on it.
	ExternalID         string
	Amount             decimal.Decimal
	PayerID            string
	Description        string
	Currency           string
	Duration           time.Duration
	SuccessRedirectURL string
}

// Invoice is the gateway's view of a created invoice.
type Invoice struct {
	ID         string
	InvoiceURL string
	Status     string
	ExpiresAt  *time.Time
}

// Refund is the gateway's acknowledgement of a refund request.
type Refund struct {
	ID     string
	Status string
}

type invoicePayload struct {
	ExternalID         string          `json:"external_id"`
	Amount             decimal.Decimal `json:"amount"`
	PayerID            string          `json:"payer_id,omitempty"`
	Description        string          `json:"description"`
	Currency           string          `json:"currency"`
	InvoiceDuration    int64           `json:"invoice_duration,omitempty"`
	SuccessRedirectURL string          `json:"success_redirect_url,omitempty"`
	IsEscrow           bool            `json:"is_escrow"`
}

// CreateInvoice opens an escrow invoice. 4xx responses are tagged
// gateway_rejected; transport errors and 5xx are gateway_unavailable.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway client not configured")
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice external id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice amount must be positive")
	}
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	payload := invoicePayload{
		ExternalID:         req.ExternalID,
		Amount:             req.Amount,
		PayerID:            req.PayerID,
		Description:        req.Description,
		Currency:           currency,
		InvoiceDuration:    int64(req.Duration / time.Second),
		SuccessRedirectURL: req.SuccessRedirectURL,
		IsEscrow:           true,
	}

	var apiResp struct {
		ID         string     `json:"id"`
		InvoiceURL string     `json:"invoice_url"`
		Status     string     `json:"status"`
		ExpiryDate *time.Time `json:"expiry_date"`
	}
	if err := c.post(ctx, "v2/invoices", req.ExternalID, payload, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.ID == "" || apiResp.InvoiceURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway returned incomplete invoice").WithKind(pkgerrors.KindGatewayUnavailable)
	}
	return &Invoice{
		ID:         apiResp.ID,
		InvoiceURL: apiResp.InvoiceURL,
		Status:     apiResp.Status,
		ExpiresAt:  apiResp.ExpiryDate,
	}, nil
}

// RefundInvoice returns the paid amount of an invoice to the payer.
func (c *Client) RefundInvoice(ctx context.Context, invoiceID string, amount decimal.Decimal, reason string) (*Refund, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway client not configured")
	}
	if strings.TrimSpace(invoiceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id is required")
	}
	payload := struct {
		InvoiceID string          `json:"invoice_id"`
		Amount    decimal.Decimal `json:"amount"`
		Reason    string          `json:"reason,omitempty"`
	}{InvoiceID: invoiceID, Amount: amount, Reason: reason}

	var apiResp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "refunds", "refund-"+invoiceID, payload, &apiResp); err != nil {
		return nil, err
	}
	return &Refund{ID: apiResp.ID, Status: apiResp.Status}, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal gateway request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build gateway request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(idempotencyKeyHeader, idempotencyKey)
	httpReq.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute gateway request").WithKind(pkgerrors.KindGatewayUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, requestBodyReadLimit))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		kind := pkgerrors.KindGatewayUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = pkgerrors.KindGatewayRejected
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, statusErr, "gateway request failed").WithKind(kind)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode gateway response").WithKind(pkgerrors.KindGatewayUnavailable)
	}
	return nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(path, "/"))
}
