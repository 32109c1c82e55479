package paymentgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(config.PaymentGatewayConfig{BaseURL: server.URL, SecretKey: "sk_test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateInvoice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/invoices" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != "sk_test" {
			t.Errorf("missing basic auth")
		}
		if r.Header.Get(idempotencyKeyHeader) != "participant-1" {
			t.Errorf("idempotency key not forwarded")
		}
		var body invoicePayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.ExternalID != "participant-1" || !body.IsEscrow || body.InvoiceDuration != 86400 {
			t.Errorf("unexpected payload %+v", body)
		}
		if !body.Amount.Equal(decimal.NewFromInt(150000)) {
			t.Errorf("unexpected amount %s", body.Amount)
		}
		_, _ = w.Write([]byte(`{"id":"inv_1","invoice_url":"https://pay.test/inv_1","status":"PENDING","expiry_date":"2026-03-02T10:00:00Z"}`))
	})

	invoice, err := client.CreateInvoice(context.Background(), InvoiceRequest{
		ExternalID: "participant-1",
		Amount:     decimal.NewFromInt(150000),
		Duration:   24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.ID != "inv_1" || invoice.InvoiceURL != "https://pay.test/inv_1" {
		t.Fatalf("unexpected invoice %+v", invoice)
	}
	if invoice.ExpiresAt == nil || invoice.ExpiresAt.Day() != 2 {
		t.Fatalf("expiry not parsed: %+v", invoice.ExpiresAt)
	}
}

func TestCreateInvoiceClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   pkgerrors.Kind
		retry  bool
	}{
		{"rejected", http.StatusBadRequest, pkgerrors.KindGatewayRejected, false},
		{"throttled", http.StatusTooManyRequests, pkgerrors.KindGatewayUnavailable, true},
		{"unavailable", http.StatusBadGateway, pkgerrors.KindGatewayUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error_code":"X"}`))
			})
			_, err := client.CreateInvoice(context.Background(), InvoiceRequest{
				ExternalID: "p",
				Amount:     decimal.NewFromInt(1),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := pkgerrors.KindOf(err); got != tc.kind {
				t.Fatalf("kind = %s, want %s", got, tc.kind)
			}
			if got := pkgerrors.IsRetryable(err); got != tc.retry {
				t.Fatalf("retryable = %v, want %v", got, tc.retry)
			}
		})
	}
}

func TestCreateInvoiceValidatesInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := client.CreateInvoice(context.Background(), InvoiceRequest{ExternalID: "p", Amount: decimal.Zero})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRefundInvoice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/refunds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(idempotencyKeyHeader) != "refund-inv_9" {
			t.Errorf("unexpected idempotency key %q", r.Header.Get(idempotencyKeyHeader))
		}
		_, _ = w.Write([]byte(`{"id":"rf_1","status":"SUCCEEDED"}`))
	})
	refund, err := client.RefundInvoice(context.Background(), "inv_9", decimal.NewFromInt(5000), "session_failed")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.ID != "rf_1" {
		t.Fatalf("unexpected refund %+v", refund)
	}
}

func TestNewClientRequiresConfig(t *testing.T) {
	if _, err := NewClient(config.PaymentGatewayConfig{SecretKey: "x"}); err == nil {
		t.Fatal("expected base url error")
	}
	if _, err := NewClient(config.PaymentGatewayConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected secret key error")
	}
}
