package orderservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

func TestBulkCreate(t *testing.T) {
	sessionID := uuid.New()
	participants := []ParticipantOrder{
		{ParticipantID: uuid.New(), UserID: uuid.New(), Quantity: 2, UnitPrice: decimal.NewFromInt(1000)},
		{ParticipantID: uuid.New(), UserID: uuid.New(), Quantity: 1, UnitPrice: decimal.NewFromInt(1000)},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/bulk" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != sessionID.String() {
			t.Errorf("missing idempotency key")
		}
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing api key")
		}
		var req BulkCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		result := BulkCreateResult{OrdersCreated: len(req.Participants)}
		for _, p := range req.Participants {
			result.Orders = append(result.Orders, CreatedOrder{ParticipantID: p.ParticipantID, OrderID: uuid.New()})
		}
		_ = json.NewEncoder(w).Encode(result)
	}))
	defer server.Close()

	client, err := NewClient(config.OrderServiceConfig{BaseURL: server.URL, APIKey: "key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := client.BulkCreate(context.Background(), BulkCreateRequest{SessionID: sessionID, Participants: participants})
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if result.OrdersCreated != 2 || result.Orders[0].ParticipantID != participants[0].ParticipantID {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBulkCreatePartialResultIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orders_created":0,"orders":[]}`)
	}))
	defer server.Close()

	client, _ := NewClient(config.OrderServiceConfig{BaseURL: server.URL})
	_, err := client.BulkCreate(context.Background(), BulkCreateRequest{
		SessionID:    uuid.New(),
		Participants: []ParticipantOrder{{ParticipantID: uuid.New(), Quantity: 1}},
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestBulkCreateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := NewClient(config.OrderServiceConfig{BaseURL: server.URL})
	_, err := client.BulkCreate(context.Background(), BulkCreateRequest{
		SessionID:    uuid.New(),
		Participants: []ParticipantOrder{{ParticipantID: uuid.New(), Quantity: 1}},
	})
	if err == nil || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
