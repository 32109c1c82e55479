package registry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestEventRegistry(t)

	participantID := uuid.New()
	payloadBytes := mustMarshal(t, payloads.ParticipantJoinedEvent{
		SessionID:     uuid.New(),
		ParticipantID: participantID,
		UserID:        uuid.New(),
		Quantity:      3,
		TotalPrice:    decimal.NewFromInt(30000),
		PaymentID:     uuid.New(),
	})

	event := models.OutboxEvent{
		EventType:     enums.EventParticipantJoined,
		AggregateType: enums.AggregateParticipant,
		AggregateID:   participantID,
		Payload:       mustEnvelope(t, payloadBytes),
	}

	resolved, err := reg.Resolve(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Descriptor.Topic != "sessions-topic" {
		t.Fatalf("unexpected topic %q", resolved.Descriptor.Topic)
	}
	payload, ok := resolved.Payload.(*payloads.ParticipantJoinedEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", resolved.Payload)
	}
	if payload.ParticipantID != participantID || payload.Quantity != 3 {
		t.Fatalf("payload mismatch %+v", payload)
	}
	if !payload.TotalPrice.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("unexpected total %s", payload.TotalPrice)
	}
	if resolved.Envelope.EventID == "" {
		t.Fatalf("envelope missing event id")
	}
}

func TestEventRegistryRoutesTopics(t *testing.T) {
	reg := newTestEventRegistry(t)
	cases := map[enums.OutboxEventType]string{
		enums.EventSessionStatusChanged: "sessions-topic",
		enums.EventRefundIssued:         "payments-topic",
		enums.EventEscrowReleased:       "payments-topic",
		enums.EventPurchaseOrderCreated: "procurement-topic",
		enums.EventBackorderDetected:    "procurement-topic",
		enums.EventEscrowRollbackFailed: "alerts-topic",
	}
	for eventType, topic := range cases {
		desc, ok := reg.Descriptor(eventType)
		if !ok {
			t.Fatalf("%s not registered", eventType)
		}
		if desc.Topic != topic {
			t.Fatalf("%s routed to %s, want %s", eventType, desc.Topic, topic)
		}
	}
}

func TestEventRegistryResolveAggregateMismatch(t *testing.T) {
	reg := newTestEventRegistry(t)

	event := models.OutboxEvent{
		EventType:     enums.EventRefundIssued,
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelope(t, []byte(`{"payment_id":"00000000-0000-0000-0000-000000000000"}`)),
	}

	_, err := reg.Resolve(event)
	var nonRetry NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestEventRegistryResolveMissingAggregateID(t *testing.T) {
	reg := newTestEventRegistry(t)

	event := models.OutboxEvent{
		EventType:     enums.EventSessionCreated,
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.Nil,
		Payload:       mustEnvelope(t, []byte(`{}`)),
	}

	_, err := reg.Resolve(event)
	var nonRetry NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestEventRegistryResolveNullPayload(t *testing.T) {
	reg := newTestEventRegistry(t)

	event := models.OutboxEvent{
		EventType:     enums.EventSessionCreated,
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelope(t, []byte("null")),
	}

	_, err := reg.Resolve(event)
	var nonRetry NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestEventRegistryResolveMissingEventID(t *testing.T) {
	reg := newTestEventRegistry(t)

	payload, err := json.Marshal(outbox.PayloadEnvelope{Version: 1, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	event := models.OutboxEvent{
		EventType:     enums.EventSessionCreated,
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.New(),
		Payload:       payload,
	}

	_, err = reg.Resolve(event)
	var nonRetry NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestEventRegistryRejectsUnknownEventType(t *testing.T) {
	reg := newTestEventRegistry(t)

	_, err := reg.Resolve(models.OutboxEvent{
		EventType:     enums.OutboxEventType("mystery"),
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelope(t, []byte(`{}`)),
	})
	if err == nil || !strings.Contains(err.Error(), "unsupported event type") {
		t.Fatalf("expected unsupported event type error, got %v", err)
	}
}

func TestNewEventRegistryRequiresTopics(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{SessionsTopic: "s"})
	if err == nil {
		t.Fatal("expected error when topics are missing")
	}
	for _, name := range []string{"payments", "procurement", "alerts"} {
		if !strings.Contains(err.Error(), name+" topic is required") {
			t.Fatalf("expected %s in error, got %v", name, err)
		}
	}
}

func newTestEventRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	cfg := config.PubSubConfig{
		SessionsTopic:    "sessions-topic",
		PaymentsTopic:    "payments-topic",
		ProcurementTopic: "procurement-topic",
		AlertsTopic:      "alerts-topic",
	}
	reg, err := NewEventRegistry(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func mustEnvelope(t *testing.T, payload []byte) datatypes.JSON {
	t.Helper()
	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}
