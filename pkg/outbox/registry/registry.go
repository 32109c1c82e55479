// Package registry maps outbox event types to the topic they publish on and the typed
// payload their envelope carries.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/payloads"
)

type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

// ResolvedEvent is an outbox row after validation, with its envelope and payload decoded.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks a row that can never publish as stored.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func payloadOf[T any]() func() any {
	return func() any { return new(T) }
}

// route binds event types sharing an aggregate and payload shape to one topic.
type route struct {
	topic     string
	aggregate enums.OutboxAggregateType
	payload   func() any
	events    []enums.OutboxEventType
}

// NewEventRegistry builds the registry from the configured topic names. Every topic
// is required.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	var missing error
	for name, topic := range map[string]string{
		"sessions":    cfg.SessionsTopic,
		"payments":    cfg.PaymentsTopic,
		"procurement": cfg.ProcurementTopic,
		"alerts":      cfg.AlertsTopic,
	} {
		if topic == "" {
			missing = multierr.Append(missing, fmt.Errorf("%s topic is required", name))
		}
	}
	if missing != nil {
		return nil, missing
	}

	routes := []route{
		{cfg.SessionsTopic, enums.AggregateSession, payloadOf[payloads.SessionCreatedEvent](), []enums.OutboxEventType{enums.EventSessionCreated}},
		{cfg.SessionsTopic, enums.AggregateSession, payloadOf[payloads.SessionStatusChangedEvent](), []enums.OutboxEventType{enums.EventSessionStatusChanged}},
		{cfg.SessionsTopic, enums.AggregateParticipant, payloadOf[payloads.ParticipantJoinedEvent](), []enums.OutboxEventType{enums.EventParticipantJoined}},
		{cfg.SessionsTopic, enums.AggregateParticipant, payloadOf[payloads.ParticipantLeftEvent](), []enums.OutboxEventType{enums.EventParticipantLeft}},
		{cfg.PaymentsTopic, enums.AggregateEscrowPayment, payloadOf[payloads.PaymentEvent](), []enums.OutboxEventType{
			enums.EventPaymentReceived,
			enums.EventEscrowReleased,
			enums.EventRefundIssued,
			enums.EventPaymentExpired,
		}},
		{cfg.ProcurementTopic, enums.AggregatePurchaseOrder, payloadOf[payloads.PurchaseOrderEvent](), []enums.OutboxEventType{
			enums.EventPurchaseOrderCreated,
			enums.EventPurchaseOrderReceived,
		}},
		{cfg.ProcurementTopic, enums.AggregateSession, payloadOf[payloads.BackorderDetectedEvent](), []enums.OutboxEventType{enums.EventBackorderDetected}},
		{cfg.AlertsTopic, enums.AggregateParticipant, payloadOf[payloads.EscrowRollbackFailedEvent](), []enums.OutboxEventType{enums.EventEscrowRollbackFailed}},
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, r := range routes {
		for _, eventType := range r.events {
			if _, dup := reg.entries[eventType]; dup {
				return nil, fmt.Errorf("event type %s routed twice", eventType)
			}
			reg.entries[eventType] = EventDescriptor{
				EventType:      eventType,
				AggregateType:  r.aggregate,
				Topic:          r.topic,
				PayloadFactory: r.payload,
			}
		}
	}
	return reg, nil
}

// Descriptor returns the route for an event type.
func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve validates the row against its route and decodes the typed payload. Every
// failure is a NonRetryableError.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	resolved, err := r.resolve(event)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	return resolved, nil
}

func (r *EventRegistry) resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.Descriptor(event.EventType)
	switch {
	case !ok:
		return nil, fmt.Errorf("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, errors.New("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.EventID == "" {
		return nil, errors.New("envelope missing event id")
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("payload missing for %s", event.EventType)
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
