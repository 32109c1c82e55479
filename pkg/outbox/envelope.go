package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorRef identifies who produced the event. Background jobs set only Source.
type ActorRef struct {
	UserID *uuid.UUID `json:"userId,omitempty"`
	Source string     `json:"source,omitempty"`
}

// UserActor builds an actor for a buyer-initiated action.
func UserActor(userID uuid.UUID, source string) *ActorRef {
	return &ActorRef{UserID: &userID, Source: source}
}

// SystemActor builds an actor for a worker-initiated action.
func SystemActor(source string) *ActorRef {
	return &ActorRef{Source: source}
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
