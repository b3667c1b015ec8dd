package schema

import (
	"bytes"
	"errors"
	"maps"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// MaxPayloadBytes caps the size of an envelope payload.
const MaxPayloadBytes = 1 << 20

var (
	ErrEventIDRequired       = errors.New("event id is required")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrAggregateIDRequired   = errors.New("aggregate id is required")
	ErrCorrelationIDRequired = errors.New("correlation id is required")
	ErrPayloadNotJSON        = errors.New("payload must be valid JSON")
	ErrPayloadTooLarge       = errors.New("payload exceeds maximum allowed size")
)

// Envelope is the canonical wire representation of a domain fact or command.
type Envelope struct {
	EventID       string            `json:"event_id" msgpack:"event_id"`
	EventType     string            `json:"event_type" msgpack:"event_type"`
	AggregateID   string            `json:"aggregate_id" msgpack:"aggregate_id"`
	Sequence      int64             `json:"sequence,omitempty" msgpack:"sequence,omitempty"`
	CorrelationID string            `json:"correlation_id" msgpack:"correlation_id"`
	OccurredAt    time.Time         `json:"occurred_at" msgpack:"occurred_at"`
	Payload       json.RawMessage   `json:"payload" msgpack:"payload"`
	Headers       map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

// NewEnvelope creates a validated envelope. The payload is copied so later
// mutations of the caller's slice do not leak into the envelope.
func NewEnvelope(ids IDGenerator, eventType EventType, aggregateID, correlationID string, payload []byte, occurredAt time.Time) (Envelope, error) {
	env := Envelope{
		EventID:       ids.NewID(),
		EventType:     strings.TrimSpace(string(eventType)),
		AggregateID:   strings.TrimSpace(aggregateID),
		CorrelationID: strings.TrimSpace(correlationID),
		OccurredAt:    occurredAt.UTC(),
		Payload:       bytes.Clone(payload),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewEnvelopeFor marshals payload as JSON and wraps it in a new envelope.
func NewEnvelopeFor(ids IDGenerator, eventType EventType, aggregateID, correlationID string, payload any, occurredAt time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Join(ErrPayloadNotJSON, err)
	}
	return NewEnvelope(ids, eventType, aggregateID, correlationID, raw, occurredAt)
}

// Validate checks the invariants every envelope must hold.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return ErrEventIDRequired
	case e.EventType == "":
		return ErrEventTypeRequired
	case e.AggregateID == "":
		return ErrAggregateIDRequired
	case e.CorrelationID == "":
		return ErrCorrelationIDRequired
	case len(e.Payload) > MaxPayloadBytes:
		return ErrPayloadTooLarge
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return ErrPayloadNotJSON
	}
	return nil
}

// Type returns the typed event type of the envelope.
func (e Envelope) Type() EventType {
	return EventType(e.EventType)
}

// Subject is the bus subject the envelope is published to.
func (e Envelope) Subject() string {
	return e.EventType
}

// WithHeaders returns a copy of the envelope whose headers are merged with h.
func (e Envelope) WithHeaders(h map[string]string) Envelope {
	merged := make(map[string]string, len(e.Headers)+len(h))
	maps.Copy(merged, e.Headers)
	maps.Copy(merged, h)
	e.Headers = merged
	return e
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
