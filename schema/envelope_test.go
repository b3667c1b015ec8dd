package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Valid(t *testing.T) {
	ids := &SequenceGenerator{Prefix: "evt"}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))

	payload := []byte(`{"order_id":"O1"}`)
	env, err := NewEnvelope(ids, OrderCreated, "O1", "saga-1", payload, at)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, "order.created.v1", env.EventType)
	assert.Equal(t, "O1", env.AggregateID)
	assert.Equal(t, "saga-1", env.CorrelationID)
	assert.Equal(t, time.UTC, env.OccurredAt.Location())
	assert.True(t, at.Equal(env.OccurredAt))

	// the envelope owns its payload
	payload[2] = 'X'
	assert.JSONEq(t, `{"order_id":"O1"}`, string(env.Payload))
}

func TestNewEnvelope_Invalid(t *testing.T) {
	ids := &SequenceGenerator{}
	now := time.Now()

	tests := []struct {
		name        string
		eventType   EventType
		aggregate   string
		correlation string
		payload     []byte
		expectedErr error
	}{
		{"missing type", "", "O1", "c", []byte(`{}`), ErrEventTypeRequired},
		{"missing aggregate", OrderCreated, " ", "c", []byte(`{}`), ErrAggregateIDRequired},
		{"missing correlation", OrderCreated, "O1", "", []byte(`{}`), ErrCorrelationIDRequired},
		{"empty payload", OrderCreated, "O1", "c", nil, ErrPayloadNotJSON},
		{"invalid payload", OrderCreated, "O1", "c", []byte(`{not json`), ErrPayloadNotJSON},
		{"oversized payload", OrderCreated, "O1", "c", []byte(`"` + strings.Repeat("a", MaxPayloadBytes) + `"`), ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnvelope(ids, tt.eventType, tt.aggregate, tt.correlation, tt.payload, now)
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestNewEnvelopeFor_DecodesBack(t *testing.T) {
	in := OrderCreatedPayload{
		OrderID:    "O1",
		CustomerID: "C1",
		Items:      []LineItem{{ProductID: "P1", Quantity: 2}},
		Total:      decimal.RequireFromString("19.90"),
	}
	env, err := NewEnvelopeFor(&SequenceGenerator{}, OrderCreated, "O1", "O1", in, time.Now())
	require.NoError(t, err)

	var out OrderCreatedPayload
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, in.Items, out.Items)
	assert.True(t, in.Total.Equal(out.Total))

	orderID, err := OrderIDOf(env)
	require.NoError(t, err)
	assert.Equal(t, "O1", orderID)
}

func TestNewEnvelopeFor_UnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelopeFor(&SequenceGenerator{}, OrderCreated, "O1", "O1", map[string]any{"ch": make(chan int)}, time.Now())
	assert.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestDecode_TypedPayload(t *testing.T) {
	env := Envelope{Payload: []byte(`{"order_id":42}`)}
	_, err := OrderIDOf(env)
	assert.Error(t, err, "order id must be a string")

	var out OrderCreatedPayload
	env.Payload = []byte(`{"order_id":"O1","items":[{"product_id":"P1","quantity":3}],"total":"7.50"}`)
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, int32(3), out.Items[0].Quantity)
	assert.Equal(t, "7.5", out.Total.String())
}

func TestWithHeaders_DoesNotMutateOriginal(t *testing.T) {
	env := Envelope{Headers: map[string]string{"a": "1"}}
	merged := env.WithHeaders(map[string]string{"b": "2"})

	assert.Equal(t, map[string]string{"a": "1"}, env.Headers)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Headers)
}

func TestEventTypeKind(t *testing.T) {
	assert.Equal(t, KindFact, OrderCreated.Kind())
	assert.Equal(t, KindCommand, ReleaseInventory.Kind())
	assert.Equal(t, KindSynthetic, SagaTimeout.Kind())
	assert.False(t, EventType("shipment.created.v1").Known())
	for _, f := range Facts() {
		assert.Equal(t, KindFact, f.Kind(), f)
	}
}
