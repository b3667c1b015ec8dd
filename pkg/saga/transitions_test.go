package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-fulfillment/schema"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		from       Step
		event      schema.EventType
		next       Step
		status     Status
		commands   []schema.EventType
		compensate bool
	}{
		{StepStarted, schema.InventoryReserved, StepInventoryReserved, StatusRunning, []schema.EventType{schema.RequestPayment}, false},
		{StepStarted, schema.InventoryFailed, StepCompensating, StatusCompensating, []schema.EventType{schema.CancelOrder}, true},
		{StepInventoryReserved, schema.PaymentConfirmed, StepPaymentConfirmed, StatusRunning, []schema.EventType{schema.ConfirmOrder}, false},
		{StepInventoryReserved, schema.PaymentFailed, StepCompensating, StatusCompensating, []schema.EventType{schema.ReleaseInventory, schema.CancelOrder}, true},
		{StepInventoryReserved, schema.SagaTimeout, StepCompensating, StatusCompensating, []schema.EventType{schema.ReleaseInventory, schema.CancelOrder}, true},
		{StepPaymentConfirmed, schema.OrderConfirmed, StepOrderConfirmed, StatusCompleted, nil, false},
		{StepPaymentConfirmed, schema.OrderConfirmationFailed, StepCompensating, StatusCompensating, []schema.EventType{schema.RefundPayment, schema.ReleaseInventory, schema.CancelOrder}, true},
		{StepCompensating, schema.SagaTimeout, StepFailed, StatusFailed, nil, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event.String(), func(t *testing.T) {
			got, err := lookup(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.next, got.next)
			assert.Equal(t, tt.status, got.status)
			assert.Equal(t, tt.commands, got.commands)
			assert.Equal(t, tt.compensate, got.compensate)
		})
	}
}

func TestLookup_Invalid(t *testing.T) {
	for _, tc := range []struct {
		from  Step
		event schema.EventType
	}{
		{StepStarted, schema.PaymentConfirmed},
		{StepInventoryReserved, schema.InventoryReserved},
		{StepOrderConfirmed, schema.SagaTimeout},
		{StepFailed, schema.PaymentFailed},
		{StepCompensating, schema.PaymentFailed},
	} {
		_, err := lookup(tc.from, tc.event)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", tc.from, tc.event)
	}
}

func TestInstance_SeenAndClone(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inst := &Instance{SagaID: "s", UpdatedAt: at}
	assert.Equal(t, at, inst.LastTransitionAt())

	inst.record(StepStarted, EntryAdvanced, schema.Envelope{EventID: "e1", EventType: "order.created.v1"}, at.Add(time.Minute))
	assert.True(t, inst.Seen("e1"))
	assert.False(t, inst.Seen("e2"))
	assert.Equal(t, at.Add(time.Minute), inst.LastTransitionAt())

	clone := inst.Clone()
	clone.History[0].EventID = "changed"
	assert.Equal(t, "e1", inst.History[0].EventID)
}

func TestDeadlines_DueInOrder(t *testing.T) {
	d := newDeadlines()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.arm("b", "O2", base.Add(2*time.Second))
	d.arm("a", "O1", base.Add(time.Second))
	d.arm("c", "O3", base.Add(time.Hour))

	due := d.due(base.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].sagaID)
	assert.Equal(t, "b", due[1].sagaID)

	d.clear("a")
	_, ok := d.get("a")
	assert.False(t, ok)
	assert.Len(t, d.due(base.Add(2*time.Second)), 1)
}

func TestDeadlines_ExtendKeepsLaterDeadline(t *testing.T) {
	d := newDeadlines()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d.extend("a", "O1", base)
	at, ok := d.get("a")
	require.True(t, ok)
	assert.Equal(t, base, at)

	d.arm("a", "O1", base.Add(time.Minute))
	d.extend("a", "O1", base.Add(time.Second))
	at, _ = d.get("a")
	assert.Equal(t, base.Add(time.Minute), at)

	d.extend("a", "O1", base.Add(time.Hour))
	at, _ = d.get("a")
	assert.Equal(t, base.Add(time.Hour), at)
}

func TestAbsorb(t *testing.T) {
	var f Facts
	env := schema.Envelope{EventType: string(schema.PaymentFailed), Payload: []byte(`{"order_id":"O1","payment_id":"P1","amount":"0"}`)}
	require.NoError(t, absorb(&f, env, StepInventoryReserved))
	assert.Equal(t, "P1", f.PaymentID)
	assert.Equal(t, "payment.failed.v1", f.Reason)

	require.NoError(t, absorb(&f, schema.Envelope{EventType: string(schema.SagaTimeout)}, StepPaymentConfirmed))
	assert.Equal(t, "saga step timed out in PAYMENT_CONFIRMED", f.Reason)

	err := absorb(&f, schema.Envelope{EventType: string(schema.InventoryReserved), Payload: []byte(`[1]`)}, StepStarted)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
