package saga_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/processor"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/sagastore"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const (
	orderID = "O1"
	sagaID  = "saga-O1"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	store *sagastore.Memory
	orch  *saga.Orchestrator
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, store: sagastore.NewMemory(nil), now: base}
	h.orch = h.orchestrator()
	return h
}

func (h *harness) orchestrator() *saga.Orchestrator {
	return saga.NewOrchestrator(h.store, saga.Options{
		StepTimeout: time.Minute,
		IDs:         &schema.SequenceGenerator{Prefix: "cmd"},
		Now:         func() time.Time { return h.now },
	}, zap.NewNop())
}

func fact(t *testing.T, eventID string, eventType schema.EventType, payload any) schema.Envelope {
	t.Helper()
	env, err := schema.NewEnvelopeFor(&schema.SequenceGenerator{}, eventType, orderID, sagaID, payload, base)
	require.NoError(t, err)
	env.EventID = eventID
	return env
}

func orderCreated(t *testing.T) schema.Envelope {
	return fact(t, "evt-created", schema.OrderCreated, schema.OrderCreatedPayload{
		OrderID:    orderID,
		CustomerID: "C1",
		Items:      []schema.LineItem{{ProductID: "P1", Quantity: 2}},
		Total:      decimal.RequireFromString("42.50"),
	})
}

func inventoryReserved(t *testing.T) schema.Envelope {
	return fact(t, "evt-reserved", schema.InventoryReserved, schema.InventoryResultPayload{OrderID: orderID, ReservationID: "R1"})
}

func paymentConfirmed(t *testing.T) schema.Envelope {
	return fact(t, "evt-paid", schema.PaymentConfirmed, schema.PaymentResultPayload{
		OrderID: orderID, PaymentID: "PAY1", Amount: decimal.RequireFromString("42.50"),
	})
}

func (h *harness) apply(env schema.Envelope) saga.Outcome {
	h.t.Helper()
	outcome, err := h.orch.Apply(context.Background(), env)
	require.NoError(h.t, err)
	return outcome
}

func (h *harness) load() *saga.Instance {
	h.t.Helper()
	inst, err := h.store.Load(context.Background(), sagaID)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) commandTypes() []string {
	var out []string
	for _, row := range h.store.Outbox().Rows() {
		out = append(out, row.EventType)
	}
	return out
}

func (h *harness) commands() []store.OutboxRow {
	return h.store.Outbox().Rows()
}

func historyOutcomes(inst *saga.Instance) []string {
	var out []string
	for _, e := range inst.History {
		out = append(out, e.Outcome)
	}
	return out
}

func TestApply_OrderCreatedStartsSaga(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, saga.OutcomeAdvanced, h.apply(orderCreated(t)))

	inst := h.load()
	assert.Equal(t, saga.StepStarted, inst.CurrentStep)
	assert.Equal(t, saga.StatusRunning, inst.Status)
	assert.Equal(t, int64(1), inst.Version)
	assert.Equal(t, orderID, inst.OrderID)
	assert.True(t, inst.Seen("evt-created"))

	cmds := h.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "inventory.reserve.v1", cmds[0].EventType)
	assert.Equal(t, orderID, cmds[0].AggregateID)
	assert.Equal(t, sagaID, cmds[0].CorrelationID)

	var payload schema.OrderCommandPayload
	require.NoError(t, cmds[0].Decode(&payload))
	assert.Equal(t, "C1", payload.CustomerID)
	assert.True(t, decimal.RequireFromString("42.50").Equal(payload.Amount))
	assert.Equal(t, []schema.LineItem{{ProductID: "P1", Quantity: 2}}, payload.Items)

	deadline, ok := h.orch.Deadline(sagaID)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), deadline)
}

func TestApply_InventoryReservedRequestsPayment(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.now = base.Add(10 * time.Second)

	assert.Equal(t, saga.OutcomeAdvanced, h.apply(inventoryReserved(t)))

	inst := h.load()
	assert.Equal(t, saga.StepInventoryReserved, inst.CurrentStep)
	assert.Equal(t, int64(2), inst.Version)
	assert.Equal(t, "R1", inst.Facts.ReservationID)
	assert.Equal(t, []string{"inventory.reserve.v1", "payment.request.v1"}, h.commandTypes())

	var payload schema.OrderCommandPayload
	require.NoError(t, h.commands()[1].Decode(&payload))
	assert.Equal(t, "R1", payload.ReservationID)

	deadline, _ := h.orch.Deadline(sagaID)
	assert.Equal(t, h.now.Add(time.Minute), deadline)
}

func TestApply_PaymentFailedCompensates(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))

	failed := fact(t, "evt-declined", schema.PaymentFailed, schema.PaymentResultPayload{OrderID: orderID, Reason: "card declined"})
	assert.Equal(t, saga.OutcomeAdvanced, h.apply(failed))

	inst := h.load()
	assert.Equal(t, saga.StepFailed, inst.CurrentStep)
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Equal(t, int64(4), inst.Version)
	assert.Equal(t, "card declined", inst.Facts.Reason)
	assert.Equal(t,
		[]string{saga.EntryAdvanced, saga.EntryAdvanced, saga.EntryCompensating, saga.EntryFailed},
		historyOutcomes(inst))
	assert.Equal(t,
		[]string{"inventory.reserve.v1", "payment.request.v1", "inventory.release.v1", "order.cancel.v1"},
		h.commandTypes())

	_, armed := h.orch.Deadline(sagaID)
	assert.False(t, armed)
}

func TestApply_ConfirmationFailedRefundsFirst(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))
	h.apply(paymentConfirmed(t))

	h.apply(fact(t, "evt-unconfirmed", schema.OrderConfirmationFailed, schema.OrderResultPayload{OrderID: orderID}))

	inst := h.load()
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Equal(t, []string{
		"inventory.reserve.v1", "payment.request.v1", "order.confirm.v1",
		"payment.refund.v1", "inventory.release.v1", "order.cancel.v1",
	}, h.commandTypes())

	var refund schema.OrderCommandPayload
	require.NoError(t, h.commands()[3].Decode(&refund))
	assert.Equal(t, "PAY1", refund.PaymentID)
	assert.Equal(t, "order.confirmation_failed.v1", refund.Reason)
}

func TestApply_OrderConfirmedCompletes(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))
	h.apply(paymentConfirmed(t))
	h.apply(fact(t, "evt-confirmed", schema.OrderConfirmed, schema.OrderResultPayload{OrderID: orderID}))

	inst := h.load()
	assert.Equal(t, saga.StepOrderConfirmed, inst.CurrentStep)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Len(t, h.commands(), 3)

	_, armed := h.orch.Deadline(sagaID)
	assert.False(t, armed)

	// nothing moves a finished saga
	_, err := h.orch.Apply(context.Background(), fact(t, "evt-late", schema.PaymentFailed, schema.PaymentResultPayload{OrderID: orderID}))
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
	assert.Equal(t, int64(4), h.load().Version)
}

func TestApply_DuplicateEventIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))

	assert.Equal(t, saga.OutcomeDuplicate, h.apply(inventoryReserved(t)))
	assert.Equal(t, saga.OutcomeDuplicate, h.apply(orderCreated(t)))

	assert.Equal(t, int64(2), h.load().Version)
	assert.Equal(t, []string{"inventory.reserve.v1", "payment.request.v1"}, h.commandTypes())
}

func TestApply_InvalidTransition(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	outcome, err := h.orch.Apply(context.Background(), paymentConfirmed(t))
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
	assert.Equal(t, saga.OutcomeRejected, outcome)

	// the bus handler drops it so the transport does not redeliver
	assert.NoError(t, h.orch.OnEvent(context.Background(), paymentConfirmed(t)))
	assert.Equal(t, int64(1), h.load().Version)
	assert.Len(t, h.commands(), 1)
}

func TestApply_EventForUnknownSaga(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Apply(context.Background(), inventoryReserved(t))
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
	assert.NoError(t, h.orch.OnEvent(context.Background(), inventoryReserved(t)))

	_, err = h.store.Load(context.Background(), sagaID)
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func TestApply_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	bad := inventoryReserved(t)
	bad.Payload = []byte(`"not an object"`)
	_, err := h.orch.Apply(context.Background(), bad)
	assert.ErrorIs(t, err, saga.ErrInvalidPayload)
	assert.NoError(t, h.orch.OnEvent(context.Background(), bad))

	_, err = h.orch.Apply(context.Background(), schema.Envelope{EventType: string(schema.OrderCreated)})
	assert.ErrorIs(t, err, saga.ErrInvalidPayload)
}

func TestApply_RejectsFactForAnotherOrder(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	stray := fact(t, "evt-stray", schema.InventoryReserved, schema.InventoryResultPayload{OrderID: "O2", ReservationID: "R9"})
	outcome, err := h.orch.Apply(context.Background(), stray)
	assert.ErrorIs(t, err, saga.ErrInvalidPayload)
	assert.Equal(t, saga.OutcomeRejected, outcome)

	inst := h.load()
	assert.Equal(t, saga.StepStarted, inst.CurrentStep)
	assert.Empty(t, inst.Facts.ReservationID)
	assert.NoError(t, h.orch.OnEvent(context.Background(), stray))
}

func TestApply_RetriesOnceOnVersionConflict(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	var conflicts atomic.Int32
	h.store.SaveHook = func(_ *saga.Instance, expected int64) error {
		if expected == 1 && conflicts.Add(1) == 1 {
			return saga.ErrVersionConflict
		}
		return nil
	}

	assert.Equal(t, saga.OutcomeAdvanced, h.apply(inventoryReserved(t)))
	assert.Equal(t, int32(2), conflicts.Load())
	assert.Equal(t, int64(2), h.load().Version)
	assert.Len(t, h.commands(), 2)
}

func TestApply_PersistentConflictIsReturned(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.store.SaveHook = func(*saga.Instance, int64) error { return saga.ErrVersionConflict }

	err := h.orch.OnEvent(context.Background(), inventoryReserved(t))
	assert.ErrorIs(t, err, saga.ErrVersionConflict)
	assert.Equal(t, int64(1), h.load().Version)
}

func TestSweep_TimesOutStalledStep(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))
	ctx := context.Background()

	n, err := h.orch.Sweep(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = base.Add(2 * time.Minute)
	n, err = h.orch.Sweep(ctx, h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := h.load()
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Contains(t, historyOutcomes(inst), saga.EntryCompensating)
	assert.Equal(t, "saga step timed out in INVENTORY_RESERVED", inst.Facts.Reason)
	assert.Equal(t,
		[]string{"inventory.reserve.v1", "payment.request.v1", "inventory.release.v1", "order.cancel.v1"},
		h.commandTypes())

	n, err = h.orch.Sweep(ctx, h.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_StaleTimeoutRearms(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	// the timeout was raised for the STARTED deadline but inventory.reserved
	// arrived first
	stale, err := schema.NewEnvelopeFor(&schema.SequenceGenerator{Prefix: "to"}, schema.SagaTimeout, orderID, sagaID,
		schema.OrderResultPayload{OrderID: orderID}, base.Add(time.Minute))
	require.NoError(t, err)
	h.now = base.Add(50 * time.Second)
	h.apply(inventoryReserved(t))

	outcome, err := h.orch.Apply(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, saga.OutcomeRejected, outcome)
	assert.Equal(t, saga.StepInventoryReserved, h.load().CurrentStep)

	deadline, ok := h.orch.Deadline(sagaID)
	require.True(t, ok)
	assert.Equal(t, h.now.Add(time.Minute), deadline)
}

func TestCompensation_SecondWriteLostIsFinishedBySweep(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.apply(inventoryReserved(t))

	var lost atomic.Bool
	h.store.SaveHook = func(inst *saga.Instance, _ int64) error {
		if inst.Status == saga.StatusFailed && lost.CompareAndSwap(false, true) {
			return errors.New("connection reset")
		}
		return nil
	}

	failed := fact(t, "evt-declined", schema.PaymentFailed, schema.PaymentResultPayload{OrderID: orderID})
	_, err := h.orch.Apply(context.Background(), failed)
	require.Error(t, err)

	inst := h.load()
	assert.Equal(t, saga.StatusCompensating, inst.Status)
	assert.Equal(t, saga.StepCompensating, inst.CurrentStep)
	commandsAfterFirstWrite := h.commandTypes()
	assert.Equal(t,
		[]string{"inventory.reserve.v1", "payment.request.v1", "inventory.release.v1", "order.cancel.v1"},
		commandsAfterFirstWrite)

	// a redelivery of the failure does not emit compensation twice
	assert.NoError(t, h.orch.OnEvent(context.Background(), failed))
	assert.Equal(t, saga.StatusCompensating, h.load().Status)

	h.now = base.Add(5 * time.Minute)
	n, err := h.orch.Sweep(context.Background(), h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst = h.load()
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Equal(t, commandsAfterFirstWrite, h.commandTypes())
}

func TestRecover_RearmsRunningSagas(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))
	h.now = base.Add(20 * time.Second)
	h.apply(inventoryReserved(t))

	restarted := h.orchestrator()
	_, armed := restarted.Deadline(sagaID)
	require.False(t, armed)

	require.NoError(t, restarted.Recover(context.Background()))
	deadline, armed := restarted.Deadline(sagaID)
	require.True(t, armed)
	assert.Equal(t, base.Add(20*time.Second+time.Minute), deadline)

	n, err := restarted.Sweep(context.Background(), deadline)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_TimesOutSagaAdvancedByAnotherReplica(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	replicaA, replicaB := h.orch, h.orchestrator()
	require.NoError(t, replicaB.Recover(ctx))

	_, err := replicaA.Apply(ctx, orderCreated(t))
	require.NoError(t, err)
	h.now = base.Add(10 * time.Second)
	_, err = replicaA.Apply(ctx, inventoryReserved(t))
	require.NoError(t, err)

	// replica A goes away; B never saw either transition
	_, armed := replicaB.Deadline(sagaID)
	require.False(t, armed)

	n, err := replicaB.Sweep(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	deadline, armed := replicaB.Deadline(sagaID)
	require.True(t, armed)
	assert.Equal(t, base.Add(10*time.Second+time.Minute), deadline)

	h.now = base.Add(24 * time.Hour)
	n, err = replicaB.Sweep(ctx, h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := h.load()
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Equal(t, "saga step timed out in INVENTORY_RESERVED", inst.Facts.Reason)
}

// unlistableStore cannot list sagas, as when the database is unreachable.
type unlistableStore struct {
	*sagastore.Memory
}

func (unlistableStore) ListActive(context.Context) ([]*saga.Instance, error) {
	return nil, errors.New("connection refused")
}

func TestSweep_ListFailureStillSweepsKnownDeadlines(t *testing.T) {
	h := newHarness(t)
	h.apply(orderCreated(t))

	orch := saga.NewOrchestrator(unlistableStore{Memory: h.store}, saga.Options{
		StepTimeout: time.Minute,
		IDs:         &schema.SequenceGenerator{Prefix: "cmd"},
		Now:         func() time.Time { return h.now },
	}, zap.NewNop())
	_, err := orch.Apply(context.Background(), inventoryReserved(t))
	require.NoError(t, err)

	h.now = base.Add(2 * time.Minute)
	n, err := orch.Sweep(context.Background(), h.now)
	assert.ErrorContains(t, err, "list active sagas")
	assert.Equal(t, 1, n)
	assert.Equal(t, saga.StatusFailed, h.load().Status)
}

func TestHandleMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.NoError(t, h.orch.HandleMessage(ctx, broker.Message{Subject: "order.created.v1", Body: []byte("{not json")}))

	body, err := schema.JSONCodec{}.Encode(orderCreated(t))
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleMessage(ctx, broker.Message{Subject: "order.created.v1", ContentType: schema.ContentTypeJSON, Body: body}))
	assert.Equal(t, int64(1), h.load().Version)

	// commands are not facts
	cmd := h.commands()[0].Envelope
	body, err = schema.MsgpackCodec{}.Encode(cmd)
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleMessage(ctx, broker.Message{Subject: cmd.EventType, ContentType: schema.ContentTypeMsgpack, Body: body}))
	assert.Equal(t, int64(1), h.load().Version)
}

func TestRun_ConsumesFactsFromBus(t *testing.T) {
	h := newHarness(t)
	bus := broker.NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, bus) }()

	body, err := schema.JSONCodec{}.Encode(orderCreated(t))
	require.NoError(t, err)
	msg := broker.Message{Subject: "order.created.v1", Key: orderID, ContentType: schema.ContentTypeJSON, Body: body, MessageID: "evt-created"}

	// subscriptions start asynchronously; republishing is harmless since the
	// event id is deduplicated
	assert.Eventually(t, func() bool {
		_ = bus.Publish(ctx, msg)
		_, err := h.store.Load(ctx, sagaID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.load().Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// flakyMarkRepository loses the first MarkPublished, like a relay crashing
// between the broker ack and the status update.
type flakyMarkRepository struct {
	*store.MemoryRepository
	failed atomic.Bool
}

func (r *flakyMarkRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if r.failed.CompareAndSwap(false, true) {
		return errors.New("connection lost")
	}
	return r.MemoryRepository.MarkPublished(ctx, id, at)
}

func TestRelayRedeliveryAdvancesSagaOnce(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	facts := &flakyMarkRepository{MemoryRepository: store.NewMemoryRepository()}
	_, err := facts.InsertAll(ctx, []schema.Envelope{orderCreated(t), inventoryReserved(t)})
	require.NoError(t, err)

	bus := broker.NewMemoryBus(nil)
	var delivered atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, "#", func(ctx context.Context, msg broker.Message) error {
		err := h.orch.HandleMessage(ctx, msg)
		delivered.Add(1)
		return err
	}))

	relay, err := processor.NewOutboxPublisher(facts, bus, nil, processor.Options{}, zap.NewNop())
	require.NoError(t, err)
	_, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	_, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Len(t, bus.Published(), 3)
	assert.Eventually(t, func() bool { return delivered.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	inst := h.load()
	assert.Equal(t, saga.StepInventoryReserved, inst.CurrentStep)
	assert.Equal(t, int64(2), inst.Version)
	assert.Equal(t, []string{"inventory.reserve.v1", "payment.request.v1"}, h.commandTypes())
}
