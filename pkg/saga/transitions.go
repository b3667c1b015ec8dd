package saga

import (
	"fmt"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// transition is one edge of the fulfillment state machine.
type transition struct {
	next     Step
	status   Status
	commands []schema.EventType
	// compensate marks edges that go through COMPENSATING to FAILED.
	compensate bool
}

// compensations lists, per running step, the commands that undo it in the
// order they are emitted.
var compensations = map[Step][]schema.EventType{
	StepStarted:           {schema.CancelOrder},
	StepInventoryReserved: {schema.ReleaseInventory, schema.CancelOrder},
	StepPaymentConfirmed:  {schema.RefundPayment, schema.ReleaseInventory, schema.CancelOrder},
}

func compensation(from Step) transition {
	return transition{
		next:       StepCompensating,
		status:     StatusCompensating,
		commands:   compensations[from],
		compensate: true,
	}
}

var transitions = map[Step]map[schema.EventType]transition{
	StepStarted: {
		schema.InventoryReserved: {next: StepInventoryReserved, status: StatusRunning, commands: []schema.EventType{schema.RequestPayment}},
		schema.InventoryFailed:   compensation(StepStarted),
		schema.SagaTimeout:       compensation(StepStarted),
	},
	StepInventoryReserved: {
		schema.PaymentConfirmed: {next: StepPaymentConfirmed, status: StatusRunning, commands: []schema.EventType{schema.ConfirmOrder}},
		schema.PaymentFailed:    compensation(StepInventoryReserved),
		schema.SagaTimeout:      compensation(StepInventoryReserved),
	},
	StepPaymentConfirmed: {
		schema.OrderConfirmed:          {next: StepOrderConfirmed, status: StatusCompleted},
		schema.OrderConfirmationFailed: compensation(StepPaymentConfirmed),
		schema.SagaTimeout:             compensation(StepPaymentConfirmed),
	},
	StepCompensating: {
		// compensation commands were committed with COMPENSATING
		schema.SagaTimeout: {next: StepFailed, status: StatusFailed},
	},
}

// start is the edge that creates a saga.
var start = transition{next: StepStarted, status: StatusRunning, commands: []schema.EventType{schema.ReserveInventory}}

func lookup(current Step, eventType schema.EventType) (transition, error) {
	t, ok := transitions[current][eventType]
	if !ok {
		return transition{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, current, eventType)
	}
	return t, nil
}
