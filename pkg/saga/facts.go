package saga

import (
	"fmt"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// absorb folds what env tells about the order into f.
func absorb(f *Facts, env schema.Envelope, from Step) error {
	switch env.Type() {
	case schema.InventoryReserved, schema.InventoryFailed:
		var p schema.InventoryResultPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.ReservationID != "" {
			f.ReservationID = p.ReservationID
		}
		if env.Type() == schema.InventoryFailed {
			f.Reason = reason(p.Reason, env)
		}
	case schema.PaymentConfirmed, schema.PaymentFailed:
		var p schema.PaymentResultPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.PaymentID != "" {
			f.PaymentID = p.PaymentID
		}
		if !p.Amount.IsZero() {
			f.Amount = p.Amount
		}
		if env.Type() == schema.PaymentFailed {
			f.Reason = reason(p.Reason, env)
		}
	case schema.OrderConfirmed, schema.OrderConfirmationFailed:
		var p schema.OrderResultPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if env.Type() == schema.OrderConfirmationFailed {
			f.Reason = reason(p.Reason, env)
		}
	case schema.SagaTimeout:
		if from != StepCompensating {
			f.Reason = fmt.Sprintf("%s in %s", ErrSagaTimeout, from)
		}
	}
	return nil
}

func decode(env schema.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrInvalidPayload, env.EventType, env.EventID, err)
	}
	return nil
}

func reason(given string, env schema.Envelope) string {
	if given != "" {
		return given
	}
	return env.EventType
}
