package saga

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// Step is the position of a saga in the fulfillment workflow.
type Step string

const (
	StepStarted           Step = "STARTED"
	StepInventoryReserved Step = "INVENTORY_RESERVED"
	StepPaymentConfirmed  Step = "PAYMENT_CONFIRMED"
	StepOrderConfirmed    Step = "ORDER_CONFIRMED"
	StepCompensating      Step = "COMPENSATING"
	StepFailed            Step = "FAILED"
)

type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// History outcomes.
const (
	EntryAdvanced     = "advanced"
	EntryCompensating = "compensating"
	EntryFailed       = "failed"
	EntryCompleted    = "completed"
)

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	Step      Step
	Outcome   string
	EventID   string
	EventType string
	At        time.Time
}

// Facts accumulates what the saga learned from incoming events; commands are
// built from it.
type Facts struct {
	CustomerID    string            `json:"customer_id,omitempty"`
	Items         []schema.LineItem `json:"items,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	ReservationID string            `json:"reservation_id,omitempty"`
	PaymentID     string            `json:"payment_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Instance is the persisted state of one order-fulfillment saga.
type Instance struct {
	SagaID      string
	OrderID     string
	CurrentStep Step
	Status      Status
	Version     int64
	History     []HistoryEntry
	Facts       Facts
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Seen reports whether eventID was already applied.
func (i *Instance) Seen(eventID string) bool {
	for _, h := range i.History {
		if h.EventID == eventID {
			return true
		}
	}
	return false
}

// LastTransitionAt is the time of the latest history entry.
func (i *Instance) LastTransitionAt() time.Time {
	if len(i.History) == 0 {
		return i.UpdatedAt
	}
	return i.History[len(i.History)-1].At
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.History = slices.Clone(i.History)
	c.Facts.Items = slices.Clone(i.Facts.Items)
	return &c
}

func (i *Instance) record(step Step, outcome string, env schema.Envelope, at time.Time) {
	i.History = append(i.History, HistoryEntry{
		Step:      step,
		Outcome:   outcome,
		EventID:   env.EventID,
		EventType: env.EventType,
		At:        at,
	})
}
