package schema

import (
	"github.com/shopspring/decimal"
)

// EventType names a versioned fact or command, e.g. "order.created.v1".
type EventType string

// Facts published by the business services.
const (
	OrderCreated            EventType = "order.created.v1"
	InventoryReserved       EventType = "inventory.reserved.v1"
	InventoryFailed         EventType = "inventory.failed.v1"
	PaymentConfirmed        EventType = "payment.confirmed.v1"
	PaymentFailed           EventType = "payment.failed.v1"
	OrderConfirmed          EventType = "order.confirmed.v1"
	OrderConfirmationFailed EventType = "order.confirmation_failed.v1"
)

// Commands emitted by the saga orchestrator.
const (
	ReserveInventory EventType = "inventory.reserve.v1"
	ReleaseInventory EventType = "inventory.release.v1"
	RequestPayment   EventType = "payment.request.v1"
	RefundPayment    EventType = "payment.refund.v1"
	ConfirmOrder     EventType = "order.confirm.v1"
	CancelOrder      EventType = "order.cancel.v1"
)

// SagaTimeout is synthesized by the orchestrator when a step exceeds its
// budget. It is never published.
const SagaTimeout EventType = "saga.timeout.v1"

// Kind classifies an event type.
type Kind int

const (
	KindUnknown Kind = iota
	KindFact
	KindCommand
	KindSynthetic
)

var kinds = map[EventType]Kind{
	OrderCreated:            KindFact,
	InventoryReserved:       KindFact,
	InventoryFailed:         KindFact,
	PaymentConfirmed:        KindFact,
	PaymentFailed:           KindFact,
	OrderConfirmed:          KindFact,
	OrderConfirmationFailed: KindFact,
	ReserveInventory:        KindCommand,
	ReleaseInventory:        KindCommand,
	RequestPayment:          KindCommand,
	RefundPayment:           KindCommand,
	ConfirmOrder:            KindCommand,
	CancelOrder:             KindCommand,
	SagaTimeout:             KindSynthetic,
}

// Kind reports whether t is a fact, a command or synthetic.
func (t EventType) Kind() Kind {
	return kinds[t]
}

// Known reports whether t belongs to the fulfillment contract.
func (t EventType) Known() bool {
	return t.Kind() != KindUnknown
}

func (t EventType) String() string {
	return string(t)
}

// Facts returns every fact type, in a stable order.
func Facts() []EventType {
	return []EventType{
		OrderCreated,
		InventoryReserved,
		InventoryFailed,
		PaymentConfirmed,
		PaymentFailed,
		OrderConfirmed,
		OrderConfirmationFailed,
	}
}

// LineItem is one product line of an order.
type LineItem struct {
	ProductID string `json:"product_id" msgpack:"product_id"`
	Quantity  int32  `json:"quantity" msgpack:"quantity"`
}

// OrderCreatedPayload starts a fulfillment saga.
type OrderCreatedPayload struct {
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	Items      []LineItem      `json:"items"`
	Total      decimal.Decimal `json:"total"`
}

// InventoryResultPayload is carried by inventory.reserved.v1 and inventory.failed.v1.
type InventoryResultPayload struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// PaymentResultPayload is carried by payment.confirmed.v1 and payment.failed.v1.
type PaymentResultPayload struct {
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

// OrderResultPayload is carried by order.confirmed.v1 and order.confirmation_failed.v1.
type OrderResultPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// OrderCommandPayload is the payload of every command the orchestrator emits.
type OrderCommandPayload struct {
	OrderID       string          `json:"order_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Items         []LineItem      `json:"items,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// OrderIDOf extracts the order id every fulfillment payload carries.
func OrderIDOf(e Envelope) (string, error) {
	var ref struct {
		OrderID string `json:"order_id"`
	}
	if err := e.Decode(&ref); err != nil {
		return "", err
	}
	return ref.OrderID, nil
}
