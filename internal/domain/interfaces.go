package domain

// OrderStore defines the persistence gateway consumed by the orchestrator and
// the status broadcaster. GetOrder returns (nil, nil) when the record is
// absent.
type OrderStore interface {
	UpsertOrder(order *Order) error
	GetOrder(id string) (*Order, error)
	UpsertAttempt(attempt *Attempt) error
	GetAttempts(orderID string) ([]Attempt, error)
}

// StatusPublisher pushes a stage transition to whoever is watching the order.
// Delivery to an absent or closed subscriber is a silent no-op.
type StatusPublisher interface {
	Publish(orderID string, status OrderStatus, payload map[string]any)
}
