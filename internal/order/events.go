package order

import (
	"time"

	"github.com/google/uuid"

	"trade-session/internal/events"
)

// FillNotice is published once an order is completely filled and the broker confirmed it
// as a completed order.
type FillNotice struct {
	ID       string    `json:"id"`
	OrderID  int64     `json:"order_id"`
	PermID   int64     `json:"perm_id"`
	ConID    int64     `json:"con_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	AvgPrice float64   `json:"avg_price"`
	Time     time.Time `json:"time"`
}

// Publisher is the outbound notification queue.
type Publisher interface {
	Publish(t events.Topic, payload any)
}

// emitFill publishes a fill notice (hook point for strategy listeners).
func emitFill(pub Publisher, n FillNotice) {
	if pub == nil {
		return
	}
	n.ID = uuid.NewString()
	pub.Publish(events.TopicOrderFilled, n)
}
