package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Topic enumerates the notifications handed to presentation and strategy consumers.
type Topic string

const (
	TopicPriceUpdated  Topic = "px.updated"
	TopicMarketPrice   Topic = "px.market"
	TopicTradesUpdated Topic = "execution.updated"
	TopicPortfolio     Topic = "portfolio.updated"
	TopicOrderFilled   Topic = "order.filled"
	TopicBrokerError   Topic = "broker.error"
)

// Handler consumes one notification payload. Payloads are immutable snapshots.
type Handler func(payload any)

type envelope struct {
	topic   Topic
	payload any
}

// Dispatcher is a bounded outbound queue drained by its own goroutine, so the broker read loop
// never waits on downstream consumers. A full queue drops the notification and counts it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler

	queue     chan envelope
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewDispatcher creates a dispatcher with the given queue capacity.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		handlers: make(map[Topic][]Handler),
		queue:    make(chan envelope, size),
	}
}

// Subscribe registers a handler for a topic.
func (d *Dispatcher) Subscribe(t Topic, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// Publish enqueues a notification without blocking. A topic nobody listens to is logged and
// dropped; a full queue increments the dropped counter.
func (d *Dispatcher) Publish(t Topic, payload any) {
	d.mu.RLock()
	n := len(d.handlers[t])
	d.mu.RUnlock()
	if n == 0 {
		log.Printf("dispatcher: no handler registered for %s, dropping", t)
		d.dropped.Add(1)
		return
	}

	select {
	case d.queue <- envelope{topic: t, payload: payload}:
	default:
		d.dropped.Add(1)
	}
}

// Run drains the queue until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.queue:
			d.deliver(env)
		}
	}
}

func (d *Dispatcher) deliver(env envelope) {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[env.topic]...)
	d.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("dispatcher: handler for %s panicked: %v", env.topic, r)
				}
			}()
			h(env.payload)
		}()
	}
	d.delivered.Add(1)
}

// Dropped returns how many notifications were discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Delivered returns how many notifications reached their handlers.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
