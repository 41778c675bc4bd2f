// Package metrics defines the instrumentation contract for protocol engines.
package metrics

import "time"

// Recorder counts protocol events and observes operation latency.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event counter names recorded by the engines.
const (
	EventQuoteIssued       = "quote_issued"
	EventPaymentVerified   = "payment_verified"
	EventPaymentRejected   = "payment_rejected"
	EventDeliveryCompleted = "delivery_completed"
	EventDeliveryFailed    = "delivery_failed"
	EventOrderConfirmed    = "order_confirmed"
	EventStreamReconnect   = "stream_reconnect"
)
