package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ordersSubmitted    atomic.Uint64
	jobsEnqueued       atomic.Uint64
	attemptsDispatched atomic.Uint64
	retriesScheduled   atomic.Uint64
	jobsDead           atomic.Uint64
	ordersConfirmed    atomic.Uint64
	ordersFailed       atomic.Uint64
	broadcastsSent     atomic.Uint64
	broadcastsDropped  atomic.Uint64

	// Gauges
	activeSubscribers atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordOrderSubmitted records an accepted order submission.
func (m *Metrics) RecordOrderSubmitted() {
	m.ordersSubmitted.Add(1)
}

// RecordEnqueued records a job admitted to the queue.
func (m *Metrics) RecordEnqueued() {
	m.jobsEnqueued.Add(1)
}

// RecordDispatched records a dispatched execution attempt.
func (m *Metrics) RecordDispatched() {
	m.attemptsDispatched.Add(1)
}

// RecordRetryScheduled records a failed attempt rescheduled with backoff.
func (m *Metrics) RecordRetryScheduled() {
	m.retriesScheduled.Add(1)
}

// RecordDead records a job dead-lettered at the retry ceiling.
func (m *Metrics) RecordDead() {
	m.jobsDead.Add(1)
}

// RecordOrderConfirmed records an order reaching terminal success.
func (m *Metrics) RecordOrderConfirmed() {
	m.ordersConfirmed.Add(1)
}

// RecordOrderFailed records an order reaching terminal failure.
func (m *Metrics) RecordOrderFailed() {
	m.ordersFailed.Add(1)
}

// RecordBroadcast records a status envelope delivered to a subscriber.
func (m *Metrics) RecordBroadcast() {
	m.broadcastsSent.Add(1)
}

// RecordBroadcastDropped records a slow subscriber being cut off.
func (m *Metrics) RecordBroadcastDropped() {
	m.broadcastsDropped.Add(1)
}

// IncrementSubscribers increments active subscribers by 1.
func (m *Metrics) IncrementSubscribers() {
	m.activeSubscribers.Add(1)
}

// DecrementSubscribers decrements active subscribers by 1.
func (m *Metrics) DecrementSubscribers() {
	m.activeSubscribers.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OrdersSubmitted    uint64    `json:"orders_submitted"`
	JobsEnqueued       uint64    `json:"jobs_enqueued"`
	AttemptsDispatched uint64    `json:"attempts_dispatched"`
	RetriesScheduled   uint64    `json:"retries_scheduled"`
	JobsDead           uint64    `json:"jobs_dead"`
	OrdersConfirmed    uint64    `json:"orders_confirmed"`
	OrdersFailed       uint64    `json:"orders_failed"`
	BroadcastsSent     uint64    `json:"broadcasts_sent"`
	BroadcastsDropped  uint64    `json:"broadcasts_dropped"`
	ActiveSubscribers  int32     `json:"active_subscribers"`
	Timestamp          time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		OrdersSubmitted:    m.ordersSubmitted.Load(),
		JobsEnqueued:       m.jobsEnqueued.Load(),
		AttemptsDispatched: m.attemptsDispatched.Load(),
		RetriesScheduled:   m.retriesScheduled.Load(),
		JobsDead:           m.jobsDead.Load(),
		OrdersConfirmed:    m.ordersConfirmed.Load(),
		OrdersFailed:       m.ordersFailed.Load(),
		BroadcastsSent:     m.broadcastsSent.Load(),
		BroadcastsDropped:  m.broadcastsDropped.Load(),
		ActiveSubscribers:  m.activeSubscribers.Load(),
		Timestamp:          time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ordersSubmitted.Store(0)
	m.jobsEnqueued.Store(0)
	m.attemptsDispatched.Store(0)
	m.retriesScheduled.Store(0)
	m.jobsDead.Store(0)
	m.ordersConfirmed.Store(0)
	m.ordersFailed.Store(0)
	m.broadcastsSent.Store(0)
	m.broadcastsDropped.Store(0)
	m.activeSubscribers.Store(0)
}
