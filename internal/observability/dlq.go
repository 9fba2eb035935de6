package observability

import "sync"

// DeadLetterQueue retains the telemetry events of composition records that
// failed fan-out, so a shutdown or debug dump can report exactly which
// deliveries were lost. Bounded: once full, the oldest dead letter is evicted
// to keep the most recent failures, matching the forwarder's overflow policy.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []TelemetryEvent
}

// NewDeadLetterQueue creates a DLQ holding at most capacity dead letters.
// Capacity <= 0 means unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{
		capacity: capacity,
		letters:  make([]TelemetryEvent, 0),
	}
}

// Offer records a failed delivery. Metadata is copied so the caller may keep
// mutating its map.
func (q *DeadLetterQueue) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		copy(q.letters, q.letters[1:])
		q.letters[len(q.letters)-1] = cloneTelemetryEvent(event)
		return
	}
	q.letters = append(q.letters, cloneTelemetryEvent(event))
}

// Drain removes and returns every dead letter, oldest first.
func (q *DeadLetterQueue) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len reports how many failed deliveries are waiting to be drained.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
