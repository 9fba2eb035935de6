package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadLetter(id string, device uint32) TelemetryEvent {
	return TelemetryEvent{
		EventID:  id,
		Type:     TelemetryEventDLQPublished,
		Severity: TelemetrySeverityError,
		Metadata: map[string]any{"device": device},
	}
}

func TestDeadLetterQueueDrainReturnsOldestFirst(t *testing.T) {
	q := NewDeadLetterQueue(4)
	q.Offer(deadLetter("first", 1))
	q.Offer(deadLetter("second", 2))
	require.Equal(t, 2, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].EventID)
	assert.Equal(t, "second", drained[1].EventID)

	// Drain empties the queue.
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestDeadLetterQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewDeadLetterQueue(2)
	q.Offer(deadLetter("a", 1))
	q.Offer(deadLetter("b", 2))
	q.Offer(deadLetter("c", 3))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].EventID)
	assert.Equal(t, "c", drained[1].EventID)
}

func TestDeadLetterQueueCopiesMetadata(t *testing.T) {
	q := NewDeadLetterQueue(1)
	event := deadLetter("x", 7)
	q.Offer(event)
	event.Metadata["device"] = uint32(99)

	drained := q.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, uint32(7), drained[0].Metadata["device"])
}
