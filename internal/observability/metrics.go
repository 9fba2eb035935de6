package observability

import "sync"

// PipelineMetricsSnapshot captures queue and forwarder runtime counters.
type PipelineMetricsSnapshot struct {
	QueueDepth       int              `json:"queue_depth"`
	PublishedRecords map[uint32]int64 `json:"published_records"`
	DroppedRecords   map[string]int64 `json:"dropped_records"`
	ForwardReconnect int64            `json:"forward_reconnects"`
}

// RuntimeMetrics accumulates pipeline metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	pipeline PipelineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.pipeline = PipelineMetricsSnapshot{
		QueueDepth:       0,
		PublishedRecords: make(map[uint32]int64),
		DroppedRecords:   make(map[string]int64),
		ForwardReconnect: 0,
	}
	return metrics
}

// RecordQueueDepth tracks the latest queue depth.
func (m *RuntimeMetrics) RecordQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.QueueDepth = depth
}

// IncrementPublished counts a record published for a destination device.
func (m *RuntimeMetrics) IncrementPublished(device uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.PublishedRecords[device]++
}

// IncrementDropped counts a record dropped for the given reason.
func (m *RuntimeMetrics) IncrementDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.DroppedRecords[reason]++
}

// IncrementForwardReconnect counts a forwarder reconnect attempt.
func (m *RuntimeMetrics) IncrementForwardReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.ForwardReconnect++
}

// Snapshot copies the current pipeline metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() PipelineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := PipelineMetricsSnapshot{
		QueueDepth:       m.pipeline.QueueDepth,
		PublishedRecords: make(map[uint32]int64, len(m.pipeline.PublishedRecords)),
		DroppedRecords:   make(map[string]int64, len(m.pipeline.DroppedRecords)),
		ForwardReconnect: m.pipeline.ForwardReconnect,
	}
	for k, v := range m.pipeline.PublishedRecords {
		snapshot.PublishedRecords[k] = v
	}
	for k, v := range m.pipeline.DroppedRecords {
		snapshot.DroppedRecords[k] = v
	}
	return snapshot
}
