// Package recycler centralizes the return path for pooled record buffers so
// every delivery window closes through one accounted gateway.
package recycler

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/internal/pool"
)

// Metrics aggregates recycler counters through the global meter provider.
type Metrics struct {
	checkouts metric.Int64Counter
	recycles  metric.Int64Counter
	doubles   metric.Int64Counter
}

// NewMetrics registers recycler instruments against the named meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter("typewire/recycler")
	checkouts, err := meter.Int64Counter("typewire.recycler.checkouts",
		metric.WithDescription("Record buffers checked out for encoding or delivery."))
	if err != nil {
		return nil, err
	}
	recycles, err := meter.Int64Counter("typewire.recycler.recycles",
		metric.WithDescription("Record buffers returned after their delivery window closed."))
	if err != nil {
		return nil, err
	}
	doubles, err := meter.Int64Counter("typewire.recycler.double_recycles",
		metric.WithDescription("Buffers returned more than once; indicates a lifecycle bug."))
	if err != nil {
		return nil, err
	}
	return &Metrics{checkouts: checkouts, recycles: recycles, doubles: doubles}, nil
}

// Impl is the concrete recycler backed by the shared pool manager.
type Impl struct {
	pools   *pool.PoolManager
	metrics *Metrics
	debug   atomic.Bool

	mu          sync.Mutex
	outstanding map[*pool.RecordBuffer]struct{}
}

// NewRecycler constructs a recycler returning buffers to the provided pool
// manager. metrics may be nil.
func NewRecycler(pools *pool.PoolManager, metrics *Metrics) *Impl {
	return &Impl{
		pools:       pools,
		metrics:     metrics,
		outstanding: make(map[*pool.RecordBuffer]struct{}),
	}
}

// CheckoutBuffer records that buf left the pool and is now owned by a
// delivery window.
func (r *Impl) CheckoutBuffer(buf *pool.RecordBuffer) {
	if r == nil || buf == nil {
		return
	}
	if r.debug.Load() {
		r.mu.Lock()
		r.outstanding[buf] = struct{}{}
		r.mu.Unlock()
	}
	r.count(r.metricsCheckouts())
}

// RecycleBuffer returns buf to the pool. In debug mode a return of a buffer
// that was never checked out (or already returned) is surfaced loudly.
func (r *Impl) RecycleBuffer(buf *pool.RecordBuffer) {
	if r == nil || buf == nil {
		return
	}
	if r.debug.Load() {
		r.mu.Lock()
		_, tracked := r.outstanding[buf]
		delete(r.outstanding, buf)
		r.mu.Unlock()
		if !tracked {
			r.count(r.metricsDoubles())
			observability.Log().Error("recycler: buffer returned twice or never checked out")
			return
		}
	}
	if buf.IsReturned() {
		r.count(r.metricsDoubles())
		return
	}
	if r.pools != nil {
		r.pools.Put(pool.RecordBufferPoolName, buf)
	}
	r.count(r.metricsRecycles())
}

// RecycleMany returns a batch of buffers.
func (r *Impl) RecycleMany(buffers []*pool.RecordBuffer) {
	for _, buf := range buffers {
		r.RecycleBuffer(buf)
	}
}

// EnableDebugMode turns on outstanding-buffer tracking.
func (r *Impl) EnableDebugMode() { r.debug.Store(true) }

// DisableDebugMode turns off outstanding-buffer tracking.
func (r *Impl) DisableDebugMode() {
	r.debug.Store(false)
	r.mu.Lock()
	clear(r.outstanding)
	r.mu.Unlock()
}

func (r *Impl) metricsCheckouts() metric.Int64Counter {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.checkouts
}

func (r *Impl) metricsRecycles() metric.Int64Counter {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.recycles
}

func (r *Impl) metricsDoubles() metric.Int64Counter {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.doubles
}

func (r *Impl) count(counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("pool", pool.RecordBufferPoolName)))
}
