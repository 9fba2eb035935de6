// Package queue implements the bounded event queue that carries encoded
// records from producers to the delivery loop. Buffers are pooled: a record
// is valid from checkout until its delivery callback returns, after which the
// buffer is reclaimed and any surviving view of it is invalid.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/typewire/typewire/core/recycler"
	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/internal/pool"
	"github.com/typewire/typewire/wire"
)

// DefaultMaxRecordSize bounds a single encoded record.
const DefaultMaxRecordSize = 64 * 1024

// Config controls queue capacity and publish-side limits.
type Config struct {
	Capacity      int
	MaxRecordSize int
	RatePerSecond float64
	RateBurst     int
}

func (c Config) normalize() Config {
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// DeliveryFunc consumes one decoded record. The view is valid only for the
// duration of the call; it must not be stored, returned, or read afterwards.
type DeliveryFunc func(ctx context.Context, header wire.Header, text wire.CompositionText) error

// Receiver consumes composition changes delivered by the queue.
type Receiver interface {
	// OnCompositionChanged observes the current composition text for a
	// device. The view expires when the method returns.
	OnCompositionChanged(ctx context.Context, header wire.Header, text wire.CompositionText) error
}

// Queue is a bounded in-memory event queue over pooled record buffers.
type Queue struct {
	cfg     Config
	pools   *pool.PoolManager
	rec     recycler.Recycler
	metrics *observability.RuntimeMetrics
	limiter *rate.Limiter

	ch        chan *pool.RecordBuffer
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	telemetry observability.TelemetryBus
}

// SetTelemetry attaches a bus for backpressure and drop events. Call before
// the first publish.
func (q *Queue) SetTelemetry(bus observability.TelemetryBus) { q.telemetry = bus }

// New constructs a queue. pools provides record buffers; rec closes each
// delivery window; metrics may be nil.
func New(cfg Config, pools *pool.PoolManager, rec recycler.Recycler, metrics *observability.RuntimeMetrics) *Queue {
	cfg = cfg.normalize()
	q := &Queue{
		cfg:     cfg,
		pools:   pools,
		rec:     rec,
		metrics: metrics,
		limiter: nil,
		ch:      make(chan *pool.RecordBuffer, cfg.Capacity),
		done:    make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return q
}

// PublishComposition encodes one composition record and submits it. The text
// units are written raw and in order; an empty slice publishes the
// "composition cleared" record. Oversized payloads fail before any buffer is
// checked out.
func (q *Queue) PublishComposition(ctx context.Context, device wire.DeviceID, units []uint16, timestamp float64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if q.closed.Load() {
		return errs.New("core/queue", errs.CodeQueueClosed, errs.WithMessage("queue closed"))
	}

	size := wire.CompositionSize(len(units))
	if size > q.cfg.MaxRecordSize {
		q.drop("oversized")
		return errs.New("core/queue", errs.CodeInvalidRecord,
			errs.WithDevice(uint32(device)),
			errs.WithMessage(fmt.Sprintf("record of %d bytes exceeds maximum %d", size, q.cfg.MaxRecordSize)))
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.drop("rate_limited")
			return errs.New("core/queue", errs.CodeUnavailable,
				errs.WithMessage("rate limit wait aborted"), errs.WithCause(err))
		}
	}

	buf, err := q.checkout(ctx)
	if err != nil {
		return err
	}
	wire.PutComposition(buf.Extend(size), device, units, timestamp)

	if err := q.submit(ctx, buf); err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.IncrementPublished(uint32(device))
		q.metrics.RecordQueueDepth(len(q.ch))
	}
	return nil
}

// PublishString is a convenience wrapper converting s to UTF-16 units.
func (q *Queue) PublishString(ctx context.Context, device wire.DeviceID, s string, timestamp float64) error {
	return q.PublishComposition(ctx, device, wire.UTF16Units(s), timestamp)
}

// Run delivers queued records until ctx is cancelled or the queue closes and
// drains. Each record is decoded in place, exposed through a guard-bound
// view, and its buffer reclaimed the moment deliver returns.
func (q *Queue) Run(ctx context.Context, deliver DeliveryFunc) error {
	if deliver == nil {
		return errs.New("core/queue", errs.CodeInvalid, errs.WithMessage("delivery function required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			q.discard()
			return fmt.Errorf("queue run context: %w", ctx.Err())
		case buf := <-q.ch:
			q.deliverOne(ctx, buf, deliver)
		case <-q.done:
			q.drain(ctx, deliver)
			return nil
		}
	}
}

// deliverOne opens a delivery window around a single record and always closes
// it again, even when the consumer fails or panics.
func (q *Queue) deliverOne(ctx context.Context, buf *pool.RecordBuffer, deliver DeliveryFunc) {
	guard := wire.NewGuard()
	defer func() {
		guard.Expire()
		q.recycle(buf)
	}()

	header, text, err := wire.DecodeComposition(buf.Bytes(), guard)
	if err != nil {
		q.drop("undecodable")
		q.emit(ctx, observability.TelemetryEventRecordDropped, observability.TelemetrySeverityError,
			map[string]any{"reason": "undecodable", "error": err.Error()})
		observability.Log().Error("queue: dropping undecodable record",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := deliver(ctx, header, text); err != nil {
		observability.Log().Error("queue: delivery failed",
			observability.Field{Key: "device", Value: uint32(header.Device)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// Close stops accepting submissions. Records already queued are still
// delivered by Run before it returns.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

// Depth reports the number of records waiting for delivery.
func (q *Queue) Depth() int { return len(q.ch) }

func (q *Queue) checkout(ctx context.Context) (*pool.RecordBuffer, error) {
	buf, _, err := pool.AcquireRecordBuffer(ctx, q.pools)
	if err != nil {
		q.drop("pool_exhausted")
		return nil, errs.New("core/queue", errs.CodeUnavailable,
			errs.WithMessage("no record buffer available"), errs.WithCause(err))
	}
	if q.rec != nil {
		q.rec.CheckoutBuffer(buf)
	}
	return buf, nil
}

func (q *Queue) submit(ctx context.Context, buf *pool.RecordBuffer) error {
	select {
	case q.ch <- buf:
		return q.confirmSubmit()
	default:
	}
	q.emit(ctx, observability.TelemetryEventBackpressureApplied, observability.TelemetrySeverityWarn,
		map[string]any{"depth": len(q.ch), "capacity": q.cfg.Capacity})
	select {
	case q.ch <- buf:
		return q.confirmSubmit()
	case <-q.done:
		q.recycle(buf)
		return errs.New("core/queue", errs.CodeQueueClosed, errs.WithMessage("queue closed"))
	case <-ctx.Done():
		q.recycle(buf)
		q.drop("publish_cancelled")
		return fmt.Errorf("queue submit context: %w", ctx.Err())
	}
}

// confirmSubmit closes the race between a successful send and Close. If the
// queue closed while the send was in flight, Run's drain may already have
// emptied the channel and returned, stranding the record with no consumer
// and its buffer never reclaimed. Pull one record back out and recycle it.
// Observing closed == false after the send means the send happened before
// Close, so the drain is guaranteed to see the record.
func (q *Queue) confirmSubmit() error {
	if !q.closed.Load() {
		return nil
	}
	select {
	case stranded := <-q.ch:
		q.drop("publish_after_close")
		q.recycle(stranded)
	default:
	}
	return errs.New("core/queue", errs.CodeQueueClosed, errs.WithMessage("queue closed during submit"))
}

// drain delivers every record that was accepted before Close.
func (q *Queue) drain(ctx context.Context, deliver DeliveryFunc) {
	for {
		select {
		case buf := <-q.ch:
			q.deliverOne(ctx, buf, deliver)
		default:
			return
		}
	}
}

// discard reclaims queued buffers without delivering them. Used when the run
// context is cancelled outright.
func (q *Queue) discard() {
	for {
		select {
		case buf := <-q.ch:
			q.drop("shutdown")
			q.recycle(buf)
		default:
			return
		}
	}
}

func (q *Queue) recycle(buf *pool.RecordBuffer) {
	if buf == nil {
		return
	}
	if q.rec != nil {
		q.rec.RecycleBuffer(buf)
		return
	}
	if q.pools != nil {
		q.pools.Put(pool.RecordBufferPoolName, buf)
	}
}

func (q *Queue) drop(reason string) {
	if q.metrics != nil {
		q.metrics.IncrementDropped(reason)
	}
}

func (q *Queue) emit(ctx context.Context, eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, metadata map[string]any) {
	if q.telemetry == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := q.telemetry.Publish(ctx, event); err != nil {
		observability.Log().Debug("queue: telemetry publish failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}
