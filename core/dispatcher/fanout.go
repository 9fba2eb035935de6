// Package dispatcher fans delivered composition records out to subscribers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/wire"
)

// Delivery carries one composition record through a fan-out. The Text view is
// only readable while the dispatch is in flight; subscribers that need the
// record afterwards must call CloneRecord before returning.
type Delivery struct {
	TraceID string
	Header  wire.Header
	Text    wire.CompositionText
}

// CloneRecord re-encodes the record into a fresh heap buffer that outlives
// the delivery window.
func (d Delivery) CloneRecord() []byte {
	return wire.EncodeComposition(d.Header.Device, d.Text.Units(), d.Header.Timestamp)
}

// DeliveryFunc is the subscriber handler invoked for each dispatch.
type DeliveryFunc func(context.Context, Delivery) error

// Subscriber encapsulates metadata and handler for a record consumer.
type Subscriber struct {
	ID      string
	Deliver DeliveryFunc
}

// Fanout coordinates parallel dispatch of a single record to subscribers.
// The record's view is shared, not duplicated: CompositionText is read-only,
// so concurrent subscribers may hold the same view for the whole window.
type Fanout struct {
	metrics    *FanoutMetrics
	maxWorkers int
}

// NewFanout constructs a fan-out dispatcher with the provided metrics and
// concurrency limit.
func NewFanout(metrics *FanoutMetrics, maxWorkers int) *Fanout {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Fanout{
		metrics:    metrics,
		maxWorkers: maxWorkers,
	}
}

// Dispatch delivers the record to all subscribers using structured
// concurrency and waits for every handler to return. The caller owns the
// view's validity window; it stays open until Dispatch returns.
func (f *Fanout) Dispatch(ctx context.Context, header wire.Header, text wire.CompositionText, subscribers []Subscriber) error {
	count := len(subscribers)
	if count == 0 {
		return nil
	}
	delivery := Delivery{
		TraceID: uuid.NewString(),
		Header:  header,
		Text:    text,
	}
	if count == 1 {
		sub := subscribers[0]
		if sub.Deliver == nil {
			return nil
		}
		if err := sub.Deliver(ctx, delivery); err != nil {
			return fmt.Errorf("subscriber %s: %w", sub.ID, err)
		}
		return nil
	}
	workerLimit := f.maxWorkers
	if workerLimit > count {
		workerLimit = count
	}
	perDurations := make([]time.Duration, count)
	start := time.Now()
	var mu sync.Mutex
	var workerErrs []error
	var failedSubscribers []string
	p := pool.New().WithMaxGoroutines(workerLimit)
	for idx, subscriber := range subscribers {
		i := idx
		if subscriber.Deliver == nil {
			perDurations[i] = 0
			continue
		}
		sub := subscriber
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					workerErrs = append(workerErrs, fmt.Errorf("subscriber %s panic: %v", sub.ID, r))
					failedSubscribers = append(failedSubscribers, sub.ID)
					mu.Unlock()
				}
			}()
			if err := ctx.Err(); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, fmt.Errorf("context error: %w", err))
				failedSubscribers = append(failedSubscribers, "context")
				mu.Unlock()
				return
			}
			deliveryStart := time.Now()
			if err := sub.Deliver(ctx, delivery); err != nil {
				mu.Lock()
				workerErrs = append(workerErrs, fmt.Errorf("subscriber %s: %w", sub.ID, err))
				failedSubscribers = append(failedSubscribers, sub.ID)
				mu.Unlock()
			}
			perDurations[i] = time.Since(deliveryStart)
		})
	}
	p.Wait()
	total := time.Since(start)
	if f.metrics != nil {
		f.metrics.Observe(count, perDurations, total)
	}
	if len(workerErrs) == 0 {
		return nil
	}
	//nolint:wrapcheck // aggregation already returns contextualized error
	return observability.AggregateErrors(
		"dispatcher fan-out",
		workerErrs,
		observability.Field{Key: "trace_id", Value: delivery.TraceID},
		observability.Field{Key: "device", Value: uint32(header.Device)},
		observability.Field{Key: "text_units", Value: text.Len()},
		observability.Field{Key: "subscriber_count", Value: count},
		observability.Field{Key: "failed_subscribers", Value: uniqueStrings(failedSubscribers)},
	) //nolint:wrapcheck
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
