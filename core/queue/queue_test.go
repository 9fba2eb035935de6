package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typewire/typewire/core/recycler"
	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/internal/pool"
	"github.com/typewire/typewire/wire"
)

type delivered struct {
	header wire.Header
	text   string
	units  []uint16
	view   wire.CompositionText
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *pool.PoolManager) {
	t.Helper()
	pools := pool.NewPoolManager()
	require.NoError(t, pools.RegisterPool(pool.RecordBufferPoolName, 8, func() interface{} {
		return pool.NewRecordBuffer()
	}))
	rec := recycler.NewRecycler(pools, nil)
	return New(cfg, pools, rec, observability.NewRuntimeMetrics()), pools
}

func runQueue(t *testing.T, q *Queue, deliver DeliveryFunc) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- q.Run(context.Background(), deliver)
	}()
	return done
}

func TestPublishDeliversComposition(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 4})
	got := make(chan delivered, 1)
	done := runQueue(t, q, func(_ context.Context, h wire.Header, text wire.CompositionText) error {
		got <- delivered{header: h, text: text.String(), units: text.Units()}
		return nil
	})

	require.NoError(t, q.PublishString(context.Background(), 7, "こんにちは", 1.5))

	select {
	case d := <-got:
		assert.Equal(t, wire.EventTypeComposition, d.header.Type)
		assert.Equal(t, wire.DeviceID(7), d.header.Device)
		assert.Equal(t, 1.5, d.header.Timestamp)
		assert.Equal(t, "こんにちは", d.text)
		assert.Len(t, d.units, 5)
	case <-time.After(time.Second):
		t.Fatal("record never delivered")
	}

	q.Close()
	require.NoError(t, <-done)
}

func TestEmptyCompositionSignalsCleared(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 4})
	got := make(chan delivered, 1)
	done := runQueue(t, q, func(_ context.Context, h wire.Header, text wire.CompositionText) error {
		got <- delivered{header: h, text: text.String()}
		return nil
	})

	require.NoError(t, q.PublishComposition(context.Background(), 2, nil, 2.0))

	select {
	case d := <-got:
		assert.Equal(t, "", d.text)
		assert.Equal(t, uint32(wire.HeaderSize+4), d.header.Size)
	case <-time.After(time.Second):
		t.Fatal("record never delivered")
	}

	q.Close()
	require.NoError(t, <-done)
}

func TestViewExpiresAfterDelivery(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 4})
	got := make(chan delivered, 1)
	done := runQueue(t, q, func(_ context.Context, _ wire.Header, text wire.CompositionText) error {
		// Inside the callback the view is readable.
		assert.Equal(t, 2, text.Len())
		got <- delivered{view: text}
		return nil
	})

	require.NoError(t, q.PublishString(context.Background(), 1, "ab", 0.25))
	d := <-got

	q.Close()
	require.NoError(t, <-done)

	assert.Panics(t, func() { d.view.Len() })
	assert.Panics(t, func() { _ = d.view.String() })
}

func TestOversizedRecordRejectedBeforeCheckout(t *testing.T) {
	q, pools := newTestQueue(t, Config{Capacity: 4, MaxRecordSize: wire.CompositionSize(4)})

	err := q.PublishString(context.Background(), 1, "too long", 1.0)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidRecord, errs.CodeOf(err))
	assert.Equal(t, 0, q.Depth())

	// Every pooled buffer must still be available.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 8; i++ {
		obj, err := pools.Get(ctx, pool.RecordBufferPoolName)
		require.NoError(t, err)
		pools.Put(pool.RecordBufferPoolName, obj)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 4})
	q.Close()

	err := q.PublishString(context.Background(), 1, "late", 1.0)
	require.Error(t, err)
	assert.Equal(t, errs.CodeQueueClosed, errs.CodeOf(err))
}

func TestCloseDrainsBacklog(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 8})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.PublishString(ctx, wire.DeviceID(i), "x", float64(i)))
	}
	q.Close()

	count := 0
	require.NoError(t, q.Run(ctx, func(_ context.Context, _ wire.Header, _ wire.CompositionText) error {
		count++
		return nil
	}))
	assert.Equal(t, 5, count)
}

func TestRunContextCancelDiscardsBacklog(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 8})
	require.NoError(t, q.PublishString(context.Background(), 1, "pending", 1.0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Run(ctx, func(_ context.Context, _ wire.Header, _ wire.CompositionText) error {
		t.Fatal("cancelled run must not deliver")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Depth())
}

func TestRateLimiterHonorsContext(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 4, RatePerSecond: 0.001, RateBurst: 1})
	ctx := context.Background()

	// The single burst token admits the first publish immediately.
	require.NoError(t, q.PublishString(ctx, 1, "a", 1.0))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := q.PublishString(cancelled, 1, "b", 2.0)
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestRunRequiresDeliveryFunc(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 1})
	err := q.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSubmitRacingCloseReclaimsBuffer(t *testing.T) {
	q, pools := newTestQueue(t, Config{Capacity: 4})

	// A publisher that passed the closed check just before Close ran, with
	// the drain already finished: the send lands in a channel nobody will
	// ever read again.
	buf, err := q.checkout(context.Background())
	require.NoError(t, err)
	size := wire.CompositionSize(1)
	wire.PutComposition(buf.Extend(size), 3, []uint16{0x3053}, 1.0)
	q.Close()

	err = q.submit(context.Background(), buf)
	require.Error(t, err)
	assert.Equal(t, errs.CodeQueueClosed, errs.CodeOf(err))
	assert.Equal(t, 0, q.Depth())

	// The record buffer went back to the pool instead of being stranded.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	held := make([]interface{}, 0, 8)
	for i := 0; i < 8; i++ {
		obj, err := pools.Get(ctx, pool.RecordBufferPoolName)
		require.NoError(t, err)
		held = append(held, obj)
	}
	for _, obj := range held {
		pools.Put(pool.RecordBufferPoolName, obj)
	}
}
