package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typewire/typewire/wire"
)

func encodeTestRecord(t *testing.T, device wire.DeviceID, text string, ts float64) (wire.Header, wire.CompositionText, *wire.Guard) {
	t.Helper()
	buf := wire.EncodeComposition(device, wire.UTF16Units(text), ts)
	guard := wire.NewGuard()
	header, view, err := wire.DecodeComposition(buf, guard)
	require.NoError(t, err)
	return header, view, guard
}

func TestDispatchSharesViewAcrossSubscribers(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 4, "かな", 3.25)
	defer guard.Expire()

	f := NewFanout(nil, 4)
	var mu sync.Mutex
	texts := make(map[string]string)
	traces := make(map[string]string)
	subs := make([]Subscriber, 0, 3)
	for _, id := range []string{"journal", "forward", "log"} {
		id := id
		subs = append(subs, Subscriber{ID: id, Deliver: func(_ context.Context, d Delivery) error {
			mu.Lock()
			texts[id] = d.Text.String()
			traces[id] = d.TraceID
			mu.Unlock()
			return nil
		}})
	}

	require.NoError(t, f.Dispatch(context.Background(), header, view, subs))
	require.Len(t, texts, 3)
	for _, id := range []string{"journal", "forward", "log"} {
		assert.Equal(t, "かな", texts[id])
		assert.NotEmpty(t, traces[id])
	}
	// One dispatch, one trace.
	assert.Equal(t, traces["journal"], traces["forward"])
	assert.Equal(t, traces["journal"], traces["log"])
}

func TestDispatchAggregatesFailures(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 1, "x", 1.0)
	defer guard.Expire()

	f := NewFanout(nil, 2)
	boom := errors.New("journal unavailable")
	subs := []Subscriber{
		{ID: "ok", Deliver: func(context.Context, Delivery) error { return nil }},
		{ID: "journal", Deliver: func(context.Context, Delivery) error { return boom }},
		{ID: "panicky", Deliver: func(context.Context, Delivery) error { panic("handler bug") }},
	}

	err := f.Dispatch(context.Background(), header, view, subs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal unavailable")
	assert.Contains(t, err.Error(), "panic")
}

func TestDispatchSingleSubscriberFastPath(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 9, "abc", 0.5)
	defer guard.Expire()

	f := NewFanout(nil, 8)
	boom := errors.New("refused")
	err := f.Dispatch(context.Background(), header, view, []Subscriber{
		{ID: "only", Deliver: func(context.Context, Delivery) error { return boom }},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "only")
}

func TestDispatchSkipsNilHandlers(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 1, "y", 1.0)
	defer guard.Expire()

	f := NewFanout(nil, 2)
	called := 0
	err := f.Dispatch(context.Background(), header, view, []Subscriber{
		{ID: "nil"},
		{ID: "real", Deliver: func(context.Context, Delivery) error { called++; return nil }},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestDispatchNoSubscribersIsNoop(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 1, "z", 1.0)
	defer guard.Expire()

	f := NewFanout(nil, 2)
	require.NoError(t, f.Dispatch(context.Background(), header, view, nil))
}

func TestCloneRecordOutlivesWindow(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 5, "ことば", 7.5)

	f := NewFanout(nil, 2)
	var clone []byte
	require.NoError(t, f.Dispatch(context.Background(), header, view, []Subscriber{
		{ID: "cloner", Deliver: func(_ context.Context, d Delivery) error {
			clone = d.CloneRecord()
			return nil
		}},
	}))
	guard.Expire()

	// The original view is dead, but the clone decodes on its own.
	assert.Panics(t, func() { _ = view.String() })
	h2, v2, err := wire.DecodeComposition(clone, nil)
	require.NoError(t, err)
	assert.Equal(t, header.Device, h2.Device)
	assert.Equal(t, "ことば", v2.String())
}

func TestFanoutMetricsObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewFanoutMetrics(reg)
	header, view, guard := encodeTestRecord(t, 2, "metrics", 1.0)
	defer guard.Expire()

	f := NewFanout(metrics, 2)
	noop := func(context.Context, Delivery) error { return nil }
	require.NoError(t, f.Dispatch(context.Background(), header, view, []Subscriber{
		{ID: "a", Deliver: noop},
		{ID: "b", Deliver: noop},
	}))

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.totalDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.perSubscriber))
}

func TestDispatchCancelledAfterAllDeliveriesStillSucceeds(t *testing.T) {
	header, view, guard := encodeTestRecord(t, 5, "完了", 6.0)
	defer guard.Expire()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFanout(nil, 4)
	var delivered atomic.Int32
	subs := make([]Subscriber, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		subs = append(subs, Subscriber{ID: id, Deliver: func(context.Context, Delivery) error {
			// The last successful delivery cancels the context, the way a
			// shutdown lands just as a record finishes fanning out.
			if delivered.Add(1) == 3 {
				cancel()
			}
			return nil
		}})
	}

	require.NoError(t, f.Dispatch(ctx, header, view, subs))
	assert.EqualValues(t, 3, delivered.Load())
}
