package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/journal"
	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/wire"
)

type fakePublisher struct {
	published []publishRequest
	err       error
	depth     int
}

func (f *fakePublisher) PublishComposition(_ context.Context, device wire.DeviceID, units []uint16, ts float64) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishRequest{
		Device:    uint32(device),
		Text:      wire.UTF16String(units),
		Timestamp: ts,
	})
	return nil
}

func (f *fakePublisher) Depth() int { return f.depth }

type fakeReader struct {
	entries []journal.Entry
	err     error
}

func (f *fakeReader) Recent(context.Context, uint32, int) ([]journal.Entry, error) {
	return f.entries, f.err
}

func TestPublishAcceptsComposition(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, nil, nil)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"device": 7, "text": "こんにちは", "timestamp": 1.5}`)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/compositions", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.published, 1)
	assert.Equal(t, uint32(7), pub.published[0].Device)
	assert.Equal(t, "こんにちは", pub.published[0].Text)
	assert.Equal(t, 1.5, pub.published[0].Timestamp)

	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Units)
}

func TestPublishMapsErrorCodes(t *testing.T) {
	cases := []struct {
		code   errs.Code
		status int
	}{
		{errs.CodeInvalidRecord, http.StatusRequestEntityTooLarge},
		{errs.CodeQueueClosed, http.StatusServiceUnavailable},
		{errs.CodeUnavailable, http.StatusTooManyRequests},
		{errs.CodeStorage, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		pub := &fakePublisher{err: errs.New("core/queue", tc.code)}
		h := NewHandler(pub, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/compositions",
			strings.NewReader(`{"device": 1, "text": "x"}`)))
		assert.Equal(t, tc.status, rec.Code, "code %s", tc.code)
	}
}

func TestPublishRejectsBadJSON(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/compositions", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishRejectsGet(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/compositions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJournalDisabledReturnsNotFound(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/journal?device=1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalListsEntriesWithText(t *testing.T) {
	record := wire.EncodeComposition(3, wire.UTF16Units("かな"), 2.0)
	reader := &fakeReader{entries: []journal.Entry{{
		ID:        42,
		TraceID:   "trace-42",
		Device:    3,
		Timestamp: 2.0,
		Units:     2,
		Record:    record,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}}}
	h := NewHandler(&fakePublisher{}, reader, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/journal?device=3&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []journalEntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].ID)
	assert.Equal(t, "かな", entries[0].Text)
}

func TestJournalRequiresDevice(t *testing.T) {
	h := NewHandler(&fakePublisher{}, &fakeReader{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/journal", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsQueueDepth(t *testing.T) {
	h := NewHandler(&fakePublisher{depth: 5}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 5, resp.QueueDepth)
}

func TestMetricsEndpointServes(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugReportsPipelineSnapshot(t *testing.T) {
	metrics := observability.NewRuntimeMetrics()
	metrics.IncrementPublished(9)
	metrics.IncrementDropped("oversized")
	h := NewHandler(&fakePublisher{}, nil, metrics)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot observability.PipelineMetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(1), snapshot.PublishedRecords[9])
	assert.Equal(t, int64(1), snapshot.DroppedRecords["oversized"])
}

func TestDebugDisabledWithoutMetrics(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
