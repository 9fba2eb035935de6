// Package ingest exposes the daemon's HTTP surface: composition publishing,
// journal queries, Prometheus metrics, and health.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/typewire/typewire/core/queue"
	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/journal"
	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/wire"
)

const readHeaderTimeout = 5 * time.Second

// Publisher is the queue surface the ingest handler needs.
type Publisher interface {
	PublishComposition(ctx context.Context, device wire.DeviceID, units []uint16, timestamp float64) error
	Depth() int
}

// JournalReader serves journal queries. Nil when the journal is disabled.
type JournalReader interface {
	Recent(ctx context.Context, device uint32, limit int) ([]journal.Entry, error)
}

// Handler routes ingest and introspection requests.
type Handler struct {
	publisher Publisher
	reader    JournalReader
	metrics   *observability.RuntimeMetrics
	mux       *http.ServeMux
}

// NewHandler constructs the HTTP handler. reader and metrics may be nil.
func NewHandler(publisher Publisher, reader JournalReader, metrics *observability.RuntimeMetrics) *Handler {
	h := &Handler{
		publisher: publisher,
		reader:    reader,
		metrics:   metrics,
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("/v1/compositions", h.handlePublish)
	h.mux.HandleFunc("/v1/journal", h.handleJournal)
	h.mux.HandleFunc("/v1/debug", h.handleDebug)
	h.mux.Handle("/metrics", promhttp.Handler())
	h.mux.HandleFunc("/healthz", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// NewServer wraps the handler in an http.Server ready to listen on addr.
func NewServer(addr string, handler *Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type publishRequest struct {
	Device    uint32  `json:"device"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

type publishResponse struct {
	Device uint32 `json:"device"`
	Units  int    `json:"units"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	units := wire.UTF16Units(req.Text)
	err := h.publisher.PublishComposition(r.Context(), wire.DeviceID(req.Device), units, req.Timestamp)
	if err != nil {
		status := statusForPublishError(err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Device: req.Device, Units: len(units)})
}

func statusForPublishError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidRecord:
		return http.StatusRequestEntityTooLarge
	case errs.CodeQueueClosed:
		return http.StatusServiceUnavailable
	case errs.CodeUnavailable:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type journalEntryResponse struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	Device    uint32    `json:"device"`
	Timestamp float64   `json:"timestamp"`
	Units     int       `json:"units"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if h.reader == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	device, err := strconv.ParseUint(r.URL.Query().Get("device"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "device query parameter required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.reader.Recent(r.Context(), uint32(device), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]journalEntryResponse, 0, len(entries))
	for _, entry := range entries {
		item := journalEntryResponse{
			ID:        entry.ID,
			TraceID:   entry.TraceID,
			Device:    entry.Device,
			Timestamp: entry.Timestamp,
			Units:     entry.Units,
			CreatedAt: entry.CreatedAt,
		}
		if _, view, err := wire.DecodeComposition(entry.Record, nil); err == nil {
			item.Text = view.String()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

// handleDebug dumps the in-memory pipeline counters: published and dropped
// records per reason, forwarder reconnects, and the last observed depth.
func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if h.metrics == nil {
		writeError(w, http.StatusNotFound, "runtime metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", QueueDepth: h.publisher.Depth()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Debug("ingest: encode response failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Ensure the queue satisfies the handler contract.
var _ Publisher = (*queue.Queue)(nil)
