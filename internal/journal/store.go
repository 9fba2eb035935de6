// Package journal persists delivered composition records to Postgres so
// sessions can be replayed after the in-memory delivery window has closed.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/observability"
)

const (
	defaultRecentLimit = 128
	maxRecentLimit     = 1024
	appendMaxAttempts  = 3
	appendMaxInterval  = 2 * time.Second
)

// Entry is one journaled composition record. Record holds the full encoded
// wire record, decompressed on read.
type Entry struct {
	ID        int64
	TraceID   string
	Device    uint32
	Timestamp float64
	Units     int
	Record    []byte
	CreatedAt time.Time
}

// Store persists composition records in Postgres. Bodies at or above the
// compression threshold are stored zstd-compressed.
type Store struct {
	pool      *pgxpool.Pool
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	telemetry observability.TelemetryBus
}

// NewStore constructs a journal store backed by the provided pool. threshold
// is the body size in bytes at which compression kicks in; zero compresses
// everything.
func NewStore(pool *pgxpool.Pool, threshold int) (*Store, error) {
	if pool == nil {
		return nil, errs.New("internal/journal", errs.CodeInvalid, errs.WithMessage("pgx pool required"))
	}
	if threshold < 0 {
		return nil, errs.New("internal/journal", errs.CodeInvalid, errs.WithMessage("compression threshold must be >=0"))
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{
		pool:      pool,
		threshold: threshold,
		enc:       enc,
		dec:       dec,
	}, nil
}

// SetTelemetry attaches a bus for append-retry events.
func (s *Store) SetTelemetry(bus observability.TelemetryBus) { s.telemetry = bus }

const appendSQL = `
INSERT INTO composition_journal (trace_id, device, ts, units, body, compressed)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at;
`

// Append persists one entry, retrying transient failures with exponential
// backoff. The entry's Record must be a complete encoded composition record;
// Append copies it before returning, so callers may hand over cloned buffers
// freely.
func (s *Store) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errs.New("internal/journal", errs.CodeInvalid, errs.WithMessage("entry required"))
	}
	if len(entry.Record) == 0 {
		return errs.New("internal/journal", errs.CodeInvalid,
			errs.WithDevice(entry.Device), errs.WithMessage("entry record empty"))
	}

	body := entry.Record
	compressed := false
	if len(body) >= s.threshold {
		body = s.enc.EncodeAll(body, nil)
		compressed = true
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = appendMaxInterval

	var lastErr error
	for attempt := 1; attempt <= appendMaxAttempts; attempt++ {
		row := s.pool.QueryRow(ctx, appendSQL,
			entry.TraceID, int64(entry.Device), entry.Timestamp, entry.Units, body, compressed)
		err := row.Scan(&entry.ID, &entry.CreatedAt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == appendMaxAttempts {
			break
		}
		s.notifyRetry(ctx, entry, attempt, lastErr)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = appendMaxInterval
		}
		select {
		case <-ctx.Done():
			attempt = appendMaxAttempts
		case <-time.After(sleep):
		}
	}
	return errs.New("internal/journal", errs.CodeStorage,
		errs.WithDevice(entry.Device),
		errs.WithMessage("append composition record"),
		errs.WithCause(lastErr))
}

const recentSQL = `
SELECT id, trace_id, device, ts, units, body, compressed, created_at
FROM composition_journal
WHERE device = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;
`

// Recent returns the newest entries for a device, most recent first.
func (s *Store) Recent(ctx context.Context, device uint32, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := s.pool.Query(ctx, recentSQL, int64(device), limit)
	if err != nil {
		return nil, errs.New("internal/journal", errs.CodeStorage,
			errs.WithDevice(device), errs.WithMessage("query recent entries"), errs.WithCause(err))
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry      Entry
			device64   int64
			body       []byte
			compressed bool
		)
		if err := rows.Scan(&entry.ID, &entry.TraceID, &device64, &entry.Timestamp,
			&entry.Units, &body, &compressed, &entry.CreatedAt); err != nil {
			return nil, errs.New("internal/journal", errs.CodeStorage,
				errs.WithDevice(device), errs.WithMessage("scan journal row"), errs.WithCause(err))
		}
		entry.Device = uint32(device64)
		entry.Record, err = s.expand(body, compressed)
		if err != nil {
			return nil, errs.New("internal/journal", errs.CodeStorage,
				errs.WithDevice(device), errs.WithMessage("decompress journal body"), errs.WithCause(err))
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("internal/journal", errs.CodeStorage,
			errs.WithDevice(device), errs.WithMessage("iterate journal rows"), errs.WithCause(err))
	}
	return entries, nil
}

func (s *Store) expand(body []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return body, nil
	}
	return s.dec.DecodeAll(body, nil)
}

// Close releases compression resources. The pgx pool is owned by the caller.
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

func (s *Store) notifyRetry(ctx context.Context, entry *Entry, attempt int, cause error) {
	observability.Log().Error("journal: append retry",
		observability.Field{Key: "device", Value: entry.Device},
		observability.Field{Key: "attempt", Value: attempt},
		observability.Field{Key: "error", Value: cause.Error()})
	if s.telemetry == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   entry.TraceID,
		Type:      observability.TelemetryEventJournalRetry,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: time.Now().UTC(),
		TraceID:   entry.TraceID,
		Metadata: map[string]any{
			"device":  entry.Device,
			"attempt": attempt,
			"error":   cause.Error(),
		},
	}
	if err := s.telemetry.Publish(ctx, event); err != nil {
		observability.Log().Debug("journal: telemetry publish failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}
