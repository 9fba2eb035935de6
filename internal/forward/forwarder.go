// Package forward streams encoded composition records to a downstream
// websocket consumer, reconnecting with exponential backoff when the link
// drops. Records are cloned out of their delivery window before they enter
// the send buffer, so a slow or absent peer never stalls dispatch.
package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/typewire/typewire/core/dispatcher"
	"github.com/typewire/typewire/errs"
	"github.com/typewire/typewire/internal/observability"
)

const (
	protocolName         = "typewire/1"
	maxReconnectInterval = 30 * time.Second
	writeTimeout         = 10 * time.Second
)

// Config controls the forwarder connection and buffering.
type Config struct {
	URL         string
	BufferSize  int
	ServiceName string
}

// handshake is the first frame sent on every connection, as text JSON. All
// subsequent frames are binary composition records.
type handshake struct {
	Service   string    `json:"service"`
	Protocol  string    `json:"protocol"`
	StartedAt time.Time `json:"started_at"`
}

// Forwarder ships composition records to one downstream websocket peer.
type Forwarder struct {
	cfg       Config
	metrics   *observability.RuntimeMetrics
	telemetry observability.TelemetryBus

	records   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a forwarder. metrics may be nil.
func New(cfg Config, metrics *observability.RuntimeMetrics) (*Forwarder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New("internal/forward", errs.CodeInvalid, errs.WithMessage("forward url required"))
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "typewire"
	}
	return &Forwarder{
		cfg:     cfg,
		metrics: metrics,
		records: make(chan []byte, cfg.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// SetTelemetry attaches a bus for reconnect and overflow events.
func (f *Forwarder) SetTelemetry(bus observability.TelemetryBus) { f.telemetry = bus }

// Subscriber adapts the forwarder for dispatcher fan-out. The record is
// cloned inside the delivery window; enqueueing never blocks. When the send
// buffer is full the oldest buffered record is evicted so the newest one
// survives, and the drop is counted.
func (f *Forwarder) Subscriber() dispatcher.Subscriber {
	return dispatcher.Subscriber{
		ID: "forward",
		Deliver: func(ctx context.Context, d dispatcher.Delivery) error {
			record := d.CloneRecord()
			select {
			case f.records <- record:
				return nil
			case <-f.done:
				return errs.New("internal/forward", errs.CodeUnavailable, errs.WithMessage("forwarder closed"))
			default:
			}
			select {
			case <-f.records:
			default:
			}
			if f.metrics != nil {
				f.metrics.IncrementDropped("forward_overflow")
			}
			f.emit(ctx, observability.TelemetryEventForwardOverflow, observability.TelemetrySeverityWarn, d.TraceID,
				map[string]any{"device": uint32(d.Header.Device), "buffer": f.cfg.BufferSize})
			select {
			case f.records <- record:
			case <-f.done:
				return errs.New("internal/forward", errs.CodeUnavailable, errs.WithMessage("forwarder closed"))
			}
			return nil
		},
	}
}

// Run maintains the websocket connection until ctx is cancelled or Close is
// called. Each session starts with a JSON handshake frame followed by binary
// record frames.
func (f *Forwarder) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("forwarder context: %w", ctx.Err())
		case <-f.done:
			return nil
		default:
		}

		conn, _, err := websocket.Dial(ctx, f.cfg.URL, nil)
		if err != nil {
			observability.Log().Error("forward: dial failed",
				observability.Field{Key: "url", Value: f.cfg.URL},
				observability.Field{Key: "error", Value: err.Error()})
			f.sleep(ctx, backoffCfg)
			continue
		}
		backoffCfg.Reset()

		err = f.session(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if err == nil {
			// Clean shutdown requested.
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("forwarder context: %w", err)
		}
		observability.Log().Error("forward: session ended, reconnecting",
			observability.Field{Key: "error", Value: err.Error()})
		if f.metrics != nil {
			f.metrics.IncrementForwardReconnect()
		}
		f.emit(ctx, observability.TelemetryEventForwardReconnect, observability.TelemetrySeverityWarn, "",
			map[string]any{"url": f.cfg.URL, "error": err.Error()})
		f.sleep(ctx, backoffCfg)
	}
}

// session runs one connected episode: handshake, then records until failure
// or shutdown. A nil return means the forwarder is shutting down.
func (f *Forwarder) session(ctx context.Context, conn *websocket.Conn) error {
	greeting, err := json.Marshal(handshake{
		Service:   f.cfg.ServiceName,
		Protocol:  protocolName,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := f.write(ctx, conn, websocket.MessageText, greeting); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	// Surfaces peer-initiated closes; the peer never sends data frames.
	connCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-connCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("forward session context: %w", ctx.Err())
			}
			return errs.New("internal/forward", errs.CodeNetwork, errs.WithMessage("peer closed connection"))
		case <-f.done:
			f.flush(ctx, conn)
			return nil
		case record := <-f.records:
			if err := f.write(ctx, conn, websocket.MessageBinary, record); err != nil {
				return fmt.Errorf("send record: %w", err)
			}
		}
	}
}

func (f *Forwarder) write(ctx context.Context, conn *websocket.Conn, kind websocket.MessageType, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, kind, payload) //nolint:wrapcheck // callers wrap with frame context
}

// flush drains buffered records during shutdown on a best-effort basis.
func (f *Forwarder) flush(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case record := <-f.records:
			if err := f.write(ctx, conn, websocket.MessageBinary, record); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops the forwarder. Buffered records are flushed to the current
// connection when one is up.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

// sleep waits out the next backoff interval, returning early on shutdown.
func (f *Forwarder) sleep(ctx context.Context, cfg *backoff.ExponentialBackOff) {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-ctx.Done():
	case <-f.done:
	case <-time.After(sleep):
	}
}

func (f *Forwarder) emit(ctx context.Context, eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, traceID string, metadata map[string]any) {
	if f.telemetry == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   traceID,
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
		Metadata:  metadata,
	}
	if err := f.telemetry.Publish(ctx, event); err != nil {
		observability.Log().Debug("forward: telemetry publish failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}
