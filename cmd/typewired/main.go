// Command typewired launches the Typewire composition event daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"github.com/typewire/typewire/core/dispatcher"
	"github.com/typewire/typewire/core/queue"
	"github.com/typewire/typewire/core/recycler"
	"github.com/typewire/typewire/internal/config"
	"github.com/typewire/typewire/internal/forward"
	"github.com/typewire/typewire/internal/ingest"
	"github.com/typewire/typewire/internal/journal"
	"github.com/typewire/typewire/internal/observability"
	"github.com/typewire/typewire/internal/pool"
	"github.com/typewire/typewire/internal/script"
	"github.com/typewire/typewire/lib/telemetry"
	"github.com/typewire/typewire/wire"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultMigrationsDir     = "db/migrations"
	daemonLoggerPrefix       = "typewired "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	queueShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	telemetryBusBuffer       = 64
	dlqCapacity              = 256
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, queue capacity=%d, max record=%dB",
		appCfg.Environment, appCfg.Queue.Capacity, appCfg.Queue.MaxRecordSize)

	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pools, err := buildPoolManager(appCfg.Pools)
	if err != nil {
		logger.Fatalf("initialise pools: %v", err)
	}

	if err := buildRecycler(pools); err != nil {
		logger.Fatalf("initialise recycler: %v", err)
	}

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	dlq := observability.NewDeadLetterQueue(dlqCapacity)
	runtimeMetrics := observability.NewRuntimeMetrics()

	q := queue.New(queue.Config{
		Capacity:      appCfg.Queue.Capacity,
		MaxRecordSize: appCfg.Queue.MaxRecordSize,
		RatePerSecond: appCfg.Queue.RatePerSecond,
		RateBurst:     appCfg.Queue.RateBurst,
	}, pools, recycler.Global(), runtimeMetrics)
	q.SetTelemetry(bus)

	fanout := dispatcher.NewFanout(
		dispatcher.NewFanoutMetrics(prometheus.DefaultRegisterer),
		appCfg.Dispatcher.FanoutWorkers,
	)

	subscribers := []dispatcher.Subscriber{logSubscriber(logger)}

	var journalStore *journal.Store
	var journalPool *pgxpool.Pool
	if appCfg.Journal.Enabled {
		journalPool, journalStore, err = startJournal(ctx, appCfg.Journal, bus, logger)
		if err != nil {
			logger.Fatalf("initialise journal: %v", err)
		}
		subscribers = append(subscribers, journalSubscriber(journalStore))
		logger.Print("journal enabled")
	}

	var lifecycle conc.WaitGroup

	// Workers get their own context so a shutdown signal can drain the queue
	// before their loops are cancelled outright.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var forwarder *forward.Forwarder
	if appCfg.Forward.Enabled {
		forwarder, err = forward.New(forward.Config{
			URL:         appCfg.Forward.URL,
			BufferSize:  appCfg.Forward.BufferSize,
			ServiceName: appCfg.Telemetry.ServiceName,
		}, runtimeMetrics)
		if err != nil {
			logger.Fatalf("initialise forwarder: %v", err)
		}
		forwarder.SetTelemetry(bus)
		subscribers = append(subscribers, forwarder.Subscriber())
		fwd := forwarder
		lifecycle.Go(func() {
			if err := fwd.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Printf("forwarder stopped: %v", err)
			}
		})
		logger.Printf("forwarding records to %s", appCfg.Forward.URL)
	}

	var filter *script.Filter
	if appCfg.Script.Enabled {
		filter, err = script.Load(appCfg.Script.Path)
		if err != nil {
			logger.Fatalf("load script filter: %v", err)
		}
		logger.Printf("script filter loaded from %s", filter.Path())
	}

	deliver := buildDeliveryFunc(fanout, subscribers, filter, bus, dlq, runtimeMetrics)
	lifecycle.Go(func() {
		if err := q.Run(runCtx, deliver); err != nil && runCtx.Err() == nil {
			logger.Printf("queue stopped: %v", err)
		}
	})

	var journalReader ingest.JournalReader
	if journalStore != nil {
		journalReader = journalStore
	}
	apiServer := ingest.NewServer(appCfg.Server.Addr, ingest.NewHandler(q, journalReader, runtimeMetrics))
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ingest server: %v", err)
		}
	})
	logger.Printf("ingest API listening on %s", apiServer.Addr)

	logger.Print("typewired started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		runCancel:         runCancel,
		queue:             q,
		forwarder:         forwarder,
		filter:            filter,
		lifecycle:         &lifecycle,
		journalStore:      journalStore,
		journalPool:       journalPool,
		bus:               bus,
		pools:             pools,
		telemetryShutdown: telemetryShutdown,
	})

	if undelivered := dlq.Drain(); len(undelivered) > 0 {
		logger.Printf("shutdown with %d undelivered records in dead letter queue", len(undelivered))
		for _, event := range undelivered {
			logger.Printf("dead letter: event_id=%s type=%s device=%v error=%v",
				event.EventID, event.Type, event.Metadata["device"], event.Metadata["error"])
		}
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func buildPoolManager(cfg config.PoolConfig) (*pool.PoolManager, error) {
	manager := pool.NewPoolManager()
	if err := manager.RegisterPool(pool.RecordBufferPoolName, cfg.RecordBufferSize, func() interface{} {
		return pool.NewRecordBuffer()
	}); err != nil {
		return nil, fmt.Errorf("register %s pool: %w", pool.RecordBufferPoolName, err)
	}
	return manager, nil
}

func buildRecycler(pools *pool.PoolManager) error {
	metrics, err := recycler.NewMetrics()
	if err != nil {
		return fmt.Errorf("create recycler metrics: %w", err)
	}
	recycler.InitGlobal(recycler.NewRecycler(pools, metrics))
	return nil
}

func startJournal(ctx context.Context, cfg config.JournalConfig, bus observability.TelemetryBus, logger *log.Logger) (*pgxpool.Pool, *journal.Store, error) {
	if err := journal.Migrate(ctx, cfg.DSN, defaultMigrationsDir, logger); err != nil {
		return nil, nil, fmt.Errorf("apply journal migrations: %w", err)
	}
	dbPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("create journal pool: %w", err)
	}
	store, err := journal.NewStore(dbPool, cfg.CompressThreshold)
	if err != nil {
		dbPool.Close()
		return nil, nil, fmt.Errorf("create journal store: %w", err)
	}
	store.SetTelemetry(bus)
	return dbPool, store, nil
}

// logSubscriber reports every composition change. An empty view means the
// composition was cleared.
func logSubscriber(logger *log.Logger) dispatcher.Subscriber {
	return dispatcher.Subscriber{
		ID: "log",
		Deliver: func(_ context.Context, d dispatcher.Delivery) error {
			if d.Text.Len() == 0 {
				logger.Printf("device %d: composition cleared (ts=%.3f)", d.Header.Device, d.Header.Timestamp)
				return nil
			}
			logger.Printf("device %d: composition %q (%d units, ts=%.3f)",
				d.Header.Device, d.Text.String(), d.Text.Len(), d.Header.Timestamp)
			return nil
		},
	}
}

func journalSubscriber(store *journal.Store) dispatcher.Subscriber {
	return dispatcher.Subscriber{
		ID: "journal",
		Deliver: func(ctx context.Context, d dispatcher.Delivery) error {
			entry := &journal.Entry{
				TraceID:   d.TraceID,
				Device:    uint32(d.Header.Device),
				Timestamp: d.Header.Timestamp,
				Units:     d.Text.Len(),
				Record:    d.CloneRecord(),
			}
			return store.Append(ctx, entry)
		},
	}
}

// buildDeliveryFunc composes the per-record pipeline: script filter first,
// then fan-out; failed fan-outs land in the dead letter queue.
func buildDeliveryFunc(
	fanout *dispatcher.Fanout,
	subscribers []dispatcher.Subscriber,
	filter *script.Filter,
	bus observability.TelemetryBus,
	dlq *observability.DeadLetterQueue,
	metrics *observability.RuntimeMetrics,
) queue.DeliveryFunc {
	return func(ctx context.Context, header wire.Header, text wire.CompositionText) error {
		if filter != nil {
			allowed, err := filter.Allow(ctx, script.Record{
				Device:    uint32(header.Device),
				Length:    text.Len(),
				Timestamp: header.Timestamp,
				Text:      text.String(),
			})
			if err != nil {
				observability.Log().Error("script filter failed; rejecting record",
					observability.Field{Key: "device", Value: uint32(header.Device)},
					observability.Field{Key: "error", Value: err.Error()})
			}
			if !allowed {
				metrics.IncrementDropped("script_rejected")
				publishEvent(ctx, bus, observability.TelemetryEvent{
					EventID:   uuid.NewString(),
					Type:      observability.TelemetryEventScriptRejected,
					Severity:  observability.TelemetrySeverityInfo,
					Timestamp: time.Now().UTC(),
					Metadata:  map[string]any{"device": uint32(header.Device), "units": text.Len()},
				})
				return nil
			}
		}

		err := fanout.Dispatch(ctx, header, text, subscribers)
		if err == nil {
			return nil
		}
		event := observability.TelemetryEvent{
			EventID:   uuid.NewString(),
			Type:      observability.TelemetryEventDLQPublished,
			Severity:  observability.TelemetrySeverityError,
			Timestamp: time.Now().UTC(),
			Metadata: map[string]any{
				"device": uint32(header.Device),
				"units":  text.Len(),
				"error":  err.Error(),
			},
		}
		dlq.Offer(event)
		publishEvent(ctx, bus, event)
		return err
	}
}

func publishEvent(ctx context.Context, bus observability.TelemetryBus, event observability.TelemetryEvent) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, event); err != nil {
		observability.Log().Debug("telemetry publish failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

type gracefulShutdownConfig struct {
	server            *http.Server
	runCancel         context.CancelFunc
	queue             *queue.Queue
	forwarder         *forward.Forwarder
	filter            *script.Filter
	lifecycle         *conc.WaitGroup
	journalStore      *journal.Store
	journalPool       *pgxpool.Pool
	bus               *observability.InMemoryTelemetryBus
	pools             *pool.PoolManager
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ingest server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.queue != nil {
		shutdownStep("closing event queue", queueShutdownTimeout, func(context.Context) error {
			cfg.queue.Close()
			return nil
		})
	}

	if cfg.forwarder != nil {
		cfg.forwarder.Close()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				// Graceful drain did not finish in time; cancel the worker
				// context outright.
				if cfg.runCancel != nil {
					cfg.runCancel()
				}
				<-done
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.filter != nil {
		cfg.filter.Close()
	}

	if cfg.journalStore != nil {
		cfg.journalStore.Close()
	}
	if cfg.journalPool != nil {
		cfg.journalPool.Close()
	}

	if cfg.bus != nil {
		cfg.bus.Close()
	}

	if cfg.pools != nil {
		shutdownStep("shutting down pool manager", poolShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.pools.Shutdown(stepCtx)
		})
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetryShutdown(stepCtx)
		})
	}
}
