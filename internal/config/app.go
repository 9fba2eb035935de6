// Package config loads the unified Typewire daemon configuration with
// precedence: defaults, then YAML, then environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueConfig sizes the event queue and its publish-side limits.
type QueueConfig struct {
	Capacity      int     `yaml:"capacity"`
	MaxRecordSize int     `yaml:"maxRecordSize"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	RateBurst     int     `yaml:"rateBurst"`
}

// PoolConfig controls pooled record buffer capacity.
type PoolConfig struct {
	RecordBufferSize int `yaml:"recordBufferSize"`
}

// DispatcherConfig controls fan-out concurrency.
type DispatcherConfig struct {
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// JournalConfig configures the Postgres composition journal.
type JournalConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DSN               string `yaml:"dsn"`
	CompressThreshold int    `yaml:"compressThreshold"`
}

// ForwardConfig configures the websocket record forwarder.
type ForwardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	BufferSize int    `yaml:"bufferSize"`
}

// ScriptConfig configures the JavaScript delivery filter.
type ScriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the HTTP ingest and introspection surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"` // Default: true
}

// AppConfig is the unified Typewire application configuration.
type AppConfig struct {
	Environment Environment
	Queue       QueueConfig
	Pools       PoolConfig
	Dispatcher  DispatcherConfig
	Journal     JournalConfig
	Forward     ForwardConfig
	Script      ScriptConfig
	Server      ServerConfig
	Telemetry   TelemetryConfig
}

// appConfigYAML is the YAML representation that maps to AppConfig.
type appConfigYAML struct {
	Environment string           `yaml:"environment"`
	Queue       QueueConfig      `yaml:"queue"`
	Pools       PoolConfig       `yaml:"pools"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Journal     JournalConfig    `yaml:"journal"`
	Forward     ForwardConfig    `yaml:"forward"`
	Script      ScriptConfig     `yaml:"script"`
	Server      ServerConfig     `yaml:"server"`
	Telemetry   telemetryYAML    `yaml:"telemetry"`
}

// telemetryYAML shadows TelemetryConfig so an absent enableMetrics key keeps
// the enabled default instead of reading as false.
type telemetryYAML struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

// Load loads the configuration with precedence: defaults → YAML → env vars.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !isConfigNotFoundError(yamlErr) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	cfg.loadEnv()

	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// isConfigNotFoundError checks if the error is due to config file not found.
// Only a genuinely missing file falls back to defaults; an unreadable or
// malformed file must surface to the operator.
func isConfigNotFoundError(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Queue: QueueConfig{
			Capacity:      1024,
			MaxRecordSize: 64 * 1024,
			RatePerSecond: 0,
			RateBurst:     1,
		},
		Pools: PoolConfig{
			RecordBufferSize: 4096,
		},
		Dispatcher: DispatcherConfig{
			FanoutWorkers: 8,
		},
		Journal: JournalConfig{
			Enabled:           false,
			DSN:               "",
			CompressThreshold: 512,
		},
		Forward: ForwardConfig{
			Enabled:    false,
			URL:        "",
			BufferSize: 256,
		},
		Script: ScriptConfig{
			Enabled: false,
			Path:    "",
		},
		Server: ServerConfig{
			Addr: ":8880",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "typewire",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
	}
}

// loadYAML loads and merges YAML configuration into the AppConfig.
func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("TYPEWIRE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var yamlCfg appConfigYAML
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yamlCfg.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yamlCfg.Environment)))
	}
	if yamlCfg.Queue.Capacity != 0 {
		c.Queue.Capacity = yamlCfg.Queue.Capacity
	}
	if yamlCfg.Queue.MaxRecordSize != 0 {
		c.Queue.MaxRecordSize = yamlCfg.Queue.MaxRecordSize
	}
	if yamlCfg.Queue.RatePerSecond != 0 {
		c.Queue.RatePerSecond = yamlCfg.Queue.RatePerSecond
	}
	if yamlCfg.Queue.RateBurst != 0 {
		c.Queue.RateBurst = yamlCfg.Queue.RateBurst
	}
	if yamlCfg.Pools.RecordBufferSize != 0 {
		c.Pools.RecordBufferSize = yamlCfg.Pools.RecordBufferSize
	}
	if yamlCfg.Dispatcher.FanoutWorkers != 0 {
		c.Dispatcher.FanoutWorkers = yamlCfg.Dispatcher.FanoutWorkers
	}
	c.Journal.Enabled = yamlCfg.Journal.Enabled
	if strings.TrimSpace(yamlCfg.Journal.DSN) != "" {
		c.Journal.DSN = yamlCfg.Journal.DSN
	}
	if yamlCfg.Journal.CompressThreshold != 0 {
		c.Journal.CompressThreshold = yamlCfg.Journal.CompressThreshold
	}
	c.Forward.Enabled = yamlCfg.Forward.Enabled
	if strings.TrimSpace(yamlCfg.Forward.URL) != "" {
		c.Forward.URL = yamlCfg.Forward.URL
	}
	if yamlCfg.Forward.BufferSize != 0 {
		c.Forward.BufferSize = yamlCfg.Forward.BufferSize
	}
	c.Script.Enabled = yamlCfg.Script.Enabled
	if strings.TrimSpace(yamlCfg.Script.Path) != "" {
		c.Script.Path = yamlCfg.Script.Path
	}
	if strings.TrimSpace(yamlCfg.Server.Addr) != "" {
		c.Server.Addr = yamlCfg.Server.Addr
	}
	if strings.TrimSpace(yamlCfg.Telemetry.OTLPEndpoint) != "" {
		c.Telemetry.OTLPEndpoint = yamlCfg.Telemetry.OTLPEndpoint
	}
	if strings.TrimSpace(yamlCfg.Telemetry.ServiceName) != "" {
		c.Telemetry.ServiceName = yamlCfg.Telemetry.ServiceName
	}
	c.Telemetry.OTLPInsecure = yamlCfg.Telemetry.OTLPInsecure
	if yamlCfg.Telemetry.EnableMetrics != nil {
		c.Telemetry.EnableMetrics = *yamlCfg.Telemetry.EnableMetrics
	}

	return nil
}

// loadEnv loads environment variable overrides into AppConfig.
func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("TYPEWIRE_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_QUEUE_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Capacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_MAX_RECORD_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxRecordSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_JOURNAL_DSN")); v != "" {
		c.Journal.DSN = v
		c.Journal.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_FORWARD_URL")); v != "" {
		c.Forward.URL = v
		c.Forward.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_SCRIPT_PATH")); v != "" {
		c.Script.Path = v
		c.Script.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("TYPEWIRE_SERVER_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate performs comprehensive validation on the unified configuration.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be >0")
	}
	if c.Queue.MaxRecordSize <= 0 {
		return fmt.Errorf("queue maxRecordSize must be >0")
	}
	if c.Queue.RatePerSecond < 0 {
		return fmt.Errorf("queue ratePerSecond must be >=0")
	}
	if c.Queue.RateBurst <= 0 {
		c.Queue.RateBurst = 1
	}

	if c.Pools.RecordBufferSize <= 0 {
		return fmt.Errorf("pool recordBufferSize must be >0")
	}

	if c.Dispatcher.FanoutWorkers <= 0 {
		c.Dispatcher.FanoutWorkers = 8
	}

	if c.Journal.Enabled && strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("journal enabled without dsn")
	}
	if c.Journal.CompressThreshold < 0 {
		return fmt.Errorf("journal compressThreshold must be >=0")
	}

	if c.Forward.Enabled && strings.TrimSpace(c.Forward.URL) == "" {
		return fmt.Errorf("forward enabled without url")
	}
	if c.Forward.BufferSize <= 0 {
		c.Forward.BufferSize = 256
	}

	if c.Script.Enabled && strings.TrimSpace(c.Script.Path) == "" {
		return fmt.Errorf("script filter enabled without path")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8880"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "typewire"
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		closeFn    func()
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	for _, fallback := range []string{
		"config/app.yaml",
		"internal/config/app.yaml",
		"config/app.example.yaml",
		"internal/config/app.example.yaml",
	} {
		addCandidate(fallback)
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			closeFn = func() { _ = file.Close() }
			return file, closeFn, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
