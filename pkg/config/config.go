// Package config loads the eventcored configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "EVENTCORE_"

// Config is the host configuration. Every field maps to EVENTCORE_<env>.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventcored"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// EventDelivery is "nats" (JetStream publish and subscribe) or
	// "inprocess" (commands run through a Cascade).
	EventDelivery string `env:"EVENT_DELIVERY" envDefault:"nats"`

	// ReadModel is "store" (views next to the events) or "memory" (views
	// rebuilt from the event log at startup).
	ReadModel string `env:"READ_MODEL" envDefault:"store"`

	SQLiteDSN         string `env:"SQLITE_DSN" envDefault:"eventcore.db"`
	PostgresURL       string `env:"POSTGRES_URL"`
	SnapshotInterval  int64  `env:"SNAPSHOT_INTERVAL" envDefault:"100"`
	SnapshotBucketURL string `env:"SNAPSHOT_BUCKET_URL"`
	MaxCascadeDepth   int    `env:"MAX_CASCADE_DEPTH" envDefault:"16"`

	NATSURL      string `env:"NATS_URL"`
	NATSStream   string `env:"NATS_STREAM" envDefault:"EVENTS"`
	NATSStoreDir string `env:"NATS_STORE_DIR"`

	RedisAddr      string        `env:"REDIS_ADDR"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	TraceStdout     bool    `env:"TRACE_STDOUT" envDefault:"false"`
	TraceSampleRate float64 `env:"TRACE_SAMPLE_RATE" envDefault:"1"`

	// MetricsStdoutInterval writes metrics to stdout at this interval; zero
	// disables it.
	MetricsStdoutInterval time.Duration `env:"METRICS_STDOUT_INTERVAL" envDefault:"0s"`

	// TelemetrySQLiteDSN keeps spans and metric snapshots in a SQLite
	// database served under /debug/traces; empty disables it.
	TelemetrySQLiteDSN      string        `env:"TELEMETRY_SQLITE_DSN"`
	TelemetryRetention      time.Duration `env:"TELEMETRY_RETENTION" envDefault:"168h"`
	TelemetryExportInterval time.Duration `env:"TELEMETRY_EXPORT_INTERVAL" envDefault:"1m"`

	// CounterResetLimit enables the reset policy of the counter example.
	CounterResetLimit int64 `env:"COUNTER_RESET_LIMIT" envDefault:"0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads an optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse(nil)
}

// Parse parses the configuration from environ, or from the process
// environment when environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: Prefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be json or text, got %q", Prefix, c.LogFormat))
	}
	switch c.EventDelivery {
	case "nats", "inprocess":
	default:
		errs = append(errs, fmt.Errorf("%sEVENT_DELIVERY must be nats or inprocess, got %q", Prefix, c.EventDelivery))
	}
	switch c.ReadModel {
	case "store":
	case "memory":
		// Durable JetStream consumers would redeliver events the startup
		// rebuild already projected.
		if c.EventDelivery == "nats" {
			errs = append(errs, fmt.Errorf("%sREAD_MODEL=memory requires %sEVENT_DELIVERY=inprocess", Prefix, Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sREAD_MODEL must be store or memory, got %q", Prefix, c.ReadModel))
	}
	if c.SnapshotInterval < 0 {
		errs = append(errs, fmt.Errorf("%sSNAPSHOT_INTERVAL cannot be negative", Prefix))
	}
	if c.MaxCascadeDepth < 1 {
		errs = append(errs, fmt.Errorf("%sMAX_CASCADE_DEPTH must be at least 1", Prefix))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("%sTRACE_SAMPLE_RATE must be within [0, 1]", Prefix))
	}
	if c.MetricsStdoutInterval < 0 {
		errs = append(errs, fmt.Errorf("%sMETRICS_STDOUT_INTERVAL cannot be negative", Prefix))
	}
	if c.TelemetrySQLiteDSN != "" && c.TelemetryExportInterval <= 0 {
		errs = append(errs, fmt.Errorf("%sTELEMETRY_EXPORT_INTERVAL must be positive", Prefix))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger writing to stderr.
func NewLogger(c Config) *slog.Logger {
	return NewLoggerTo(os.Stderr, c)
}

// NewLoggerTo builds a logger writing to w. Invalid levels fall back to info.
func NewLoggerTo(w io.Writer, c Config) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", c.ServiceName)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err)
	}
	return level, nil
}
