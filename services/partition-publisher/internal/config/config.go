// services/partition-publisher/internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lattice-cqrs/partition-publisher/common/backoff"
	"github.com/lattice-cqrs/partition-publisher/common/configloader"
)

/*
   --------------------------------------------------------------------------
   STRUCTURES
   --------------------------------------------------------------------------
*/

// Config is the full set of tunables for one partition-publisher instance.
// One process owns exactly one state-topic partition (Publisher.Partition);
// running the fleet across N partitions means running N instances, each
// with its own transactional id and config file (or env override).
type Config struct {
	ServiceName    string    `mapstructure:"service_name"`
	ServiceVersion string    `mapstructure:"service_version"`
	Kafka          Kafka     `mapstructure:"kafka"`
	Publisher      Publisher `mapstructure:"publisher"`
	Telemetry      Telemetry `mapstructure:"telemetry"`
	Logging        Logging   `mapstructure:"logging"`
	HTTP           HTTP      `mapstructure:"http"`
}

// Kafka holds broker connectivity shared by the transactional producer
// and the KTable lag poller.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Version string   `mapstructure:"version"`
}

// Publisher holds the domain tunables named in spec.md §6.
type Publisher struct {
	Partition                int32          `mapstructure:"partition"`
	TransactionalIDPrefix    string         `mapstructure:"transactional_id_prefix"`
	EventsTopic              string         `mapstructure:"events_topic"`
	StateTopic               string         `mapstructure:"state_topic"`
	RequiredAcks             string         `mapstructure:"required_acks"`
	Compression              string         `mapstructure:"compression"`
	ProduceTimeout           time.Duration  `mapstructure:"produce_timeout"`
	FlushInterval            time.Duration  `mapstructure:"flush_interval"`
	MaxRecordsPerTransaction int            `mapstructure:"max_records_per_transaction"`
	AskTimeout               time.Duration  `mapstructure:"ask_timeout"`
	ReadinessTimeout         time.Duration  `mapstructure:"readiness_timeout"`
	MailboxSize              int            `mapstructure:"mailbox_size"`
	InitBackoff              backoff.Config `mapstructure:"init_backoff"`

	// KTable identifies the changelog partition/consumer group that
	// stands in for "how far the KTable materialization has caught up".
	KTableGroupID       string        `mapstructure:"ktable_group_id"`
	KTablePollInterval  time.Duration `mapstructure:"ktable_poll_interval"`
}

// Telemetry holds OpenTelemetry exporter settings.
type Telemetry struct {
	OTLPEndpoint   string        `mapstructure:"otel_endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	SamplerRatio   float64       `mapstructure:"sampler_ratio"`
	ExportTimeout  time.Duration `mapstructure:"export_timeout"`
}

// Logging holds structured-logger settings.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTP holds the metrics/health server configuration.
type HTTP struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load reads defaults, an optional YAML file at path, and environment
// overrides (prefix PUBLISHER_), then decodes and validates the result.
// An empty path skips the file step entirely.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, "PUBLISHER", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func init() {
	configloader.RegisterDefaults("service_name", "partition-publisher")
	configloader.RegisterDefaults("service_version", "v1.0.0")

	configloader.RegisterDefaults("kafka.version", "2.8.0")

	configloader.RegisterDefaults("publisher.partition", 0)
	configloader.RegisterDefaults("publisher.transactional_id_prefix", "partition-publisher")
	configloader.RegisterDefaults("publisher.required_acks", "all")
	configloader.RegisterDefaults("publisher.compression", "none")
	configloader.RegisterDefaults("publisher.produce_timeout", "15s")
	configloader.RegisterDefaults("publisher.flush_interval", "200ms")
	configloader.RegisterDefaults("publisher.max_records_per_transaction", 500)
	configloader.RegisterDefaults("publisher.ask_timeout", "5s")
	configloader.RegisterDefaults("publisher.readiness_timeout", "10s")
	configloader.RegisterDefaults("publisher.mailbox_size", 256)
	configloader.RegisterDefaults("publisher.init_backoff.initial_interval", "1s")
	configloader.RegisterDefaults("publisher.init_backoff.randomization_factor", 0.5)
	configloader.RegisterDefaults("publisher.init_backoff.multiplier", 2.0)
	configloader.RegisterDefaults("publisher.init_backoff.max_interval", "30s")
	configloader.RegisterDefaults("publisher.ktable_poll_interval", "2s")

	configloader.RegisterDefaults("telemetry.otel_endpoint", "otel-collector:4317")
	configloader.RegisterDefaults("telemetry.insecure", false)
	configloader.RegisterDefaults("telemetry.sampler_ratio", 1.0)
	configloader.RegisterDefaults("telemetry.export_timeout", "5s")

	configloader.RegisterDefaults("logging.level", "info")
	configloader.RegisterDefaults("logging.dev_mode", false)

	configloader.RegisterDefaults("http.port", 8080)
	configloader.RegisterDefaults("http.read_timeout", "10s")
	configloader.RegisterDefaults("http.write_timeout", "15s")
	configloader.RegisterDefaults("http.idle_timeout", "60s")
	configloader.RegisterDefaults("http.shutdown_timeout", "5s")
	configloader.RegisterDefaults("http.metrics_path", "/metrics")
	configloader.RegisterDefaults("http.healthz_path", "/healthz")
	configloader.RegisterDefaults("http.readyz_path", "/readyz")
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Version == "" {
		return fmt.Errorf("kafka.version is required")
	}

	if c.Publisher.Partition < 0 {
		return fmt.Errorf("publisher.partition must be >= 0")
	}
	if c.Publisher.TransactionalIDPrefix == "" {
		return fmt.Errorf("publisher.transactional_id_prefix is required")
	}
	if c.Publisher.EventsTopic == "" || c.Publisher.StateTopic == "" {
		return fmt.Errorf("publisher.events_topic and publisher.state_topic are required")
	}
	switch strings.ToLower(c.Publisher.RequiredAcks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("publisher.required_acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Publisher.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("publisher.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	if c.Publisher.MaxRecordsPerTransaction <= 0 {
		return fmt.Errorf("publisher.max_records_per_transaction must be > 0")
	}
	if c.Publisher.KTableGroupID == "" {
		return fmt.Errorf("publisher.ktable_group_id is required")
	}
	if c.Publisher.KTablePollInterval <= 0 {
		return fmt.Errorf("publisher.ktable_poll_interval must be > 0")
	}

	if c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	return validateHTTP(&c.HTTP)
}

func validateHTTP(h *HTTP) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print writes the loaded configuration to stdout as JSON, handy in dev mode.
func (c *Config) Print() {
	configloader.PrintConfig(c)
}
