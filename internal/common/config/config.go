// Package config provides configuration management for the broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Notifier NotifierConfig `mapstructure:"notifier" yaml:"notifier"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// StoreConfig holds the relational store configuration.
// Driver is "sqlite3" or "pgx"; DSN is a file path for SQLite and a
// connection string for PostgreSQL.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// QueueConfig holds the send-task queue configuration. An empty URL selects
// the in-memory queue; anything else is parsed as a Redis URL.
type QueueConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	Key string `mapstructure:"key" yaml:"key"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	ClientID      string `mapstructure:"client_id" yaml:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects" yaml:"max_reconnects"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	DefaultMaxInactiveMinutes      int `mapstructure:"default_max_inactive_minutes" yaml:"default_max_inactive_minutes"`
	DefaultHumanMaxInactiveMinutes int `mapstructure:"default_human_max_inactive_minutes" yaml:"default_human_max_inactive_minutes"`
	PendingGraceSeconds            int `mapstructure:"pending_grace_seconds" yaml:"pending_grace_seconds"`
	ReapIntervalSeconds            int `mapstructure:"reap_interval_seconds" yaml:"reap_interval_seconds"`
}

// IngestConfig holds message-batch ingestion tuning.
type IngestConfig struct {
	SessionGapMinutes         int `mapstructure:"session_gap_minutes" yaml:"session_gap_minutes"`
	InterventionWindowSeconds int `mapstructure:"intervention_window_seconds" yaml:"intervention_window_seconds"`
}

// DispatchConfig holds task dispatch and reconciliation tuning. Send URL
// templates are keyed by platform and substitute {shop_id}.
type DispatchConfig struct {
	ReconcileIntervalSeconds int               `mapstructure:"reconcile_interval_seconds" yaml:"reconcile_interval_seconds"`
	RequeueGraceSeconds      int               `mapstructure:"requeue_grace_seconds" yaml:"requeue_grace_seconds"`
	SendURLTemplates         map[string]string `mapstructure:"send_url_templates" yaml:"send_url_templates"`
}

// NotifierConfig holds the human-notification outbox dispatcher settings.
// An empty endpoint disables delivery; outbox rows are still written.
type NotifierConfig struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	IntervalSeconds int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PendingGrace returns the window a PENDING session may stay unactivated.
func (s *SessionConfig) PendingGrace() time.Duration {
	return time.Duration(s.PendingGraceSeconds) * time.Second
}

// ReapInterval returns the reaper sweep period.
func (s *SessionConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSeconds) * time.Second
}

// SessionGap returns the silence gap after which a batch opens a new session.
func (i *IngestConfig) SessionGap() time.Duration {
	return time.Duration(i.SessionGapMinutes) * time.Minute
}

// InterventionWindow returns how far back a send task can match an
// account-sourced message.
func (i *IngestConfig) InterventionWindow() time.Duration {
	return time.Duration(i.InterventionWindowSeconds) * time.Second
}

// ReconcileInterval returns the dispatch reconciliation sweep period.
func (d *DispatchConfig) ReconcileInterval() time.Duration {
	return time.Duration(d.ReconcileIntervalSeconds) * time.Second
}

// RequeueGrace returns how long a task may sit in PENDING before the
// reconciler re-queues it.
func (d *DispatchConfig) RequeueGrace() time.Duration {
	return time.Duration(d.RequeueGraceSeconds) * time.Second
}

// SendURLTemplate returns the send URL template for a platform, empty when
// the platform is not configured.
func (d *DispatchConfig) SendURLTemplate(platform string) string {
	return d.SendURLTemplates[platform]
}

// Interval returns the outbox sweep period.
func (n *NotifierConfig) Interval() time.Duration {
	return time.Duration(n.IntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in Kubernetes or explicit production
// environments, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("CHATBROKER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 30)

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "chatbroker.db")
	v.SetDefault("store.busy_timeout_ms", 5000)

	// Empty URL means use the in-memory queue
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.key", "chatbroker:send_tasks")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "chatbroker")
	v.SetDefault("nats.max_reconnects", 10)

	// Bot sessions idle out after an hour, human ones after a work day
	v.SetDefault("session.default_max_inactive_minutes", 60)
	v.SetDefault("session.default_human_max_inactive_minutes", 480)
	v.SetDefault("session.pending_grace_seconds", 60)
	v.SetDefault("session.reap_interval_seconds", 30)

	v.SetDefault("ingest.session_gap_minutes", 30)
	v.SetDefault("ingest.intervention_window_seconds", 600)

	v.SetDefault("dispatch.reconcile_interval_seconds", 30)
	v.SetDefault("dispatch.requeue_grace_seconds", 120)
	v.SetDefault("dispatch.send_url_templates", map[string]string{
		"淘天": "https://chat.taobao.tw/im/send?shop_id={shop_id}",
	})

	v.SetDefault("notifier.endpoint", "")
	v.SetDefault("notifier.interval_seconds", 15)
	v.SetDefault("notifier.max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATBROKER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/chatbroker/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chatbroker/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, "store.driver must be one of: sqlite3, pgx")
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn is required")
	}

	if cfg.Session.DefaultMaxInactiveMinutes <= 0 {
		errs = append(errs, "session.default_max_inactive_minutes must be positive")
	}
	if cfg.Session.DefaultHumanMaxInactiveMinutes <= 0 {
		errs = append(errs, "session.default_human_max_inactive_minutes must be positive")
	}
	if cfg.Session.PendingGraceSeconds <= 0 {
		errs = append(errs, "session.pending_grace_seconds must be positive")
	}
	if cfg.Ingest.SessionGapMinutes <= 0 {
		errs = append(errs, "ingest.session_gap_minutes must be positive")
	}
	if cfg.Dispatch.ReconcileIntervalSeconds <= 0 {
		errs = append(errs, "dispatch.reconcile_interval_seconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
