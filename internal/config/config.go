// Package config loads and validates engine configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Health     HealthConfig     `yaml:"health"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings. Redis is optional; without it the
// engine falls back to PG advisory locks and loses the reactor's
// idempotency guard (at-least-once handling still applies).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig holds the tick intervals and batch bounds.
type SchedulerConfig struct {
	Enabled                 bool `yaml:"enabled"`
	SnapshotIntervalHours   int  `yaml:"snapshot_interval_hours"`
	CampaignIntervalMinutes int  `yaml:"campaign_interval_minutes"`
	EscalationIntervalHours int  `yaml:"escalation_interval_hours"`
	SnapshotBatchWorkers    int  `yaml:"snapshot_batch_workers"`
	CampaignBatchSize       int  `yaml:"campaign_batch_size"`
}

// HealthConfig holds classifier thresholds.
type HealthConfig struct {
	InactivityDays      int     `yaml:"inactivity_days"`
	LowUsageTrips       int     `yaml:"low_usage_trips"`
	FailedPaymentLimit  int     `yaml:"failed_payment_limit"`
	MinPaymentSuccess   float64 `yaml:"min_payment_success"`
	TicketSurgeLimit    int     `yaml:"ticket_surge_limit"`
	SnapshotLookbackHrs int     `yaml:"snapshot_lookback_hours"`
}

// EscalationConfig holds the sustained-red monitor settings.
type EscalationConfig struct {
	WindowDays int    `yaml:"window_days"`
	Recipient  string `yaml:"recipient"`
}

// NotifyConfig holds the notification boundary settings. SMTP is the
// default transport; SES takes over when configured.
type NotifyConfig struct {
	SMTPHost   string   `yaml:"smtp_host"`
	SMTPPort   int      `yaml:"smtp_port"`
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
	SESRegion  string   `yaml:"ses_region"`
	SESKey     string   `yaml:"ses_access_key"`
	SESSecret  string   `yaml:"ses_secret_key"`
	QueueDepth int      `yaml:"queue_depth"`
}

// SESEnabled reports whether the SES sender should be used.
func (n NotifyConfig) SESEnabled() bool {
	return n.SESKey != "" && n.SESSecret != ""
}

// WebhooksConfig holds inbound billing-webhook settings.
type WebhooksConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningSecret string `yaml:"signing_secret"`
	MaxRetries    int    `yaml:"max_retries"`
}

// Load reads the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML file (optional) and overlays environment
// variables. A missing file yields a default config driven purely by env.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if loaded, err := Load(path); err == nil {
			cfg = loaded
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BILLING_WEBHOOK_SECRET"); v != "" {
		cfg.Webhooks.SigningSecret = v
	}
	if v := os.Getenv("ESCALATION_RECIPIENT"); v != "" {
		cfg.Escalation.Recipient = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.Notify.SESKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.Notify.SESSecret = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Scheduler.SnapshotIntervalHours == 0 {
		c.Scheduler.SnapshotIntervalHours = 24
	}
	if c.Scheduler.CampaignIntervalMinutes == 0 {
		c.Scheduler.CampaignIntervalMinutes = 15
	}
	if c.Scheduler.EscalationIntervalHours == 0 {
		c.Scheduler.EscalationIntervalHours = 24
	}
	if c.Scheduler.SnapshotBatchWorkers == 0 {
		c.Scheduler.SnapshotBatchWorkers = 8
	}
	if c.Scheduler.CampaignBatchSize == 0 {
		c.Scheduler.CampaignBatchSize = 50
	}
	if c.Health.InactivityDays == 0 {
		c.Health.InactivityDays = 30
	}
	if c.Health.LowUsageTrips == 0 {
		c.Health.LowUsageTrips = 1
	}
	if c.Health.FailedPaymentLimit == 0 {
		c.Health.FailedPaymentLimit = 2
	}
	if c.Health.MinPaymentSuccess == 0 {
		c.Health.MinPaymentSuccess = 0.80
	}
	if c.Health.TicketSurgeLimit == 0 {
		c.Health.TicketSurgeLimit = 5
	}
	if c.Health.SnapshotLookbackHrs == 0 {
		c.Health.SnapshotLookbackHrs = 48
	}
	if c.Escalation.WindowDays == 0 {
		c.Escalation.WindowDays = 7
	}
	if c.Notify.SMTPPort == 0 {
		c.Notify.SMTPPort = 587
	}
	if c.Notify.SESRegion == "" {
		c.Notify.SESRegion = "us-west-2"
	}
	if c.Notify.QueueDepth == 0 {
		c.Notify.QueueDepth = 256
	}
	if c.Webhooks.MaxRetries == 0 {
		c.Webhooks.MaxRetries = 3
	}
}

// Validate hard-fails on missing required settings. Configuration errors
// abort the whole run rather than surfacing per account.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url (DATABASE_URL) is required")
	}
	if c.Webhooks.Enabled && c.Webhooks.SigningSecret == "" {
		return fmt.Errorf("config: webhooks.signing_secret (BILLING_WEBHOOK_SECRET) is required when webhooks are enabled")
	}
	if c.Escalation.Recipient == "" {
		return fmt.Errorf("config: escalation.recipient is required")
	}
	return nil
}

// SnapshotInterval returns the snapshot tick interval.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Scheduler.SnapshotIntervalHours) * time.Hour
}

// CampaignInterval returns the campaign tick interval.
func (c *Config) CampaignInterval() time.Duration {
	return time.Duration(c.Scheduler.CampaignIntervalMinutes) * time.Minute
}

// EscalationInterval returns the escalation tick interval.
func (c *Config) EscalationInterval() time.Duration {
	return time.Duration(c.Scheduler.EscalationIntervalHours) * time.Hour
}

// SnapshotLookback returns the prior-snapshot lookback window.
func (c *Config) SnapshotLookback() time.Duration {
	return time.Duration(c.Health.SnapshotLookbackHrs) * time.Hour
}
