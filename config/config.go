/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. DefaultConfig()
  2. YAML file (--config flag or BILLING_CONFIG)
  3. .env file, loaded into the process environment by the caller
  4. Environment variables

ENVIRONMENT:
  PORT, DATABASE_PATH, LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT,
  BILLING_CURRENCY, STRIPE_API_KEY, SLACK_BOT_TOKEN, SLACK_CHANNEL,
  NATS_URL, NATS_SUBJECT_PREFIX, SWEEP_SCHEDULE, RECONCILE_SCHEDULE

Optional integrations (Stripe, Slack, NATS) are enabled by setting their
credentials; leaving them empty selects the local fallback.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/billing-ledger/billing"
	"github.com/warp/billing-ledger/logger"
)

const EnvConfigPath = "BILLING_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Billing   BillingConfig   `yaml:"billing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Slack     SlackConfig     `yaml:"slack"`
	NATS      NATSConfig      `yaml:"nats"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type BillingConfig struct {
	Currency             string            `yaml:"currency"`
	Prefixes             map[string]string `yaml:"prefixes"`
	ConflictRetries      uint64            `yaml:"conflict_retries"`
	ProcessorTimeout     time.Duration     `yaml:"processor_timeout"`
	ChargeLookupGrace    time.Duration     `yaml:"charge_lookup_grace"`
	ReminderWindowDays   int               `yaml:"reminder_window_days"`
	ReminderIntervalDays int               `yaml:"reminder_interval_days"`
	ReminderConcurrency  int               `yaml:"reminder_concurrency"`
	SweepBatchSize       int               `yaml:"sweep_batch_size"`
}

// SchedulerConfig takes cron specs ("0 * * * *") or descriptors ("@every 1h").
// An empty spec disables the job.
type SchedulerConfig struct {
	SweepSchedule     string `yaml:"sweep_schedule"`
	ReconcileSchedule string `yaml:"reconcile_schedule"`
}

type StripeConfig struct {
	APIKey string `yaml:"api_key"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns a configuration that runs locally with no external
// services.
func DefaultConfig() *Config {
	s := billing.DefaultSettings()
	prefixes := make(map[string]string, len(s.Prefixes))
	for t, p := range s.Prefixes {
		prefixes[string(t)] = p
	}
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/billing.db"},
		Log:      LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Billing: BillingConfig{
			Currency:             s.Currency,
			Prefixes:             prefixes,
			ConflictRetries:      s.ConflictRetries,
			ProcessorTimeout:     s.ProcessorTimeout,
			ChargeLookupGrace:    s.ChargeLookupGrace,
			ReminderWindowDays:   s.ReminderWindowDays,
			ReminderIntervalDays: s.ReminderIntervalDays,
			ReminderConcurrency:  s.ReminderConcurrency,
			SweepBatchSize:       s.SweepBatchSize,
		},
		Scheduler: SchedulerConfig{
			SweepSchedule:     "@every 1h",
			ReconcileSchedule: "@every 10m",
		},
		NATS: NATSConfig{SubjectPrefix: "billing"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (or $BILLING_CONFIG) and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes YAML over the current values, so keys absent from the
// file keep their defaults.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be a number: %w", err)
		}
		c.Server.Port = port
	}
	c.Database.Path = getEnv("DATABASE_PATH", c.Database.Path)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)
	c.Billing.Currency = getEnv("BILLING_CURRENCY", c.Billing.Currency)
	c.Stripe.APIKey = getEnv("STRIPE_API_KEY", c.Stripe.APIKey)
	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.Channel = getEnv("SLACK_CHANNEL", c.Slack.Channel)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.Scheduler.SweepSchedule = getEnv("SWEEP_SCHEDULE", c.Scheduler.SweepSchedule)
	c.Scheduler.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", c.Scheduler.ReconcileSchedule)
	return nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if len(c.Billing.Currency) != 3 {
		errs = append(errs, fmt.Errorf("billing.currency %q must be a 3-letter code", c.Billing.Currency))
	}
	for t := range c.Billing.Prefixes {
		if !billing.SequenceType(t).Valid() {
			errs = append(errs, fmt.Errorf("billing.prefixes: unknown document type %q", t))
		}
	}
	if c.Billing.ProcessorTimeout < 0 {
		errs = append(errs, errors.New("billing.processor_timeout cannot be negative"))
	}
	if c.Billing.ChargeLookupGrace < 0 {
		errs = append(errs, errors.New("billing.charge_lookup_grace cannot be negative"))
	}
	if c.Slack.BotToken != "" && c.Slack.Channel == "" {
		errs = append(errs, errors.New("slack.channel is required when slack.bot_token is set"))
	}
	return errors.Join(errs...)
}

// Settings converts the billing section for the ledger.
func (c *Config) Settings() billing.Settings {
	prefixes := make(map[billing.SequenceType]string, len(c.Billing.Prefixes))
	for t, p := range c.Billing.Prefixes {
		prefixes[billing.SequenceType(t)] = p
	}
	return billing.Settings{
		Currency:             strings.ToLower(c.Billing.Currency),
		Prefixes:             prefixes,
		ConflictRetries:      c.Billing.ConflictRetries,
		ProcessorTimeout:     c.Billing.ProcessorTimeout,
		ChargeLookupGrace:    c.Billing.ChargeLookupGrace,
		ReminderWindowDays:   c.Billing.ReminderWindowDays,
		ReminderIntervalDays: c.Billing.ReminderIntervalDays,
		ReminderConcurrency:  c.Billing.ReminderConcurrency,
		SweepBatchSize:       c.Billing.SweepBatchSize,
	}
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Output: c.Log.Output,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
