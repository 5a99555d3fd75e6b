// Package config loads service configuration from an optional YAML file
// with environment overrides. Environment variables win over the file, so
// containerized deployments can run file-less.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Roles a process can run. "all" expands to every role.
const (
	RoleIngress   = "ingress"
	RoleIngest    = "ingest"
	RoleScheduler = "scheduler"
	RoleExecutor  = "executor"
	RoleOutbox    = "outbox"
	RoleAdmin     = "admin"
	RoleAll       = "all"
)

var allRoles = []string{RoleIngress, RoleIngest, RoleScheduler, RoleExecutor, RoleOutbox, RoleAdmin}

// Config holds the full service configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	// QueueURL defaults to DatabaseURL: one SQLite file carries both the
	// store and the job queue unless the operator splits them.
	QueueURL    string `yaml:"queue_url"`
	IngressPort int    `yaml:"ingress_port"`
	AdminPort   int    `yaml:"admin_port"`
	Roles       string `yaml:"roles"`
	AdminToken  string `yaml:"admin_token"`
	LogLevel    string `yaml:"log_level"`

	WorkerConcurrency int `yaml:"worker_concurrency"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Retention RetentionConfig `yaml:"retention"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Extractor ServiceConfig   `yaml:"extractor"`
	Drafter   ServiceConfig   `yaml:"drafter"`
	EmailSend EmailSendConfig `yaml:"email_send"`
	ChatSend  ChatSendConfig  `yaml:"chat_send"`
}

// SchedulerConfig controls the due-task scan.
type SchedulerConfig struct {
	Cron string `yaml:"cron"`
}

// Tick converts the cron expression to the scan period.
func (c SchedulerConfig) Tick() (time.Duration, error) {
	return TickFromCron(c.Cron)
}

// OutboxConfig controls the delivery loop.
type OutboxConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RetentionConfig controls inbound text redaction. SweepIntervalMS zero
// disables the periodic sweep; admins can still trigger one.
type RetentionConfig struct {
	Days            int `yaml:"days"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
}

func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// IngressConfig holds webhook verification material. Empty secrets disable
// signature checks (dev mode).
type IngressConfig struct {
	EmailWebhookSecret string `yaml:"email_webhook_secret"`
	ChatAppSecret      string `yaml:"chat_app_secret"`
	ChatVerifyToken    string `yaml:"chat_verify_token"`
}

// ServiceConfig points at a chat-completions service (extractor, drafter).
// Empty URL selects the local fallback implementation.
type ServiceConfig struct {
	URL       string `yaml:"url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (c ServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// EmailSendConfig configures the outbound email provider.
type EmailSendConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// ChatSendConfig configures the outbound chat provider.
type ChatSendConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	NumberID string `yaml:"number_id"`
}

// DefaultConfig returns sane defaults for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL:       "relance.db",
		IngressPort:       8080,
		AdminPort:         8081,
		Roles:             RoleAll,
		LogLevel:          "info",
		WorkerConcurrency: 5,
		Scheduler:         SchedulerConfig{Cron: "* * * * *"},
		Outbox:            OutboxConfig{MaxAttempts: 5, PollIntervalMS: 5000},
		Retention:         RetentionConfig{Days: 60, SweepIntervalMS: 0},
		Extractor:         ServiceConfig{TimeoutMS: 30000},
		Drafter:           ServiceConfig{TimeoutMS: 30000},
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file (if a
// path is given), then environment overrides. Returns a validated config.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.QueueURL == "" {
		cfg.QueueURL = cfg.DatabaseURL
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	envStr(&c.DatabaseURL, "DATABASE_URL")
	// REDIS_URL is the legacy name for the queue DSN; QUEUE_URL wins.
	envStr(&c.QueueURL, "REDIS_URL")
	envStr(&c.QueueURL, "QUEUE_URL")
	envInt(&c.IngressPort, "INGRESS_PORT")
	envInt(&c.AdminPort, "ADMIN_PORT")
	envStr(&c.Roles, "RELANCE_ROLES")
	envStr(&c.AdminToken, "ADMIN_TOKEN")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envInt(&c.WorkerConcurrency, "WORKER_CONCURRENCY")

	envStr(&c.Scheduler.Cron, "SCHEDULER_CRON")
	envInt(&c.Outbox.MaxAttempts, "OUTBOX_MAX_ATTEMPTS")
	envInt(&c.Outbox.PollIntervalMS, "OUTBOX_POLL_INTERVAL_MS")
	envInt(&c.Retention.Days, "RETENTION_DAYS")
	envInt(&c.Retention.SweepIntervalMS, "RETENTION_SWEEP_INTERVAL_MS")

	envStr(&c.Ingress.EmailWebhookSecret, "EMAIL_WEBHOOK_SECRET")
	envStr(&c.Ingress.ChatAppSecret, "CHAT_APP_SECRET")
	envStr(&c.Ingress.ChatVerifyToken, "CHAT_VERIFY_TOKEN")

	envStr(&c.Extractor.URL, "EXTRACTOR_URL")
	envStr(&c.Extractor.Key, "EXTRACTOR_KEY")
	envStr(&c.Extractor.Model, "EXTRACTOR_MODEL")
	envInt(&c.Extractor.TimeoutMS, "EXTRACTOR_TIMEOUT_MS")

	envStr(&c.Drafter.URL, "DRAFTER_URL")
	envStr(&c.Drafter.Key, "DRAFTER_KEY")
	envStr(&c.Drafter.Model, "DRAFTER_MODEL")
	envInt(&c.Drafter.TimeoutMS, "DRAFTER_TIMEOUT_MS")

	envStr(&c.EmailSend.URL, "SEND_EMAIL_URL")
	envStr(&c.EmailSend.Key, "SEND_EMAIL_KEY")
	envStr(&c.ChatSend.URL, "SEND_CHAT_URL")
	envStr(&c.ChatSend.Token, "SEND_CHAT_TOKEN")
	envStr(&c.ChatSend.NumberID, "SEND_CHAT_NUMBER_ID")
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.IngressPort <= 0 || c.IngressPort > 65535 {
		return fmt.Errorf("ingress_port %d out of range", c.IngressPort)
	}
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("admin_port %d out of range", c.AdminPort)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be > 0")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox: max_attempts must be > 0")
	}
	if c.Outbox.PollIntervalMS <= 0 {
		return fmt.Errorf("outbox: poll_interval_ms must be > 0")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention: days must be > 0")
	}
	if c.Retention.SweepIntervalMS < 0 {
		return fmt.Errorf("retention: sweep_interval_ms must be >= 0")
	}
	if _, err := c.Scheduler.Tick(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Extractor.TimeoutMS <= 0 {
		return fmt.Errorf("extractor: timeout_ms must be > 0")
	}
	if c.Drafter.TimeoutMS <= 0 {
		return fmt.Errorf("drafter: timeout_ms must be > 0")
	}
	if _, err := c.RoleSet(); err != nil {
		return err
	}
	return nil
}

// RoleSet expands the roles list. "all" yields every role.
func (c *Config) RoleSet() (map[string]bool, error) {
	set := make(map[string]bool)
	for _, r := range strings.Split(c.Roles, ",") {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		if r == RoleAll {
			for _, a := range allRoles {
				set[a] = true
			}
			continue
		}
		known := false
		for _, a := range allRoles {
			if r == a {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown role %q (valid: %s, all)", r, strings.Join(allRoles, ", "))
		}
		set[r] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("roles is empty")
	}
	return set, nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
