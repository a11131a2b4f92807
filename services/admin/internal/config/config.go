package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RabbitMQHost     string `yaml:"rabbitmqHost"`
	RabbitMQPort     int    `yaml:"rabbitmqPort"`
	RabbitMQVhost    string `yaml:"rabbitmqVhost"`
	RabbitMQUser     string `yaml:"rabbitmqUser"`
	RabbitMQPassword string `yaml:"rabbitmqPassword"`

	// PublishMode is "outbox" (default) or "direct".
	PublishMode               string `yaml:"publishMode"`
	OutboxPollIntervalSeconds int    `yaml:"outboxPollIntervalSeconds"`
	ConsumerBackoffSeconds    int    `yaml:"consumerBackoffSeconds"`
	// ConsumerRetryDelaySeconds is the first pause before a failed event is
	// redelivered; it doubles per attempt.
	ConsumerRetryDelaySeconds int   `yaml:"consumerRetryDelaySeconds"`
	ConsumerMaxAttempts       int   `yaml:"consumerMaxAttempts"`
	DeadLetter                *bool `yaml:"deadLetter"`

	RedisAddr          string   `yaml:"redisAddr"`
	RedisPassword      string   `yaml:"redisPassword"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	TrustedProxies     []string `yaml:"trustedProxies"`
}

// DeadLetterEnabled reports whether exhausted deliveries go to the dead-letter queue.
func (c FileConfig) DeadLetterEnabled() bool {
	return c.DeadLetter == nil || *c.DeadLetter
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RABBITMQ_HOST"); v != "" {
		cfg.RabbitMQHost = v
	}
	if v := os.Getenv("RABBITMQ_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RabbitMQPort = n
		}
	}
	if v := os.Getenv("RABBITMQ_VHOST"); v != "" {
		cfg.RabbitMQVhost = v
	}
	if v := os.Getenv("RABBITMQ_USER"); v != "" {
		cfg.RabbitMQUser = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		cfg.RabbitMQPassword = v
	}
	if v := os.Getenv("ADMIN_PUBLISH_MODE"); v != "" {
		cfg.PublishMode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ADMIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("ADMIN_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.RabbitMQPort == 0 {
		cfg.RabbitMQPort = 5672
	}
	if cfg.RabbitMQVhost == "" {
		cfg.RabbitMQVhost = "/"
	}
	cfg.PublishMode = strings.ToLower(strings.TrimSpace(cfg.PublishMode))
	if cfg.PublishMode == "" {
		cfg.PublishMode = "outbox"
	}
	if cfg.OutboxPollIntervalSeconds <= 0 {
		cfg.OutboxPollIntervalSeconds = 2
	}
	if cfg.ConsumerBackoffSeconds <= 0 {
		cfg.ConsumerBackoffSeconds = 5
	}
	if cfg.ConsumerRetryDelaySeconds <= 0 {
		cfg.ConsumerRetryDelaySeconds = 2
	}
	if cfg.ConsumerMaxAttempts <= 0 {
		cfg.ConsumerMaxAttempts = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RabbitMQHost == "" {
		return errors.New("config: rabbitmqHost is required (set in config.yaml or RABBITMQ_HOST)")
	}
	if cfg.RabbitMQUser == "" {
		return errors.New("config: rabbitmqUser is required (set in config.yaml or RABBITMQ_USER)")
	}
	if cfg.RabbitMQPassword == "" {
		return errors.New("config: rabbitmqPassword is required (set in config.yaml or RABBITMQ_PASSWORD)")
	}
	if cfg.PublishMode != "outbox" && cfg.PublishMode != "direct" {
		return fmt.Errorf("config: publishMode must be outbox or direct, got %q", cfg.PublishMode)
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
