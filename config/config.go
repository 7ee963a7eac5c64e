package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	StoreConfig        StoreConfig        `json:"store"`
	RedisConfig        RedisConfig        `json:"redis"`
	PostgresConfig     PostgresConfig     `json:"postgres"`
	KafkaConfig        KafkaConfig        `json:"kafka"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	NotificationConfig NotificationConfig `json:"notification"`
	MetricsConfig      MetricsConfig      `json:"metrics"`
	PretradeConfig     PretradeConfig     `json:"pretrade"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend string `json:"backend"` // memory, redis, or postgres
}

// RedisConfig holds Redis connection settings for the redis backend.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// KafkaConfig holds the broker list and topics for risk telemetry.
type KafkaConfig struct {
	Enabled    bool     `json:"enabled"`
	Brokers    []string `json:"brokers"`
	EventTopic string   `json:"event_topic"` // consumed risk events
	GroupID    string   `json:"group_id"`
}

// SchedulerConfig holds the breaker cooldown sweep settings.
type SchedulerConfig struct {
	SweepIntervalSecs int `json:"sweep_interval_secs"`
	SweepTimeoutSecs  int `json:"sweep_timeout_secs"`
}

type NotificationConfig struct {
	Enabled bool              `json:"enabled"`
	Webhook WebhookConfig     `json:"webhook"`
	Kafka   KafkaAlertsConfig `json:"kafka"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// KafkaAlertsConfig toggles alert publication. Brokers come from the
// top-level kafka section.
type KafkaAlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Topic   string `json:"topic"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// PretradeConfig holds venue-level validation defaults. A zero
// DefaultMaxLeverage leaves the leverage check caller-controlled.
type PretradeConfig struct {
	DefaultMaxLeverage float64 `json:"default_max_leverage"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // human console output instead of JSON
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Store config
	cfg.StoreConfig.Backend = getEnvOrDefault("STORE_BACKEND", cfg.StoreConfig.Backend)
	if cfg.StoreConfig.Backend == "" {
		cfg.StoreConfig.Backend = "memory"
	}

	// Redis config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
	}

	// Postgres config
	cfg.PostgresConfig.Host = getEnvOrDefault("POSTGRES_HOST", cfg.PostgresConfig.Host)
	if cfg.PostgresConfig.Host == "" {
		cfg.PostgresConfig.Host = "localhost"
	}
	if cfg.PostgresConfig.Port == 0 {
		cfg.PostgresConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", 5432)
	}
	cfg.PostgresConfig.User = getEnvOrDefault("POSTGRES_USER", cfg.PostgresConfig.User)
	cfg.PostgresConfig.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.PostgresConfig.Password)
	cfg.PostgresConfig.Database = getEnvOrDefault("POSTGRES_DB", cfg.PostgresConfig.Database)
	if cfg.PostgresConfig.Database == "" {
		cfg.PostgresConfig.Database = "riskgate"
	}
	cfg.PostgresConfig.SSLMode = getEnvOrDefault("POSTGRES_SSL_MODE", cfg.PostgresConfig.SSLMode)
	if cfg.PostgresConfig.SSLMode == "" {
		cfg.PostgresConfig.SSLMode = "disable"
	}

	// Kafka config
	cfg.KafkaConfig.Enabled = getEnvOrDefault("KAFKA_ENABLED", boolString(cfg.KafkaConfig.Enabled)) == "true"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaConfig.Brokers = splitAndTrim(brokers)
	}
	if len(cfg.KafkaConfig.Brokers) == 0 {
		cfg.KafkaConfig.Brokers = []string{"localhost:9092"}
	}
	cfg.KafkaConfig.EventTopic = getEnvOrDefault("KAFKA_EVENT_TOPIC", cfg.KafkaConfig.EventTopic)
	if cfg.KafkaConfig.EventTopic == "" {
		cfg.KafkaConfig.EventTopic = "risk-events"
	}
	cfg.KafkaConfig.GroupID = getEnvOrDefault("KAFKA_GROUP_ID", cfg.KafkaConfig.GroupID)
	if cfg.KafkaConfig.GroupID == "" {
		cfg.KafkaConfig.GroupID = "risk-gate"
	}

	// Scheduler config
	if cfg.SchedulerConfig.SweepIntervalSecs == 0 {
		cfg.SchedulerConfig.SweepIntervalSecs = getEnvIntOrDefault("SCHEDULER_SWEEP_INTERVAL_SECS", 30)
	}
	if cfg.SchedulerConfig.SweepTimeoutSecs == 0 {
		cfg.SchedulerConfig.SweepTimeoutSecs = getEnvIntOrDefault("SCHEDULER_SWEEP_TIMEOUT_SECS", 120)
	}

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Webhook.Enabled = getEnvOrDefault("WEBHOOK_ENABLED", boolString(cfg.NotificationConfig.Webhook.Enabled)) == "true"
	cfg.NotificationConfig.Webhook.URL = getEnvOrDefault("WEBHOOK_URL", cfg.NotificationConfig.Webhook.URL)
	cfg.NotificationConfig.Kafka.Enabled = getEnvOrDefault("KAFKA_ALERTS_ENABLED", boolString(cfg.NotificationConfig.Kafka.Enabled)) == "true"
	cfg.NotificationConfig.Kafka.Topic = getEnvOrDefault("KAFKA_ALERT_TOPIC", cfg.NotificationConfig.Kafka.Topic)
	if cfg.NotificationConfig.Kafka.Topic == "" {
		cfg.NotificationConfig.Kafka.Topic = "risk-alerts"
	}

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
	cfg.MetricsConfig.ListenAddr = getEnvOrDefault("METRICS_LISTEN_ADDR", cfg.MetricsConfig.ListenAddr)
	if cfg.MetricsConfig.ListenAddr == "" {
		cfg.MetricsConfig.ListenAddr = ":9095"
	}

	// Pretrade config
	cfg.PretradeConfig.DefaultMaxLeverage = getEnvFloatOrDefault("PRETRADE_DEFAULT_MAX_LEVERAGE", cfg.PretradeConfig.DefaultMaxLeverage)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolString(cfg.LoggingConfig.Pretty)) == "true"
}

// SweepInterval returns the cooldown sweep interval as a duration.
func (c *SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// SweepTimeout returns the per-sweep context timeout as a duration.
func (c *SchedulerConfig) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutSecs) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		StoreConfig: StoreConfig{
			Backend: "memory",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		PostgresConfig: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "riskgate",
			Password: "",
			Database: "riskgate",
			SSLMode:  "disable",
		},
		KafkaConfig: KafkaConfig{
			Enabled:    false,
			Brokers:    []string{"localhost:9092"},
			EventTopic: "risk-events",
			GroupID:    "risk-gate",
		},
		SchedulerConfig: SchedulerConfig{
			SweepIntervalSecs: 30,
			SweepTimeoutSecs:  120,
		},
		NotificationConfig: NotificationConfig{
			Enabled: true,
			Webhook: WebhookConfig{
				Enabled: false,
				URL:     "",
			},
			Kafka: KafkaAlertsConfig{
				Enabled: false,
				Topic:   "risk-alerts",
			},
		},
		MetricsConfig: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9095",
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
