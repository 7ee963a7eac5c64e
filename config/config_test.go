package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := &Config{}
	applyEnvOverrides(cfg)

	if cfg.StoreConfig.Backend != "memory" {
		t.Errorf("Expected memory backend default, got %s", cfg.StoreConfig.Backend)
	}
	if cfg.RedisConfig.Address != "localhost:6379" {
		t.Errorf("Expected redis default address, got %s", cfg.RedisConfig.Address)
	}
	if cfg.PostgresConfig.Port != 5432 {
		t.Errorf("Expected postgres default port, got %d", cfg.PostgresConfig.Port)
	}
	if cfg.KafkaConfig.EventTopic != "risk-events" {
		t.Errorf("Expected default event topic, got %s", cfg.KafkaConfig.EventTopic)
	}
	if cfg.SchedulerConfig.SweepIntervalSecs != 30 {
		t.Errorf("Expected 30s sweep interval default, got %d", cfg.SchedulerConfig.SweepIntervalSecs)
	}
	if cfg.MetricsConfig.ListenAddr != ":9095" {
		t.Errorf("Expected default metrics addr, got %s", cfg.MetricsConfig.ListenAddr)
	}
	if cfg.LoggingConfig.Level != "info" {
		t.Errorf("Expected info log level default, got %s", cfg.LoggingConfig.Level)
	}
}

func TestApplyEnvOverridesPrecedence(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := &Config{StoreConfig: StoreConfig{Backend: "postgres"}}
	applyEnvOverrides(cfg)

	if cfg.StoreConfig.Backend != "redis" {
		t.Errorf("Expected env to win over file value, got %s", cfg.StoreConfig.Backend)
	}
	if len(cfg.KafkaConfig.Brokers) != 2 || cfg.KafkaConfig.Brokers[1] != "kafka-2:9092" {
		t.Errorf("Expected parsed broker list, got %v", cfg.KafkaConfig.Brokers)
	}
	if cfg.LoggingConfig.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.LoggingConfig.Level)
	}
}

func TestSchedulerDurations(t *testing.T) {
	cfg := SchedulerConfig{SweepIntervalSecs: 45, SweepTimeoutSecs: 90}
	if cfg.SweepInterval().Seconds() != 45 {
		t.Errorf("Expected 45s interval, got %v", cfg.SweepInterval())
	}
	if cfg.SweepTimeout().Seconds() != 90 {
		t.Errorf("Expected 90s timeout, got %v", cfg.SweepTimeout())
	}
}

func TestGenerateSampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatalf("GenerateSampleConfig failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected sample file written: %v", err)
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if cfg.StoreConfig.Backend != "memory" {
		t.Errorf("Expected memory backend in sample, got %s", cfg.StoreConfig.Backend)
	}
	if cfg.NotificationConfig.Kafka.Topic != "risk-alerts" {
		t.Errorf("Expected alert topic in sample, got %s", cfg.NotificationConfig.Kafka.Topic)
	}
}
