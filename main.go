package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"risk-gate/config"
	"risk-gate/internal/circuit"
	"risk-gate/internal/events"
	"risk-gate/internal/killswitch"
	"risk-gate/internal/monitoring"
	"risk-gate/internal/notification"
	"risk-gate/internal/store"
)

func main() {
	// Local development overrides
	godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Str("store_backend", cfg.StoreConfig.Backend).Msg("Risk gate starting")

	// Initialize the state store
	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer closeStore()

	// Initialize event bus
	bus := events.NewEventBus()

	// Event log retains risk telemetry for windowed breaker evaluation
	eventLog := events.NewEventLog(s, 0, logger)

	// Notification sinks. The log sink is unconditional so alerts are
	// never silently dropped.
	notifyManager := notification.NewManager(logger)
	notifyManager.AddSink(notification.NewLogSink(logger))
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Webhook.Enabled {
			notifyManager.AddSink(notification.NewWebhookSink(notification.WebhookConfig{
				URL:     cfg.NotificationConfig.Webhook.URL,
				Enabled: true,
			}))
			logger.Info().Msg("Webhook alerts enabled")
		}
		if cfg.NotificationConfig.Kafka.Enabled {
			notifyManager.AddSink(notification.NewKafkaSink(notification.KafkaConfig{
				Brokers: cfg.KafkaConfig.Brokers,
				Topic:   cfg.NotificationConfig.Kafka.Topic,
				Enabled: true,
			}))
			logger.Info().Str("topic", cfg.NotificationConfig.Kafka.Topic).Msg("Kafka alerts enabled")
		}
	}
	defer notifyManager.Close()

	// Kill switch controller with the alert fan-out as its collaborator.
	// Order cancellation belongs to the order-management system; callers
	// that own orders inject their own CancelOrdersFunc per activation.
	killSwitch := killswitch.NewController(s, bus, logger)
	killSwitch.SetCollaborators(nil, notifyManager.Alert)

	// Circuit breakers: registry, automatic tripping, cooldown sweeps
	registry := circuit.NewRegistry(s, bus, logger)
	autotrip := circuit.NewEvaluator(registry, eventLog, logger)
	cooldowns := circuit.NewScheduler(registry, s, &circuit.SchedulerConfig{
		SweepInterval: cfg.SchedulerConfig.SweepInterval(),
		SweepTimeout:  cfg.SchedulerConfig.SweepTimeout(),
	}, logger)

	// Ingested telemetry drives both automatic kill switch triggers and
	// breaker auto-trips.
	bus.Subscribe(events.EventRiskObservation, killSwitch.HandleRiskObservation)
	bus.Subscribe(events.EventRiskObservation, autotrip.HandleRiskObservation)
	bus.SubscribeAll(func(e events.Event) {
		logger.Debug().Str("event_type", string(e.Type)).Str("tenant_id", e.TenantID).Msg("Bus event")
	})

	// Kafka telemetry ingestion
	var ingestor *events.Ingestor
	if cfg.KafkaConfig.Enabled {
		ingestor = events.NewIngestor(&events.IngestorConfig{
			Brokers: cfg.KafkaConfig.Brokers,
			Topic:   cfg.KafkaConfig.EventTopic,
			GroupID: cfg.KafkaConfig.GroupID,
		}, eventLog, bus, logger)
		if err := ingestor.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start risk event ingestor")
		}
	} else {
		logger.Warn().Msg("Kafka disabled, automatic triggers only fire on in-process events")
	}

	if err := cooldowns.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start cooldown scheduler")
	}

	// Prometheus endpoint
	var metricsServer *http.Server
	if cfg.MetricsConfig.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.NewMetricsHandler())
		metricsServer = &http.Server{Addr: cfg.MetricsConfig.ListenAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.MetricsConfig.ListenAddr).Msg("Metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	logger.Info().Msg("Risk gate running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	if ingestor != nil && ingestor.IsRunning() {
		if err := ingestor.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Error stopping ingestor")
		}
	}
	if cooldowns.IsRunning() {
		if err := cooldowns.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Error stopping cooldown scheduler")
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down metrics server")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// newLogger builds the root logger from config. Components derive their
// own child loggers with the component field.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openStore builds the configured store backend and returns it with its
// cleanup function.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch strings.ToLower(cfg.StoreConfig.Backend) {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info().Str("address", cfg.RedisConfig.Address).Msg("Connected to redis")
		return store.NewRedisStore(client, logger), func() { client.Close() }, nil

	case "postgres":
		pg, err := store.NewPostgresStore(store.PostgresConfig{
			Host:     cfg.PostgresConfig.Host,
			Port:     cfg.PostgresConfig.Port,
			User:     cfg.PostgresConfig.User,
			Password: cfg.PostgresConfig.Password,
			Database: cfg.PostgresConfig.Database,
			SSLMode:  cfg.PostgresConfig.SSLMode,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info().Str("host", cfg.PostgresConfig.Host).Msg("Connected to postgres")
		return pg, func() { pg.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreConfig.Backend)
	}
}
