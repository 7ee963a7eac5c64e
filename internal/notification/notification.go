package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"risk-gate/internal/killswitch"
	"risk-gate/internal/monitoring"
)

// DefaultAlertTopic is the kafka topic alerts are published to when
// the config leaves it blank.
const DefaultAlertTopic = "risk-alerts"

// Sink delivers risk alerts to one channel.
type Sink interface {
	Send(ctx context.Context, alert killswitch.Alert) error
	Name() string
	IsEnabled() bool
}

// alertPayload is the wire form shared by the webhook and kafka sinks.
type alertPayload struct {
	killswitch.Alert
	Timestamp time.Time `json:"timestamp"`
}

// Manager fans alerts out to the configured sinks.
type Manager struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewManager creates an empty notification manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		sinks:  make([]Sink, 0),
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// AddSink adds a delivery channel.
func (m *Manager) AddSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Alert sends the alert to every enabled sink, returning the last
// failure. It satisfies killswitch.AlertFunc so the manager can be
// installed as the controller's alert collaborator.
func (m *Manager) Alert(ctx context.Context, alert killswitch.Alert) error {
	var lastErr error
	for _, s := range m.sinks {
		if !s.IsEnabled() {
			continue
		}
		if err := s.Send(ctx, alert); err != nil {
			m.logger.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("tenant_id", alert.TenantID).
				Str("alert_type", string(alert.AlertType)).
				Msg("Failed to deliver alert")
			monitoring.RecordError("alert_delivery")
			lastErr = err
		}
	}
	return lastErr
}

// Close releases sinks that hold connections.
func (m *Manager) Close() error {
	var lastErr error
	for _, s := range m.sinks {
		if closer, ok := s.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes alerts to the structured log. Always enabled; it is
// the floor every deployment gets even with no external channels.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{
		logger: logger.With().Str("component", "alert_log").Logger(),
	}
}

func (l *LogSink) Name() string {
	return "log"
}

func (l *LogSink) IsEnabled() bool {
	return true
}

func (l *LogSink) Send(_ context.Context, alert killswitch.Alert) error {
	l.logger.Warn().
		Str("alert_type", string(alert.AlertType)).
		Str("tenant_id", alert.TenantID).
		Str("trigger_type", string(alert.TriggerType)).
		Str("reason", alert.Reason).
		Msg("Risk alert")
	return nil
}

// =============================================================================
// WEBHOOK SINK
// =============================================================================

// WebhookSink POSTs alerts as JSON to a configured endpoint.
type WebhookSink struct {
	url     string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds webhook sink configuration.
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// NewWebhookSink creates a webhook sink. A blank URL disables it.
func NewWebhookSink(config WebhookConfig) *WebhookSink {
	return &WebhookSink{
		url:     config.URL,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string {
	return "webhook"
}

func (w *WebhookSink) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookSink) Send(ctx context.Context, alert killswitch.Alert) error {
	if !w.enabled {
		return nil
	}

	jsonData, err := json.Marshal(alertPayload{Alert: alert, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// KAFKA SINK
// =============================================================================

// KafkaSink publishes alerts to a kafka topic for downstream consumers.
type KafkaSink struct {
	writer  *kafka.Writer
	enabled bool
}

// KafkaConfig holds kafka sink configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// NewKafkaSink creates a kafka sink. No brokers disables it.
func NewKafkaSink(config KafkaConfig) *KafkaSink {
	if !config.Enabled || len(config.Brokers) == 0 {
		return &KafkaSink{}
	}

	topic := config.Topic
	if topic == "" {
		topic = DefaultAlertTopic
	}

	return &KafkaSink{
		enabled: true,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           10 * time.Second,
		},
	}
}

func (k *KafkaSink) Name() string {
	return "kafka"
}

func (k *KafkaSink) IsEnabled() bool {
	return k.enabled
}

func (k *KafkaSink) Send(ctx context.Context, alert killswitch.Alert) error {
	if !k.enabled {
		return nil
	}

	jsonData, err := json.Marshal(alertPayload{Alert: alert, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal kafka alert: %w", err)
	}

	// Keyed by tenant so one tenant's alerts stay ordered on a partition.
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.TenantID),
		Value: jsonData,
	}); err != nil {
		return fmt.Errorf("failed to publish kafka alert: %w", err)
	}

	return nil
}

// Close closes the kafka writer.
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
