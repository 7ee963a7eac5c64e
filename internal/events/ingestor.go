package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"risk-gate/internal/monitoring"
)

// IngestorConfig holds the kafka consumer settings for risk telemetry.
type IngestorConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// DefaultIngestorConfig returns the settings used when config is nil.
func DefaultIngestorConfig() *IngestorConfig {
	return &IngestorConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "risk-events",
		GroupID: "risk-gate",
	}
}

// Ingestor consumes risk events from kafka, records them in the event
// log and republishes them on the in-process bus for the automatic
// trigger evaluators.
type Ingestor struct {
	reader   *kafka.Reader
	eventLog *EventLog
	bus      *EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestor creates an ingestor for the configured topic.
func NewIngestor(cfg *IngestorConfig, eventLog *EventLog, bus *EventBus, logger zerolog.Logger) *Ingestor {
	if cfg == nil {
		cfg = DefaultIngestorConfig()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6, // 10MB
	})

	return &Ingestor{
		reader:   reader,
		eventLog: eventLog,
		bus:      bus,
		logger:   logger.With().Str("component", "risk_event_ingestor").Logger(),
	}
}

// Start begins consuming in a background goroutine.
func (i *Ingestor) Start() error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("risk event ingestor already running")
	}
	i.running = true
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.mu.Unlock()

	i.logger.Info().Msg("Starting risk event ingestor")

	i.wg.Add(1)
	go i.consumeLoop(ctx)

	return nil
}

// Stop halts consumption and closes the kafka reader.
func (i *Ingestor) Stop() error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return fmt.Errorf("risk event ingestor not running")
	}
	i.running = false
	i.mu.Unlock()

	i.cancel()
	if err := i.reader.Close(); err != nil {
		i.logger.Warn().Err(err).Msg("Error closing kafka reader")
	}
	i.wg.Wait()

	i.logger.Info().Msg("Risk event ingestor stopped")
	return nil
}

// IsRunning returns whether the ingestor is consuming.
func (i *Ingestor) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Ingestor) consumeLoop(ctx context.Context) {
	defer i.wg.Done()

	for {
		msg, err := i.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			i.logger.Error().Err(err).Msg("Failed to read kafka message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		i.handleMessage(ctx, msg)
	}
}

func (i *Ingestor) handleMessage(ctx context.Context, msg kafka.Message) {
	var ev RiskEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		i.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Dropping malformed risk event")
		return
	}
	if ev.TenantID == "" {
		i.logger.Warn().Int64("offset", msg.Offset).Msg("Dropping risk event without tenant")
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = msg.Time
	}

	// A failed write costs the windowed evaluators one observation; the
	// instantaneous triggers still see the event via the bus.
	if err := i.eventLog.Record(ctx, ev); err != nil {
		i.logger.Error().Err(err).Str("tenant_id", ev.TenantID).Msg("Failed to persist risk event")
		monitoring.RecordError("risk_event_persist")
	}

	monitoring.RecordRiskEvent(string(ev.EventType))
	i.bus.PublishRiskObservation(ev)
}
