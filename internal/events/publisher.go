// Package events publishes job lifecycle events to Kafka so that other services can
// react to finished uploads without polling the status endpoint.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const (
	defaultTopic        = "tablehouse.jobs"
	defaultWriteTimeout = 5 * time.Second
)

// ErrNoBrokers is returned by NewKafkaPublisher when no broker address is configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// Config selects the brokers and topic for job events.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadConfig reads TABLEHOUSE_KAFKA_BROKERS (comma separated), TABLEHOUSE_KAFKA_TOPIC
// and TABLEHOUSE_KAFKA_WRITE_TIMEOUT.
func LoadConfig() Config {
	return Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("TABLEHOUSE_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("TABLEHOUSE_KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("TABLEHOUSE_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ jobs.Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes each event as one JSON message keyed by job ID, so all
// events of a job land on the same partition in order.
type KafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewKafkaPublisher creates a publisher. The writer connects lazily, so an
// unreachable broker surfaces as Publish errors rather than here.
func NewKafkaPublisher(cfg Config, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
	}

	return newKafkaPublisher(writer, cfg.WriteTimeout, logger), nil
}

func newKafkaPublisher(writer messageWriter, writeTimeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &KafkaPublisher{writer: writer, writeTimeout: writeTimeout, logger: logger}
}

// Publish implements jobs.Publisher. It waits at most the configured write timeout.
func (p *KafkaPublisher) Publish(ctx context.Context, event jobs.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.JobID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Published job event",
		slog.String("type", string(event.Type)),
		slog.String("task_id", event.JobID))

	return nil
}

// Close flushes pending messages and closes the connection.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
