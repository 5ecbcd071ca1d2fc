// Package forward ships admitted events to downstream systems. The
// forwarder is an ordinary bus subscriber; losing a downstream never
// affects admission or the durable log.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"hostguard/internal/schema"
)

// ErrSinkClosed is returned after Close.
var ErrSinkClosed = errors.New("forward: sink closed")

// Sink delivers a batch of events to one downstream system.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []*schema.EventEnvelope) error
	Close() error
}

// KafkaConfig holds Kafka sink configuration.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RequiredAcks int           `yaml:"required_acks"`
}

// DefaultKafkaConfig returns default Kafka sink configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "hostguard.events",
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		MaxAttempts:  3,
		RequiredAcks: -1,
	}
}

// KafkaSink publishes events to a Kafka topic, keyed by host so that a
// single host's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
	closed bool
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
	logger.Info("kafka sink initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaSink{writer: writer, logger: logger}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, batch []*schema.EventEnvelope) error {
	if s.closed {
		return ErrSinkClosed
	}
	messages := make([]kafka.Message, 0, len(batch))
	for _, env := range batch {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", env.Sequence, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(env.Host),
			Value: data,
			Time:  env.Timestamp,
		})
	}
	return s.writer.WriteMessages(ctx, messages...)
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	s.closed = true
	return s.writer.Close()
}

// NATSConfig holds NATS sink configuration.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// SubjectPrefix is joined with the event type, e.g.
	// "hostguard.events.file.rename".
	SubjectPrefix string `yaml:"subject_prefix"`

	Name string `yaml:"name"`
}

// DefaultNATSConfig returns default NATS sink configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "hostguard.events",
		Name:          "hostguard-forwarder",
	}
}

// NATSSink publishes events to per-event-type NATS subjects.
type NATSSink struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger *slog.Logger
}

// NewNATSSink connects to NATS and creates a sink.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("nats sink initialized", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return &NATSSink{conn: conn, cfg: cfg, logger: logger}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Send implements Sink.
func (s *NATSSink) Send(_ context.Context, batch []*schema.EventEnvelope) error {
	if s.conn.IsClosed() {
		return ErrSinkClosed
	}
	for _, env := range batch {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", env.Sequence, err)
		}
		subject := s.cfg.SubjectPrefix + "." + string(env.EventType)
		if err := s.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return s.conn.Flush()
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
