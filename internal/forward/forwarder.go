package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hostguard/internal/bus"
	"hostguard/internal/metrics"
	"hostguard/internal/schema"
)

// Config holds forwarder configuration.
type Config struct {
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`

	// BatchSize is the maximum events delivered per sink call.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// SendTimeout bounds a single sink delivery.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns the default forwarder configuration.
func DefaultConfig() Config {
	return Config{
		Kafka:         DefaultKafkaConfig(),
		NATS:          DefaultNATSConfig(),
		BatchSize:     256,
		FlushInterval: time.Second,
		SendTimeout:   15 * time.Second,
	}
}

// Forwarder drains a bus subscription and delivers batches to each
// configured sink. Delivery is best effort: a failed batch is logged
// and counted, never retried against the local pipeline.
type Forwarder struct {
	cfg    Config
	sub    *bus.Subscription
	sinks  []Sink
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a forwarder over an existing subscription.
func New(cfg Config, sub *bus.Subscription, sinks []Sink, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, sub: sub, sinks: sinks, logger: logger}
}

// Run consumes the subscription until its channel closes, then flushes
// the final partial batch and closes every sink.
func (f *Forwarder) Run(ctx context.Context) {
	batch := make([]*schema.EventEnvelope, 0, f.cfg.BatchSize)
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-f.sub.Events():
			if !ok {
				f.flush(ctx, batch)
				f.closeSinks()
				return
			}
			batch = append(batch, env)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (f *Forwarder) flush(ctx context.Context, batch []*schema.EventEnvelope) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range f.sinks {
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
			defer cancel()
			if err := s.Send(sendCtx, batch); err != nil {
				metrics.EventsForwarded.WithLabelValues(s.Name(), "error").Add(float64(len(batch)))
				f.logger.Warn("forward batch failed",
					"sink", s.Name(),
					"events", len(batch),
					"error", err,
				)
				return
			}
			metrics.EventsForwarded.WithLabelValues(s.Name(), "ok").Add(float64(len(batch)))
		}(sink)
	}
	f.wg.Wait()
}

func (f *Forwarder) closeSinks() {
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			f.logger.Warn("sink close failed", "sink", sink.Name(), "error", err)
		}
	}
	f.logger.Info("forwarder stopped")
}
