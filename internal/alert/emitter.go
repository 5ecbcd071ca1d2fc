// Package alert converts detector findings into alert events and feeds
// them back through the bus, closing the pipeline loop. Alerts are
// first-class events: they pass the same validator, land in the same
// durable log, and may be consumed by other detectors.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostguard/internal/bus"
	"hostguard/internal/detect"
	"hostguard/internal/metrics"
	"hostguard/internal/schema"
)

// Config holds emitter settings.
type Config struct {
	// Source stamped on emitted alert events.
	Source string `yaml:"source"`
	// MaxCorrelationDepth caps alert-on-alert correlation: an alert whose
	// evidence chain already reached this depth is suppressed instead of
	// re-entering the bus. Without the cap a detector watching alert
	// events could loop forever.
	MaxCorrelationDepth int `yaml:"max_correlation_depth"`
	// ChannelTimeout bounds each notification channel delivery.
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

// DefaultConfig returns the default emitter configuration.
func DefaultConfig() Config {
	return Config{
		Source:              "hostguard.alerts",
		MaxCorrelationDepth: 2,
		ChannelTimeout:      10 * time.Second,
	}
}

// Channel delivers an emitted alert to an operator-facing destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, env *schema.EventEnvelope) error
}

// Emitter wraps findings as alert envelopes and re-ingests them.
type Emitter struct {
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	channels []Channel

	now func() time.Time
}

// NewEmitter creates an Emitter bound to the bus.
func NewEmitter(b *bus.Bus, cfg Config, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		bus:    b,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddChannel registers a notification channel.
func (e *Emitter) AddChannel(ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, ch)
	e.logger.Info("alert channel registered", "channel", ch.Name())
}

// Emit implements detect.FindingHandler. A finding that fails validation
// is quarantined by the bus like any other malformed event; it never
// silently enters the stream.
func (e *Emitter) Emit(ctx context.Context, f *detect.Finding) {
	depth := f.TriggerDepth + 1
	if depth > e.cfg.MaxCorrelationDepth {
		metrics.AlertsDepthCapped.Inc()
		e.logger.Warn("alert suppressed by correlation depth cap",
			"alert_type", f.AlertType,
			"key", f.Key,
			"depth", depth,
		)
		return
	}

	corrID := uuid.New()
	evidence := make([]any, 0, len(f.Evidence))
	for _, id := range f.Evidence {
		evidence = append(evidence, id.String())
	}

	payload := map[string]any{
		"detector":          f.Detector,
		"rationale":         f.Rationale,
		"confidence":        f.Confidence,
		"evidence":          evidence,
		"correlation_depth": depth,
	}
	for k, v := range f.Payload {
		payload[k] = v
	}

	env := &schema.EventEnvelope{
		Timestamp:     e.now(),
		Source:        e.cfg.Source,
		EventType:     f.AlertType,
		Severity:      f.Severity,
		Host:          f.Host,
		Payload:       payload,
		CorrelationID: &corrID,
	}

	seq, err := e.bus.IngestEnvelope(ctx, env)
	if err != nil {
		e.logger.Error("alert rejected at the bus",
			"alert_type", f.AlertType,
			"key", f.Key,
			"error", err,
		)
		return
	}

	metrics.AlertsEmitted.WithLabelValues(string(f.AlertType)).Inc()
	e.logger.Info("alert emitted",
		"alert_type", f.AlertType,
		"severity", f.Severity,
		"sequence", seq,
		"correlation_id", corrID,
		"host", f.Host,
	)

	e.notify(env)
}

func (e *Emitter) notify(env *schema.EventEnvelope) {
	e.mu.RLock()
	channels := make([]Channel, len(e.channels))
	copy(channels, e.channels)
	e.mu.RUnlock()

	for _, ch := range channels {
		go func(ch Channel) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ChannelTimeout)
			defer cancel()
			if err := ch.Send(ctx, env); err != nil {
				e.logger.Error("alert channel delivery failed",
					"channel", ch.Name(),
					"sequence", env.Sequence,
					"error", err,
				)
			}
		}(ch)
	}
}
