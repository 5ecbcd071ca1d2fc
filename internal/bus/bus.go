// Package bus is the concurrent ingestion point of the pipeline. It
// validates producer input, assigns the global sequence, hands admitted
// events to the durable writer queue, and fans them out to subscribers.
// Sequencing is the only globally-serialized decision in the system.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostguard/internal/metrics"
	"hostguard/internal/quarantine"
	"hostguard/internal/queue"
	"hostguard/internal/schema"
)

var (
	// ErrBackpressure is surfaced to a producer when the writer queue stays
	// full past the admission timeout. The event was not admitted and
	// consumed no sequence.
	ErrBackpressure = errors.New("writer queue full, event not admitted")

	// ErrSequenceExhausted is the fatal sequencing failure: the counter
	// cannot advance without risking duplicates, so ingestion halts.
	ErrSequenceExhausted = errors.New("sequence counter exhausted, ingestion halted")

	// ErrHalted is returned once the bus has stopped admitting events.
	ErrHalted = errors.New("bus halted")
)

// Config holds bus settings.
type Config struct {
	WriterQueueSize  int           `yaml:"writer_queue_size"`
	WriterTimeout    time.Duration `yaml:"writer_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		WriterQueueSize:  16384,
		WriterTimeout:    2 * time.Second,
		SubscriberBuffer: 8192,
	}
}

// Filter selects which admitted events a subscriber receives.
// Empty slices match everything.
type Filter struct {
	Types   []schema.EventType
	Sources []string
}

// Matches reports whether an envelope passes the filter.
func (f Filter) Matches(env *schema.EventEnvelope) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if env.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if env.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is one registered consumer of the sequenced stream.
// Delivery is in-order per key; a subscriber that falls behind loses
// events (counted) rather than stalling producers. The durable log is
// the source of truth for replay.
type Subscription struct {
	name   string
	filter Filter
	ch     chan *schema.EventEnvelope
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Events returns the delivery channel. It is closed when the bus closes.
func (s *Subscription) Events() <-chan *schema.EventEnvelope { return s.ch }

// Bus validates, sequences and dispatches events.
type Bus struct {
	validator *schema.Validator
	qsink     *quarantine.Sink
	writerQ   *queue.RingBuffer
	cfg       Config
	logger    *slog.Logger

	// mu guards the sequence counter and keeps subscriber dispatch in
	// sequence order. Fan-out inside the section is a non-blocking channel
	// send; the expensive work (durability, detection) happens outside.
	mu     sync.Mutex
	seq    uint64
	halted bool

	subsMu sync.RWMutex
	subs   []*Subscription
	closed bool
}

// New creates a Bus. The sequence counter starts after firstSeq (typically
// the last sequence recovered from the durable log).
func New(validator *schema.Validator, qsink *quarantine.Sink, cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		validator: validator,
		qsink:     qsink,
		writerQ:   queue.NewRingBuffer(cfg.WriterQueueSize),
		cfg:       cfg,
		logger:    logger,
	}
}

// SeedSequence sets the counter so the next admitted event gets seq+1.
// Must be called before ingestion starts.
func (b *Bus) SeedSequence(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = seq
}

// WriterQueue exposes the bounded queue consumed by the durable writer.
func (b *Bus) WriterQueue() *queue.RingBuffer {
	return b.writerQ
}

// Subscribe registers a consumer for events matching the filter.
func (b *Bus) Subscribe(name string, filter Filter) *Subscription {
	sub := &Subscription{
		name:   name,
		filter: filter,
		ch:     make(chan *schema.EventEnvelope, b.cfg.SubscriberBuffer),
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	b.logger.Info("subscriber registered", "name", name,
		"types", len(filter.Types), "sources", len(filter.Sources))
	return sub
}

// Ingest validates raw producer input and admits it to the pipeline.
// Returns the assigned sequence. Rejections are quarantined; the producer
// gets the rejection back and the event never reaches the log or a
// detector.
func (b *Bus) Ingest(ctx context.Context, raw []byte, source string) (uint64, error) {
	env, rej := b.validator.ValidateRaw(raw)
	if rej != nil {
		b.qsink.Record(source, rej)
		return 0, rej
	}
	return b.admit(ctx, env)
}

// IngestEnvelope admits an internally-built envelope (the alert emitter's
// path). It passes the same validator as external input: a buggy detector
// cannot push a malformed alert into the stream.
func (b *Bus) IngestEnvelope(ctx context.Context, env *schema.EventEnvelope) (uint64, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	env.EventID = [16]byte{}
	env.Sequence = 0
	env.SchemaVersion = schema.SchemaVersionCurrent
	if rej := b.validator.Validate(env, raw); rej != nil {
		b.qsink.Record(env.Source, rej)
		return 0, rej
	}
	return b.admit(ctx, env)
}

func (b *Bus) admit(ctx context.Context, env *schema.EventEnvelope) (uint64, error) {
	b.mu.Lock()

	if b.halted {
		b.mu.Unlock()
		return 0, ErrHalted
	}
	if b.seq == math.MaxUint64 {
		b.halted = true
		b.mu.Unlock()
		b.logger.Error("sequence counter exhausted, halting ingestion")
		return 0, ErrSequenceExhausted
	}

	// The event becomes canonical only if the writer queue accepts it, so
	// a refused event consumes no sequence and the admitted series stays
	// gap-free.
	env.EventID = uuid.New()
	env.Sequence = b.seq + 1

	// A cancelled context ends the wait early; the producer's own deadline
	// bounds its admission latency even when the writer stalls.
	if err := b.writerQ.PushContext(ctx, env, b.cfg.WriterTimeout); err != nil {
		b.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		metrics.IngestBackpressure.Inc()
		return 0, fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	b.seq = env.Sequence

	b.dispatchLocked(env)
	b.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(env.EventType)).Inc()
	return env.Sequence, nil
}

// dispatchLocked fans the admitted envelope out to matching subscribers.
// Sends are non-blocking: a full subscriber buffer drops the event for
// that subscriber only, and the drop is counted.
func (b *Bus) dispatchLocked(env *schema.EventEnvelope) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Matches(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			metrics.SubscriberDropped.WithLabelValues(sub.name).Inc()
			b.logger.Warn("subscriber buffer full, event dropped",
				"subscriber", sub.name,
				"sequence", env.Sequence,
			)
		}
	}
}

// Sequence returns the last assigned sequence.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close halts ingestion, closes the writer queue (letting the writer drain
// it), and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	b.halted = true
	b.mu.Unlock()

	b.writerQ.Close()

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.logger.Info("bus closed", "last_sequence", b.Sequence())
}

// Stats returns bus statistics for the operator surface.
func (b *Bus) Stats() map[string]any {
	b.subsMu.RLock()
	subs := len(b.subs)
	b.subsMu.RUnlock()

	qm := b.writerQ.Metrics()
	return map[string]any{
		"sequence":           b.Sequence(),
		"subscribers":        subs,
		"writer_queue_depth": qm.Depth,
		"writer_queue_cap":   qm.Capacity,
		"quarantined":        b.qsink.Total(),
	}
}
