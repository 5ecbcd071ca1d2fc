package detect

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"hostguard/internal/metrics"
	"hostguard/internal/schema"
)

// FindingHandler receives positive findings, typically the alert emitter.
type FindingHandler func(context.Context, *Finding)

// EngineConfig configures the detection engine.
type EngineConfig struct {
	Shards      int `yaml:"shards"`
	ShardBuffer int `yaml:"shard_buffer"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Shards:      4,
		ShardBuffer: 4096,
	}
}

type task struct {
	det   Detector
	env   *schema.EventEnvelope
	key   string
	evict bool
}

// Engine dispatches events to detectors on per-key sharded workers: a key
// always hashes to the same shard, so updates to one key are serialized in
// sequence order while different keys proceed in parallel. One detector's
// delay or failure never blocks another's stream.
type Engine struct {
	cfg       EngineConfig
	logger    *slog.Logger
	detectors []Detector
	handler   FindingHandler

	shards []chan task
	wg     sync.WaitGroup

	// errored tracks keys whose detector faulted; further updates for the
	// key are skipped. Guarded per shard: a key only ever appears on its
	// own shard's worker.
	erroredMu sync.RWMutex
	errored   map[string]struct{}
}

// NewEngine creates a detection engine.
func NewEngine(cfg EngineConfig, handler FindingHandler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 4096
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		errored: make(map[string]struct{}),
	}
}

// Register adds a detector. Must be called before Run.
func (e *Engine) Register(det Detector) {
	e.detectors = append(e.detectors, det)
	info := det.Describe()
	e.logger.Info("detector registered",
		"detector", info.Name,
		"event_types", len(info.EventTypes),
	)
}

// EventTypes returns the union of all registered detectors' subscriptions,
// used to build the bus filter.
func (e *Engine) EventTypes() []schema.EventType {
	seen := make(map[schema.EventType]struct{})
	var types []schema.EventType
	for _, det := range e.detectors {
		info := det.Describe()
		for _, t := range append(info.EventTypes, info.EvictOn...) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			types = append(types, t)
		}
	}
	return types
}

// Run consumes the subscription stream until it closes, then drains all
// in-flight per-key updates before returning. No event disappears
// mid-shutdown: anything undelivered stays in the durable log for replay.
func (e *Engine) Run(ctx context.Context, events <-chan *schema.EventEnvelope) {
	e.shards = make([]chan task, e.cfg.Shards)
	for i := range e.shards {
		e.shards[i] = make(chan task, e.cfg.ShardBuffer)
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	for env := range events {
		e.route(env)
	}

	for _, shard := range e.shards {
		close(shard)
	}
	e.wg.Wait()
	e.logger.Info("detection engine stopped")
}

func (e *Engine) route(env *schema.EventEnvelope) {
	for _, det := range e.detectors {
		info := det.Describe()
		evict := containsType(info.EvictOn, env.EventType)
		if !evict && !containsType(info.EventTypes, env.EventType) {
			continue
		}
		key, ok := det.Key(env)
		if !ok {
			continue
		}
		// Blocking send: shard backlog applies backpressure to the
		// engine's own subscription buffer, not to producers.
		e.shards[e.shardFor(info.Name, key)] <- task{det: det, env: env, key: key, evict: evict}
	}
}

func (e *Engine) shardFor(detector, key string) int {
	h := fnv.New32a()
	h.Write([]byte(detector))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for t := range e.shards[id] {
		if t.evict {
			t.det.Evict(t.key)
			continue
		}
		e.invoke(ctx, t)
	}
}

// invoke runs one detector update with fault isolation: a panic or error
// marks the key Errored and stops further updates for it, without touching
// other keys, other detectors, the bus or the writer.
func (e *Engine) invoke(ctx context.Context, t task) {
	info := t.det.Describe()
	stateKey := info.Name + "\x00" + t.key

	e.erroredMu.RLock()
	_, dead := e.errored[stateKey]
	e.erroredMu.RUnlock()
	if dead {
		return
	}

	finding, err := e.safeOnEvent(t.det, t.env)
	if err != nil {
		e.erroredMu.Lock()
		e.errored[stateKey] = struct{}{}
		e.erroredMu.Unlock()

		metrics.DetectorFaults.WithLabelValues(info.Name).Inc()
		e.logger.Error("detector fault, key isolated",
			"detector", info.Name,
			"key", t.key,
			"sequence", t.env.Sequence,
			"error", err,
		)
		return
	}

	if finding != nil && e.handler != nil {
		e.handler(ctx, finding)
	}
}

func (e *Engine) safeOnEvent(det Detector, env *schema.EventEnvelope) (finding *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return det.OnEvent(env)
}

// ErroredKeys returns how many keys are currently isolated.
func (e *Engine) ErroredKeys() int {
	e.erroredMu.RLock()
	defer e.erroredMu.RUnlock()
	return len(e.errored)
}

func containsType(types []schema.EventType, t schema.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
