// Package ransomware implements the ransomware behavior detector: a
// per-process state machine over file activity. Escalation requires two
// independent signals, so a single heuristic spike never alerts on its own.
package ransomware

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"hostguard/internal/detect"
	"hostguard/internal/schema"
)

// Config holds the detector thresholds. The three Idle→Suspicious
// conditions are conjunctive: renames AND distinct extensions AND entropy
// delta must all exceed their thresholds inside the sliding window.
type Config struct {
	RenameThreshold    int           `yaml:"rename_threshold"`
	ExtensionThreshold int           `yaml:"extension_threshold"`
	EntropyThreshold   float64       `yaml:"entropy_threshold"`
	Window             time.Duration `yaml:"window"`
	FollowUpWindow     time.Duration `yaml:"follow_up_window"`
	MaxTrackedKeys     int           `yaml:"max_tracked_keys"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		RenameThreshold:    30,
		ExtensionThreshold: 10,
		EntropyThreshold:   8.0,
		Window:             60 * time.Second,
		FollowUpWindow:     15 * time.Second,
		MaxTrackedKeys:     10000,
		IdleTimeout:        10 * time.Minute,
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseSuspicious
	phaseConfirmed
)

// maxWindowEvents bounds a key's evidence window regardless of event rate.
const maxWindowEvents = 512

type record struct {
	at           time.Time
	id           uuid.UUID
	kind         schema.EventType
	extension    string
	entropyDelta float64
}

type state struct {
	phase        phase
	window       []record
	suspiciousAt time.Time
}

// Detector tracks file activity keyed by (host, pid). State records live in
// a TTL-evicting arena bounded by MaxTrackedKeys; per-key mutation is
// serialized by the engine's shard workers.
type Detector struct {
	cfg    Config
	states *lru.LRU[string, *state]
}

// New creates the ransomware detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		states: lru.NewLRU[string, *state](cfg.MaxTrackedKeys, nil, cfg.IdleTimeout),
	}
}

// Describe implements detect.Detector.
func (d *Detector) Describe() detect.Info {
	return detect.Info{
		Name: "ransomware_behavior",
		EventTypes: []schema.EventType{
			schema.EventFileCreate,
			schema.EventFileModify,
			schema.EventFileRename,
			schema.EventFileDelete,
			schema.EventFileMassDelete,
			schema.EventFileCanary,
		},
		EvictOn: []schema.EventType{schema.EventProcessExit},
	}
}

// Key implements detect.Detector: entity key is (host, pid).
func (d *Detector) Key(env *schema.EventEnvelope) (string, bool) {
	pid, ok := env.PayloadInt("pid")
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s|%d", env.Host, pid), true
}

// Evict implements detect.Detector.
func (d *Detector) Evict(key string) {
	d.states.Remove(key)
}

// OnEvent implements detect.Detector.
func (d *Detector) OnEvent(env *schema.EventEnvelope) (*detect.Finding, error) {
	key, _ := d.Key(env)
	st, ok := d.states.Get(key)
	if !ok {
		st = &state{}
		d.states.Add(key, st)
	}

	now := env.Timestamp
	st.append(record{
		at:           now,
		id:           env.EventID,
		kind:         env.EventType,
		extension:    env.PayloadString("extension"),
		entropyDelta: entropyDelta(env),
	})
	st.prune(now.Add(-d.cfg.Window))

	switch st.phase {
	case phaseConfirmed:
		// Terminal for this key: activity is still tracked as evidence
		// but never re-alerts.
		return nil, nil

	case phaseSuspicious:
		if now.Sub(st.suspiciousAt) > d.cfg.FollowUpWindow {
			// Follow-up window expired without a second signal. The event
			// that exposed the expiry starts the fresh window.
			st.phase = phaseIdle
			st.window = append(st.window[:0], st.window[len(st.window)-1])
			break
		}
		if env.EventType == schema.EventFileCanary || env.EventType == schema.EventFileMassDelete {
			st.phase = phaseConfirmed
			return d.finding(env, st), nil
		}
		return nil, nil
	}

	if st.phase == phaseIdle && d.thresholdsMet(st) {
		st.phase = phaseSuspicious
		st.suspiciousAt = now
	}
	return nil, nil
}

func (d *Detector) thresholdsMet(st *state) bool {
	renames := 0
	extensions := make(map[string]struct{})
	var entropy float64

	for _, r := range st.window {
		if r.kind == schema.EventFileRename {
			renames++
		}
		if r.extension != "" {
			extensions[r.extension] = struct{}{}
		}
		entropy += r.entropyDelta
	}

	return renames >= d.cfg.RenameThreshold &&
		len(extensions) >= d.cfg.ExtensionThreshold &&
		entropy > d.cfg.EntropyThreshold
}

func (d *Detector) finding(env *schema.EventEnvelope, st *state) *detect.Finding {
	renames := 0
	extensions := make(map[string]struct{})
	var entropy float64
	evidence := make([]uuid.UUID, 0, len(st.window))
	for _, r := range st.window {
		if r.kind == schema.EventFileRename {
			renames++
		}
		if r.extension != "" {
			extensions[r.extension] = struct{}{}
		}
		entropy += r.entropyDelta
		evidence = append(evidence, r.id)
	}

	payload := map[string]any{}
	if pid, ok := env.PayloadInt("pid"); ok {
		payload["pid"] = pid
	}

	key, _ := d.Key(env)
	return &detect.Finding{
		Detector:   "ransomware_behavior",
		AlertType:  schema.EventAlertRansomware,
		Severity:   schema.SeverityCritical,
		Confidence: 0.9,
		Rationale: fmt.Sprintf(
			"renames %d >= %d, distinct extensions %d >= %d, entropy delta %.2f > %.2f, second signal %s within %s",
			renames, d.cfg.RenameThreshold,
			len(extensions), d.cfg.ExtensionThreshold,
			entropy, d.cfg.EntropyThreshold,
			env.EventType, d.cfg.FollowUpWindow,
		),
		Host:         env.Host,
		Key:          key,
		Evidence:     evidence,
		Payload:      payload,
		TriggerDepth: 0,
	}
}

func (st *state) append(r record) {
	if len(st.window) >= maxWindowEvents {
		copy(st.window, st.window[1:])
		st.window = st.window[:len(st.window)-1]
	}
	st.window = append(st.window, r)
}

func (st *state) prune(cutoff time.Time) {
	keep := st.window[:0]
	for _, r := range st.window {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	st.window = keep
}

func entropyDelta(env *schema.EventEnvelope) float64 {
	after, okAfter := env.PayloadFloat("entropy_after")
	before, okBefore := env.PayloadFloat("entropy_before")
	if !okAfter || !okBefore {
		return 0
	}
	delta := after - before
	if delta < 0 {
		return 0
	}
	return delta
}
