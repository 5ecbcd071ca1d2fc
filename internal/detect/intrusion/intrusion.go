// Package intrusion implements the intrusion correlation detector: a
// per-host rolling window over SSH authentication, process execution and
// network activity, recognizing the brute-force → login → privilege
// escalation chain. Each signal alone is low-confidence; only the full
// temporal chain alerts.
package intrusion

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"hostguard/internal/detect"
	"hostguard/internal/schema"
)

// Config holds the correlation thresholds.
type Config struct {
	// FailureThreshold is the minimum SSH failures before a success arms
	// the chain.
	FailureThreshold int `yaml:"failure_threshold"`
	// DistinctAddresses is the minimum distinct source addresses among
	// those failures.
	DistinctAddresses int `yaml:"distinct_addresses"`
	// Window bounds the failure history considered before a success.
	Window time.Duration `yaml:"window"`
	// ExecWindow bounds how long after the success an elevation exec
	// completes the chain.
	ExecWindow time.Duration `yaml:"exec_window"`
	// ElevationPatterns are binary names treated as privilege escalation.
	ElevationPatterns []string `yaml:"elevation_patterns"`

	MaxTrackedKeys int           `yaml:"max_tracked_keys"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the default correlation thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		DistinctAddresses: 3,
		Window:            10 * time.Minute,
		ExecWindow:        2 * time.Minute,
		ElevationPatterns: []string{"sudo", "su", "doas", "pkexec"},
		MaxTrackedKeys:    1024,
		IdleTimeout:       30 * time.Minute,
	}
}

type failure struct {
	at   time.Time
	id   uuid.UUID
	addr string
}

type connection struct {
	at time.Time
	id uuid.UUID
}

type state struct {
	failures []failure
	connects []connection

	// armed is set when a success followed a qualifying failure burst;
	// the chain completes on an elevation exec inside ExecWindow.
	armed     bool
	armedAt   time.Time
	armedUser string
	evidence  []uuid.UUID
}

// Detector correlates the intrusion kill chain, keyed by host.
type Detector struct {
	cfg    Config
	states *lru.LRU[string, *state]
}

// New creates the intrusion correlation detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		states: lru.NewLRU[string, *state](cfg.MaxTrackedKeys, nil, cfg.IdleTimeout),
	}
}

// Describe implements detect.Detector.
func (d *Detector) Describe() detect.Info {
	return detect.Info{
		Name: "intrusion_correlation",
		EventTypes: []schema.EventType{
			schema.EventAuthSSHLogin,
			schema.EventProcessExec,
			schema.EventNetworkConnect,
		},
	}
}

// Key implements detect.Detector: entity key is the host.
func (d *Detector) Key(env *schema.EventEnvelope) (string, bool) {
	return env.Host, true
}

// Evict implements detect.Detector.
func (d *Detector) Evict(key string) {
	d.states.Remove(key)
}

// OnEvent implements detect.Detector. Events arrive in sequence order for
// the host, which is what makes the temporal chain evaluation sound.
func (d *Detector) OnEvent(env *schema.EventEnvelope) (*detect.Finding, error) {
	st, ok := d.states.Get(env.Host)
	if !ok {
		st = &state{}
		d.states.Add(env.Host, st)
	}

	now := env.Timestamp
	st.pruneFailures(now.Add(-d.cfg.Window))
	st.pruneConnects(now.Add(-d.cfg.Window))

	switch env.EventType {
	case schema.EventAuthSSHLogin:
		d.onLogin(env, st, now)

	case schema.EventProcessExec:
		if !st.armed {
			return nil, nil
		}
		if now.Sub(st.armedAt) > d.cfg.ExecWindow {
			st.disarm()
			return nil, nil
		}
		if d.isElevation(env) {
			f := d.finding(env, st)
			st.disarm()
			return f, nil
		}

	case schema.EventNetworkConnect:
		st.connects = append(st.connects, connection{at: now, id: env.EventID})
	}

	return nil, nil
}

func (d *Detector) onLogin(env *schema.EventEnvelope, st *state, now time.Time) {
	success, ok := env.PayloadBool("success")
	if !ok {
		return
	}

	if !success {
		st.failures = append(st.failures, failure{
			at:   now,
			id:   env.EventID,
			addr: env.PayloadString("source_ip"),
		})
		return
	}

	// A success with no qualifying failure burst is a normal login and
	// consumes the failure history without arming.
	addrs := make(map[string]struct{})
	for _, f := range st.failures {
		addrs[f.addr] = struct{}{}
	}
	if len(st.failures) >= d.cfg.FailureThreshold && len(addrs) >= d.cfg.DistinctAddresses {
		st.armed = true
		st.armedAt = now
		st.armedUser = env.PayloadString("user")
		st.evidence = st.evidence[:0]
		for _, f := range st.failures {
			st.evidence = append(st.evidence, f.id)
		}
		st.evidence = append(st.evidence, env.EventID)
	}
	st.failures = st.failures[:0]
}

func (d *Detector) isElevation(env *schema.EventEnvelope) bool {
	base := path.Base(env.PayloadString("path"))
	argv := env.PayloadString("argv")
	for _, pattern := range d.cfg.ElevationPatterns {
		if base == pattern {
			return true
		}
		if argv != "" && (strings.HasPrefix(argv, pattern+" ") || argv == pattern) {
			return true
		}
	}
	return false
}

func (d *Detector) finding(env *schema.EventEnvelope, st *state) *detect.Finding {
	evidence := make([]uuid.UUID, 0, len(st.evidence)+len(st.connects)+1)
	evidence = append(evidence, st.evidence...)
	for _, c := range st.connects {
		evidence = append(evidence, c.id)
	}
	evidence = append(evidence, env.EventID)

	return &detect.Finding{
		Detector:   "intrusion_correlation",
		AlertType:  schema.EventAlertIntrusion,
		Severity:   schema.SeverityCritical,
		Confidence: 0.85,
		Rationale: fmt.Sprintf(
			"%d ssh failures from >=%d distinct addresses within %s, then successful login for %q, then elevation exec %q within %s",
			len(st.evidence)-1, d.cfg.DistinctAddresses, d.cfg.Window,
			st.armedUser, path.Base(env.PayloadString("path")), d.cfg.ExecWindow,
		),
		Host:         env.Host,
		Key:          env.Host,
		Evidence:     evidence,
		TriggerDepth: 0,
	}
}

func (st *state) disarm() {
	st.armed = false
	st.evidence = st.evidence[:0]
}

func (st *state) pruneFailures(cutoff time.Time) {
	keep := st.failures[:0]
	for _, f := range st.failures {
		if f.at.After(cutoff) {
			keep = append(keep, f)
		}
	}
	st.failures = keep
}

func (st *state) pruneConnects(cutoff time.Time) {
	keep := st.connects[:0]
	for _, c := range st.connects {
		if c.at.After(cutoff) {
			keep = append(keep, c)
		}
	}
	st.connects = keep
}
