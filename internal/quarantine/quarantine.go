// Package quarantine is the sink for events refused by validation. Entries
// are counted by reason code and retained for diagnostics; nothing here
// re-enters the detection stream.
package quarantine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"hostguard/internal/metrics"
	"hostguard/internal/schema"
)

// Entry is one quarantined rejection. Only the hash of the raw payload is
// kept; hostile input is never stored verbatim in memory.
type Entry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Code    string    `json:"code"`
	Reasons []string  `json:"reasons"`
	RawHash string    `json:"raw_hash"`
}

// Config holds quarantine sink settings.
type Config struct {
	// RecentSize bounds the in-memory ring of recent entries.
	RecentSize int `yaml:"recent_size"`
	// SpillPath, if set, appends every entry as JSONL for offline review.
	SpillPath string `yaml:"spill_path"`
}

// DefaultConfig returns the default quarantine configuration.
func DefaultConfig() Config {
	return Config{RecentSize: 256}
}

// Sink records rejections. Safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	counts map[string]uint64
	recent []Entry
	next   int
	total  uint64
	spill  *os.File
	logger *slog.Logger
}

// New creates a quarantine sink.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		counts: make(map[string]uint64),
		recent: make([]Entry, cfg.RecentSize),
		logger: logger,
	}

	if cfg.SpillPath != "" {
		f, err := os.OpenFile(cfg.SpillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open quarantine spill file: %w", err)
		}
		s.spill = f
	}

	return s, nil
}

// Record stores one rejection. Never fails the caller; spill errors are
// logged and counted only.
func (s *Sink) Record(source string, rej *schema.Rejection) {
	entry := Entry{
		Time:    time.Now().UTC(),
		Source:  source,
		Code:    rej.Code,
		Reasons: rej.Reasons,
		RawHash: rej.RawHash,
	}

	s.mu.Lock()
	s.counts[rej.Code]++
	s.total++
	s.recent[s.next] = entry
	s.next = (s.next + 1) % len(s.recent)
	spill := s.spill
	s.mu.Unlock()

	metrics.EventsQuarantined.Inc()
	metrics.EventsRejected.WithLabelValues(rej.Code).Inc()

	s.logger.Warn("event quarantined",
		"source", source,
		"code", rej.Code,
		"raw_hash", entry.RawHash,
	)

	if spill != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return
		}
		line = append(line, '\n')
		if _, err := spill.Write(line); err != nil {
			s.logger.Error("quarantine spill write failed", "error", err)
		}
	}
}

// Counts returns per-reason rejection counts.
func (s *Sink) Counts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Total returns the total number of quarantined events.
func (s *Sink) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Recent returns the retained entries, oldest first.
func (s *Sink) Recent() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.recent))
	for i := 0; i < len(s.recent); i++ {
		e := s.recent[(s.next+i)%len(s.recent)]
		if !e.Time.IsZero() {
			out = append(out, e)
		}
	}
	return out
}

// Close releases the spill file if open.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spill != nil {
		err := s.spill.Close()
		s.spill = nil
		return err
	}
	return nil
}
