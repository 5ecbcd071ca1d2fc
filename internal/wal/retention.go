package wal

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// RetentionConfig holds pruning policy for sealed segments.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultRetentionConfig returns the default retention policy.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxAge:        30 * 24 * time.Hour,
		CheckInterval: time.Hour,
	}
}

// Pruner deletes sealed segments older than policy. The active segment is
// never a candidate: pruning considers only segments with a seal sidecar.
type Pruner struct {
	dir    string
	config RetentionConfig
	logger *slog.Logger
}

// NewPruner creates a retention pruner for a log directory.
func NewPruner(dir string, cfg RetentionConfig, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{dir: dir, config: cfg, logger: logger}
}

// Run prunes on the configured interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PruneOnce(); err != nil {
				p.logger.Error("retention pruning failed", "error", err)
			}
		}
	}
}

// PruneOnce deletes expired sealed segments and returns how many were
// removed. Whole-segment deletion only, never per-event.
func (p *Pruner) PruneOnce() (int, error) {
	if p.config.MaxAge <= 0 {
		return 0, nil
	}

	segments, err := ListSegments(p.dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-p.config.MaxAge)
	pruned := 0
	for _, seg := range segments {
		if !seg.Sealed {
			continue
		}

		expired := seg.ModTime.Before(cutoff)
		if seal, err := ReadSeal(seg.Path); err == nil {
			expired = seal.SealedAt.Before(cutoff)
		}
		if !expired {
			continue
		}

		if err := os.Remove(seg.Path); err != nil {
			p.logger.Error("failed to prune segment", "segment", seg.Name, "error", err)
			continue
		}
		os.Remove(seg.Path + sealSuffix)
		pruned++
		p.logger.Info("pruned expired segment", "segment", seg.Name)
	}
	return pruned, nil
}
