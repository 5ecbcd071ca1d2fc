// Package collector contains the built-in filesystem collector. It is a
// demonstration producer: it watches directories with fsnotify and turns
// filesystem activity into pipeline events, the same shape a remote
// endpoint agent would send over the wire.
package collector

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"hostguard/internal/bus"
	"hostguard/internal/schema"
)

// FSConfig holds filesystem collector configuration.
type FSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`

	// Recursive also watches subdirectories found at startup.
	Recursive bool `yaml:"recursive"`

	// CanaryPaths are sentinel files; any write to one produces a
	// file.canary_modified event instead of a plain modify.
	CanaryPaths []string `yaml:"canary_paths"`

	// MassDeleteThreshold and MassDeleteWindow control when a burst of
	// deletes in one directory collapses into a file.mass_delete event.
	MassDeleteThreshold int           `yaml:"mass_delete_threshold"`
	MassDeleteWindow    time.Duration `yaml:"mass_delete_window"`
}

// DefaultFSConfig returns the default filesystem collector configuration.
func DefaultFSConfig() FSConfig {
	return FSConfig{
		Paths:               []string{},
		Recursive:           true,
		MassDeleteThreshold: 20,
		MassDeleteWindow:    10 * time.Second,
	}
}

// FSCollector watches directories and ingests file events.
type FSCollector struct {
	cfg      FSConfig
	bus      *bus.Bus
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	host     string
	canaries map[string]struct{}

	// per-directory delete burst tracking, accessed only from run loop
	deletes map[string][]time.Time

	emitted uint64
	refused uint64
}

// NewFSCollector creates a filesystem collector.
func NewFSCollector(cfg FSConfig, b *bus.Bus, logger *slog.Logger) (*FSCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}

	canaries := make(map[string]struct{}, len(cfg.CanaryPaths))
	for _, p := range cfg.CanaryPaths {
		canaries[filepath.Clean(p)] = struct{}{}
	}

	return &FSCollector{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		watcher:  watcher,
		host:     host,
		canaries: canaries,
		deletes:  make(map[string][]time.Time),
	}, nil
}

// Run watches until ctx is cancelled.
func (c *FSCollector) Run(ctx context.Context) error {
	defer c.watcher.Close()

	for _, root := range c.cfg.Paths {
		if err := c.addPath(root); err != nil {
			c.logger.Warn("watch failed", "path", root, "error", err)
		}
	}
	c.logger.Info("filesystem collector started",
		"paths", len(c.cfg.Paths),
		"canaries", len(c.canaries),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("filesystem collector stopped",
				"emitted", atomic.LoadUint64(&c.emitted),
				"refused", atomic.LoadUint64(&c.refused),
			)
			return nil
		case event, ok := <-c.watcher.Events:
			if !ok {
				return nil
			}
			c.handle(ctx, event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watcher error", "error", err)
		}
	}
}

func (c *FSCollector) addPath(root string) error {
	if !c.cfg.Recursive {
		return c.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := c.watcher.Add(p); err != nil {
				c.logger.Debug("watch subdir failed", "path", p, "error", err)
			}
		}
		return nil
	})
}

func (c *FSCollector) handle(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	now := time.Now().UTC()

	switch {
	case event.Has(fsnotify.Create):
		// new subdirectories join the watch set
		if c.cfg.Recursive {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				c.watcher.Add(path)
				return
			}
		}
		c.emit(ctx, schema.EventFileCreate, now, map[string]any{
			"path":      path,
			"pid":       0,
			"extension": extension(path),
		})

	case event.Has(fsnotify.Write):
		if _, isCanary := c.canaries[path]; isCanary {
			c.emit(ctx, schema.EventFileCanary, now, map[string]any{
				"path": path,
				"pid":  0,
			})
			return
		}
		c.emit(ctx, schema.EventFileModify, now, map[string]any{
			"path":      path,
			"pid":       0,
			"extension": extension(path),
		})

	case event.Has(fsnotify.Rename):
		// fsnotify reports the old name only; the new name arrives as a
		// separate Create.
		c.emit(ctx, schema.EventFileRename, now, map[string]any{
			"path":      path,
			"old_path":  path,
			"pid":       0,
			"extension": extension(path),
		})

	case event.Has(fsnotify.Remove):
		c.emit(ctx, schema.EventFileDelete, now, map[string]any{
			"path": path,
			"pid":  0,
		})
		c.trackDelete(ctx, filepath.Dir(path), now)
	}
}

// trackDelete collapses delete bursts in one directory into a
// file.mass_delete event once the threshold is crossed.
func (c *FSCollector) trackDelete(ctx context.Context, dir string, now time.Time) {
	cutoff := now.Add(-c.cfg.MassDeleteWindow)
	recent := c.deletes[dir][:0]
	for _, t := range c.deletes[dir] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)

	if len(recent) >= c.cfg.MassDeleteThreshold {
		c.emit(ctx, schema.EventFileMassDelete, now, map[string]any{
			"directory": dir,
			"pid":       0,
			"count":     len(recent),
		})
		recent = recent[:0]
	}
	c.deletes[dir] = recent
}

func (c *FSCollector) emit(ctx context.Context, t schema.EventType, at time.Time, payload map[string]any) {
	env := &schema.EventEnvelope{
		Timestamp: at,
		Source:    "hostguard.fswatch",
		EventType: t,
		Severity:  schema.SeverityInfo,
		Host:      c.host,
		Payload:   payload,
	}
	if _, err := c.bus.IngestEnvelope(ctx, env); err != nil {
		atomic.AddUint64(&c.refused, 1)
		c.logger.Debug("collector event refused", "event_type", t, "error", err)
		return
	}
	atomic.AddUint64(&c.emitted, 1)
}

func extension(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}
