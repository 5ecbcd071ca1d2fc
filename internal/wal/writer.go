package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hostguard/internal/metrics"
	"hostguard/internal/queue"
	"hostguard/internal/schema"
)

// ErrWriterClosed is returned by Append after Close.
var ErrWriterClosed = errors.New("wal writer is closed")

// Config holds durable log settings.
type Config struct {
	Dir             string        `yaml:"dir"`
	KeyPath         string        `yaml:"key_path"`
	SegmentMaxBytes int64         `yaml:"segment_max_bytes"`
	SegmentMaxAge   time.Duration `yaml:"segment_max_age"`
	SyncBatch       int           `yaml:"sync_batch"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// DefaultConfig returns the default log configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             "/var/lib/hostguard/events",
		KeyPath:         "/var/lib/hostguard/seal.key",
		SegmentMaxBytes: 64 * 1024 * 1024,
		SegmentMaxAge:   24 * time.Hour,
		SyncBatch:       256,
		SyncInterval:    200 * time.Millisecond,
	}
}

// Writer appends admitted envelopes to the active segment. The active
// segment file handle is the only mutable resource and is guarded by mu.
// A nil error from Sync means everything appended before it is durably
// recoverable.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	sealer *Sealer

	mu            sync.Mutex
	f             *os.File
	activePath    string
	activeFirst   uint64
	activeRecords uint64
	activeSize    int64
	openedAt      time.Time
	lastSeq       uint64
	unsynced      int
	closed        bool

	// onSeal, if set, is invoked after a segment is sealed. Used by the
	// archiver; must not block.
	onSeal func(SegmentInfo, *Seal)
}

// Open recovers the log directory and returns a writer positioned after the
// last valid record. Recovery truncates a corrupt tail of the active
// segment, seals any orphaned unsealed predecessor, and guarantees exactly
// one active segment.
func Open(cfg Config, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	sealer, err := NewSealer(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	w := &Writer{cfg: cfg, logger: logger, sealer: sealer}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

// OnSeal registers the rotation hook.
func (w *Writer) OnSeal(fn func(SegmentInfo, *Seal)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSeal = fn
}

func (w *Writer) recover() error {
	segments, err := ListSegments(w.cfg.Dir)
	if err != nil {
		return err
	}

	var active *SegmentInfo
	for i := range segments {
		seg := &segments[i]

		if seg.Sealed {
			seal, err := ReadSeal(seg.Path)
			if err == nil {
				if seal.LastSeq > w.lastSeq {
					w.lastSeq = seal.LastSeq
				}
				continue
			}
			w.logger.Warn("unreadable seal sidecar, rescanning segment",
				"segment", seg.Name, "error", err)
		}

		res, err := ScanSegment(seg.Path, nil)
		if err != nil {
			return fmt.Errorf("scan %s: %w", seg.Name, err)
		}
		if res.Err != nil {
			// Discard the incomplete tail record; everything before it
			// stays intact.
			w.logger.Warn("truncating corrupt segment tail",
				"segment", seg.Name,
				"valid_bytes", res.ValidBytes,
				"reason", res.Err.Error(),
			)
			if err := os.Truncate(seg.Path, res.ValidBytes); err != nil {
				return fmt.Errorf("truncate %s: %w", seg.Name, err)
			}
			seg.Size = res.ValidBytes
		}
		if res.LastSeq > w.lastSeq {
			w.lastSeq = res.LastSeq
		}

		if i != len(segments)-1 {
			// A crash during rotation can leave an unsealed predecessor.
			// Seal it now so exactly one active segment remains.
			if !seg.Sealed {
				if _, err := w.sealer.SealSegment(seg.Path, res.FirstSeq, res.LastSeq, res.Records); err != nil {
					return fmt.Errorf("seal orphaned segment %s: %w", seg.Name, err)
				}
				w.logger.Info("sealed orphaned segment on recovery", "segment", seg.Name)
			}
			continue
		}
		if !seg.Sealed {
			active = seg
			w.activeFirst = res.FirstSeq
			w.activeRecords = res.Records
			if res.Records == 0 {
				w.activeFirst = seg.FirstSeq
			}
		}
	}

	if active == nil {
		return w.openSegmentLocked(w.lastSeq + 1)
	}

	f, err := os.OpenFile(active.Path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open active segment: %w", err)
	}
	w.f = f
	w.activePath = active.Path
	w.activeSize = active.Size
	w.openedAt = active.ModTime
	w.logger.Info("recovered event log",
		"last_sequence", w.lastSeq,
		"active_segment", active.Name,
		"segments", len(segments),
	)
	return nil
}

func (w *Writer) openSegmentLocked(firstSeq uint64) error {
	name := SegmentName(firstSeq)
	path := filepath.Join(w.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	if err := syncDir(w.cfg.Dir); err != nil {
		f.Close()
		return err
	}

	w.f = f
	w.activePath = path
	w.activeFirst = firstSeq
	w.activeRecords = 0
	w.activeSize = 0
	w.openedAt = time.Now()
	w.logger.Info("opened log segment", "segment", name)
	return nil
}

// Append writes one envelope to the active segment, rotating first if the
// segment exceeded its size or age threshold. Durability requires a
// subsequent Sync.
func (w *Writer) Append(env *schema.EventEnvelope) error {
	data, err := EncodeRecord(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	if w.activeRecords > 0 &&
		(w.activeSize+int64(len(data)) > w.cfg.SegmentMaxBytes ||
			time.Since(w.openedAt) > w.cfg.SegmentMaxAge) {
		if err := w.rotateLocked(env.Sequence); err != nil {
			return err
		}
	}

	if _, err := w.f.Write(data); err != nil {
		metrics.WriteFailures.Inc()
		return fmt.Errorf("append: %w", err)
	}
	w.activeSize += int64(len(data))
	w.activeRecords++
	w.lastSeq = env.Sequence
	w.unsynced++
	return nil
}

// Sync flushes appended records to stable storage. Returning nil is the
// durability Ack for everything appended before the call.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.f == nil || w.unsynced == 0 {
		return nil
	}
	start := time.Now()
	if err := w.f.Sync(); err != nil {
		metrics.WriteFailures.Inc()
		return fmt.Errorf("sync: %w", err)
	}
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	metrics.EventsWritten.Add(float64(w.unsynced))
	w.unsynced = 0
	return nil
}

// rotateLocked seals the active segment and opens the next one starting at
// nextSeq. Crash ordering: the new segment is created only after the old
// one's seal sidecar is committed, so recovery always finds at most one
// unsealed trailing segment.
func (w *Writer) rotateLocked(nextSeq uint64) error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}

	seal, err := w.sealer.SealSegment(w.activePath, w.activeFirst, w.lastSeq, w.activeRecords)
	if err != nil {
		return fmt.Errorf("seal segment: %w", err)
	}
	metrics.SegmentsSealed.Inc()
	w.logger.Info("sealed log segment",
		"segment", seal.Segment,
		"records", seal.Records,
		"first_seq", seal.FirstSeq,
		"last_seq", seal.LastSeq,
	)

	if w.onSeal != nil {
		fi, err := os.Stat(w.activePath)
		if err == nil {
			w.onSeal(SegmentInfo{
				Path:     w.activePath,
				Name:     seal.Segment,
				FirstSeq: seal.FirstSeq,
				Sealed:   true,
				Size:     fi.Size(),
				ModTime:  fi.ModTime(),
			}, seal)
		}
	}

	return w.openSegmentLocked(nextSeq)
}

// LastSequence returns the highest sequence recovered or appended.
func (w *Writer) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Close syncs and closes the active segment. The active segment stays
// unsealed; it remains the single discoverable active segment on restart.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.f.Close()
}

const (
	appendRetries    = 3
	appendRetryDelay = 100 * time.Millisecond
)

// appendWithRetry retries transient append failures a few times before
// giving up. A closed writer fails immediately.
func (w *Writer) appendWithRetry(env *schema.EventEnvelope) error {
	var err error
	for attempt := 1; attempt <= appendRetries; attempt++ {
		err = w.Append(env)
		if err == nil || errors.Is(err, ErrWriterClosed) {
			return err
		}
		w.logger.Warn("durable append failed, retrying",
			"sequence", env.Sequence,
			"attempt", attempt,
			"error", err,
		)
		time.Sleep(appendRetryDelay)
	}
	return err
}

// Run consumes the writer queue until ctx is cancelled and the queue is
// drained. Appends are group-committed: a sync happens when SyncBatch
// records accumulate or the queue momentarily empties.
func (w *Writer) Run(ctx context.Context, q *queue.RingBuffer) {
	batch := 0
	for {
		metrics.WriterQueueDepth.Set(float64(q.Len()))

		env, err := q.PopWithTimeout(w.cfg.SyncInterval)
		switch {
		case err == nil:
			if appendErr := w.appendWithRetry(env); appendErr != nil {
				// The log is unwritable. Stop consuming so the queue
				// fills and producers see backpressure instead of
				// events silently vanishing.
				w.logger.Error("durable append failing, halting log consumption",
					"sequence", env.Sequence,
					"error", appendErr,
				)
				return
			}
			batch++
			if batch >= w.cfg.SyncBatch || q.Len() == 0 {
				if syncErr := w.Sync(); syncErr != nil {
					w.logger.Error("log sync failed", "error", syncErr)
				}
				batch = 0
			}
		case errors.Is(err, queue.ErrQueueEmpty):
			if batch > 0 {
				if syncErr := w.Sync(); syncErr != nil {
					w.logger.Error("log sync failed", "error", syncErr)
				}
				batch = 0
			}
			select {
			case <-ctx.Done():
				// Drain whatever was admitted before shutdown.
				if q.Len() == 0 {
					w.Sync()
					return
				}
			default:
			}
		case errors.Is(err, queue.ErrQueueClosed):
			w.Sync()
			return
		}
	}
}
