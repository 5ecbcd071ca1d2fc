package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hostguard/internal/quarantine"
	"hostguard/internal/schema"
)

func testBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	qsink, err := quarantine.New(quarantine.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(schema.NewValidator(), qsink, cfg, nil)
}

func rawEvent(t *testing.T, eventType string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"source":     "test_agent",
		"event_type": eventType,
		"severity":   "info",
		"host":       "host-1",
		"payload":    payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func filePayload() map[string]any {
	return map[string]any{"path": "/tmp/f.txt", "pid": 7}
}

func drainWriterQueue(b *Bus) {
	for {
		if _, err := b.WriterQueue().Pop(); err != nil {
			return
		}
	}
}

func TestBus_IngestAssignsSequence(t *testing.T) {
	b := testBus(t, DefaultConfig())
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		seq, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if seq != want {
			t.Errorf("Ingest() sequence = %d, want %d", seq, want)
		}
	}

	// Admitted events land on the writer queue in sequence order.
	for want := uint64(1); want <= 3; want++ {
		env, err := b.WriterQueue().Pop()
		if err != nil {
			t.Fatalf("writer queue Pop() error = %v", err)
		}
		if env.Sequence != want {
			t.Errorf("writer queue sequence = %d, want %d", env.Sequence, want)
		}
		if env.EventID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Error("admitted event missing assigned event_id")
		}
	}
}

func TestBus_SeedSequenceContinuesSeries(t *testing.T) {
	b := testBus(t, DefaultConfig())
	b.SeedSequence(41)

	seq, err := b.Ingest(context.Background(), rawEvent(t, "file.modify", filePayload()), "tester")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if seq != 42 {
		t.Errorf("sequence after seed = %d, want 42", seq)
	}
}

func TestBus_RejectionConsumesNoSequence(t *testing.T) {
	b := testBus(t, DefaultConfig())
	ctx := context.Background()

	if _, err := b.Ingest(ctx, []byte(`{"event_type":"file.telepathy"}`), "tester"); err == nil {
		t.Fatal("Ingest() accepted an invalid event")
	}
	var rej *schema.Rejection
	_, err := b.Ingest(ctx, []byte("not json"), "tester")
	if !errors.As(err, &rej) {
		t.Fatalf("Ingest() error = %T, want *schema.Rejection", err)
	}

	seq, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if seq != 1 {
		t.Errorf("first admitted sequence = %d, want 1 (rejections consume none)", seq)
	}
}

func TestBus_BackpressureConsumesNoSequence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriterQueueSize = 1
	cfg.WriterTimeout = 30 * time.Millisecond
	b := testBus(t, cfg)
	ctx := context.Background()

	if _, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester"); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// Queue full and nobody draining: admission must fail with
	// backpressure, not block forever.
	_, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Ingest() on full queue = %v, want ErrBackpressure", err)
	}

	// The refused admission left no gap.
	drainWriterQueue(b)
	seq, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
	if err != nil {
		t.Fatalf("Ingest() after drain error = %v", err)
	}
	if seq != 2 {
		t.Errorf("sequence after refused admission = %d, want 2", seq)
	}
}

func TestBus_IngestHonorsCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriterQueueSize = 1
	cfg.WriterTimeout = 5 * time.Second
	b := testBus(t, cfg)

	if _, err := b.Ingest(context.Background(), rawEvent(t, "file.modify", filePayload()), "tester"); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// Queue full and nobody draining: the producer's cancellation must end
	// the wait long before the writer timeout does.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Ingest() after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ingest() did not return after context cancellation")
	}
	if elapsed := time.Since(start); elapsed >= cfg.WriterTimeout {
		t.Errorf("Ingest() returned after %v, want well before the writer timeout", elapsed)
	}

	// The cancelled admission left no gap in the series.
	if b.Sequence() != 1 {
		t.Errorf("Sequence() = %d, want 1 after cancelled admission", b.Sequence())
	}
}

func TestBus_ConcurrentIngestGapFree(t *testing.T) {
	b := testBus(t, DefaultConfig())
	ctx := context.Background()

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	seqs := make(chan uint64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
				if err != nil {
					t.Errorf("Ingest() error = %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		seen[seq] = true
	}
	for want := uint64(1); want <= workers*perWorker; want++ {
		if !seen[want] {
			t.Fatalf("sequence %d missing from admitted series", want)
		}
	}
	if b.Sequence() != workers*perWorker {
		t.Errorf("Sequence() = %d, want %d", b.Sequence(), workers*perWorker)
	}
}

func TestBus_SubscriberFiltering(t *testing.T) {
	b := testBus(t, DefaultConfig())
	ctx := context.Background()

	fileSub := b.Subscribe("files", Filter{Types: []schema.EventType{schema.EventFileModify}})
	allSub := b.Subscribe("all", Filter{})

	b.Ingest(ctx, rawEvent(t, "file.modify", filePayload()), "tester")
	b.Ingest(ctx, rawEvent(t, "process.exec", map[string]any{
		"pid": 9, "path": "/usr/bin/sudo",
	}), "tester")

	env := <-fileSub.Events()
	if env.EventType != schema.EventFileModify {
		t.Errorf("filtered subscriber got %s, want file.modify", env.EventType)
	}
	select {
	case env := <-fileSub.Events():
		t.Errorf("filtered subscriber got unexpected %s", env.EventType)
	default:
	}

	if got := len(allSub.Events()); got != 2 {
		t.Errorf("unfiltered subscriber buffered %d events, want 2", got)
	}
}

func TestBus_QuarantineRecordsRejections(t *testing.T) {
	qsink, err := quarantine.New(quarantine.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b := New(schema.NewValidator(), qsink, DefaultConfig(), nil)

	b.Ingest(context.Background(), []byte("junk"), "edge-1")
	b.Ingest(context.Background(), []byte("more junk"), "edge-1")

	if qsink.Total() != 2 {
		t.Errorf("quarantine total = %d, want 2", qsink.Total())
	}
	counts := qsink.Counts()
	if counts[schema.RejectMalformed] != 2 {
		t.Errorf("quarantine counts = %v, want 2 malformed", counts)
	}

	recent := qsink.Recent()
	if len(recent) != 2 || recent[0].Source != "edge-1" {
		t.Errorf("quarantine recent = %+v, want 2 entries from edge-1", recent)
	}
}

func TestBus_IngestEnvelopeValidatesAlerts(t *testing.T) {
	b := testBus(t, DefaultConfig())
	ctx := context.Background()

	// A malformed internally-built alert is refused like any other input.
	bad := &schema.EventEnvelope{
		Timestamp: time.Now().UTC(),
		Source:    "hostguard.alerts",
		EventType: schema.EventAlertRansomware,
		Severity:  schema.SeverityCritical,
		Host:      "host-1",
		Payload:   map[string]any{"detector": "ransomware_behavior"},
	}
	if _, err := b.IngestEnvelope(ctx, bad); err == nil {
		t.Fatal("IngestEnvelope() accepted alert with missing payload fields")
	}

	good := &schema.EventEnvelope{
		Timestamp: time.Now().UTC(),
		Source:    "hostguard.alerts",
		EventType: schema.EventAlertRansomware,
		Severity:  schema.SeverityCritical,
		Host:      "host-1",
		Payload: map[string]any{
			"detector":          "ransomware_behavior",
			"rationale":         "rename burst",
			"confidence":        0.9,
			"evidence":          []any{"id-1"},
			"correlation_depth": 1,
		},
	}
	seq, err := b.IngestEnvelope(ctx, good)
	if err != nil {
		t.Fatalf("IngestEnvelope() error = %v", err)
	}
	if seq != 1 {
		t.Errorf("alert sequence = %d, want 1", seq)
	}
}

func TestBus_CloseStopsAdmission(t *testing.T) {
	b := testBus(t, DefaultConfig())
	sub := b.Subscribe("s", Filter{})

	b.Close()

	if _, err := b.Ingest(context.Background(), rawEvent(t, "file.modify", filePayload()), "tester"); !errors.Is(err, ErrHalted) {
		t.Errorf("Ingest() after Close = %v, want ErrHalted", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel not closed by Close")
	}
}
