package quarantine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"hostguard/internal/schema"
)

func rejection(code string, reasons ...string) *schema.Rejection {
	return &schema.Rejection{
		Code:    code,
		Reasons: reasons,
		RawHash: "abc123",
	}
}

func TestSink_CountsAndTotal(t *testing.T) {
	s, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Record("edge-1", rejection(schema.RejectMalformed, "not json"))
	s.Record("edge-1", rejection(schema.RejectMalformed, "not json"))
	s.Record("edge-2", rejection(schema.RejectPayload, "missing field path"))

	if got := s.Total(); got != 3 {
		t.Fatalf("Total() = %d, want 3", got)
	}
	counts := s.Counts()
	if counts[schema.RejectMalformed] != 2 {
		t.Fatalf("malformed count = %d, want 2", counts[schema.RejectMalformed])
	}
	if counts[schema.RejectPayload] != 1 {
		t.Fatalf("payload count = %d, want 1", counts[schema.RejectPayload])
	}
}

func TestSink_RecentIsBoundedRing(t *testing.T) {
	s, err := New(Config{RecentSize: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 6; i++ {
		s.Record(fmt.Sprintf("src-%d", i), rejection(schema.RejectMalformed))
	}

	recent := s.Recent()
	if len(recent) != 4 {
		t.Fatalf("Recent() kept %d entries, want 4", len(recent))
	}
	// Oldest surviving entry first; the two earliest were overwritten.
	if recent[0].Source != "src-2" || recent[3].Source != "src-5" {
		t.Fatalf("Recent() order = %q..%q, want src-2..src-5", recent[0].Source, recent[3].Source)
	}
	if got := s.Total(); got != 6 {
		t.Fatalf("Total() = %d: ring eviction must not lose the count", got)
	}
}

func TestSink_RecentSkipsUnusedSlots(t *testing.T) {
	s, err := New(Config{RecentSize: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Record("edge-1", rejection(schema.RejectOversize))
	if got := s.Recent(); len(got) != 1 {
		t.Fatalf("Recent() = %d entries, want 1", len(got))
	}
}

func TestSink_SpillWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.jsonl")
	s, err := New(Config{RecentSize: 4, SpillPath: path}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s.Record("edge-1", rejection(schema.RejectMalformed, "not json"))
	s.Record("edge-2", rejection(schema.RejectTimestampSkew, "too old"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("spill line not valid json: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("spill has %d lines, want 2", len(entries))
	}
	if entries[0].Source != "edge-1" || entries[0].Code != schema.RejectMalformed {
		t.Fatalf("first spill entry = %+v", entries[0])
	}
	if entries[1].Code != schema.RejectTimestampSkew {
		t.Fatalf("second spill entry = %+v", entries[1])
	}
	if entries[0].RawHash == "" {
		t.Fatal("spill entry missing raw hash")
	}
}

func TestSink_CountsReturnsCopy(t *testing.T) {
	s, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Record("edge-1", rejection(schema.RejectMalformed))
	counts := s.Counts()
	counts[schema.RejectMalformed] = 99

	if got := s.Counts()[schema.RejectMalformed]; got != 1 {
		t.Fatalf("internal counts mutated through snapshot: %d", got)
	}
}
