package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"hostguard/internal/schema"
)

// ScanResult reports what a segment scan found. Err is non-nil when the
// scan stopped at a corrupt or truncated record; ValidBytes is the offset
// of the last fully-verified record boundary either way.
type ScanResult struct {
	Records    uint64
	FirstSeq   uint64
	LastSeq    uint64
	ValidBytes int64
	Err        error
}

// ScanSegment reads a segment record by record, invoking fn for each valid
// envelope. A checksum failure or short tail stops the scan without error
// to the caller; the condition is reported in the result.
func ScanSegment(path string, fn func(*schema.EventEnvelope) error) (*ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res := &ScanResult{}
	r := bufio.NewReaderSize(f, 64*1024)
	header := make([]byte, headerLen)

	for {
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			// Partial header: crash mid-write.
			_ = n
			res.Err = ErrShortRecord
			return res, nil
		}

		length, sum, err := DecodeHeader(header)
		if err != nil {
			res.Err = err
			return res, nil
		}

		body := make([]byte, length+1) // body + newline
		if _, err := io.ReadFull(r, body); err != nil {
			res.Err = ErrShortRecord
			return res, nil
		}
		if body[length] != '\n' {
			res.Err = ErrCorruptRecord
			return res, nil
		}

		env, err := DecodeBody(body[:length], sum)
		if err != nil {
			res.Err = err
			return res, nil
		}

		if res.Records == 0 {
			res.FirstSeq = env.Sequence
		}
		res.LastSeq = env.Sequence
		res.Records++
		res.ValidBytes += int64(headerLen + length + 1)

		if fn != nil {
			if err := fn(env); err != nil {
				return res, err
			}
		}
	}
}

// ReplayStats summarizes a full log replay.
type ReplayStats struct {
	Segments      int
	Records       uint64
	FirstSeq      uint64
	LastSeq       uint64
	TruncatedTail bool
}

// Replay reads every segment in dir in filename order and invokes fn for
// each record, reconstructing the full sequence order. Only the final
// (active) segment may legitimately carry a truncated tail; a corrupt body
// in any sealed segment is an error.
func Replay(dir string, fn func(*schema.EventEnvelope) error) (*ReplayStats, error) {
	segments, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}

	stats := &ReplayStats{}
	for i, seg := range segments {
		res, err := ScanSegment(seg.Path, fn)
		if err != nil {
			return stats, fmt.Errorf("replay %s: %w", seg.Name, err)
		}
		stats.Segments++
		if stats.Records == 0 && res.Records > 0 {
			stats.FirstSeq = res.FirstSeq
		}
		stats.Records += res.Records
		if res.Records > 0 {
			stats.LastSeq = res.LastSeq
		}

		if res.Err != nil {
			if i != len(segments)-1 || seg.Sealed {
				return stats, fmt.Errorf("sealed segment %s: %w", seg.Name, res.Err)
			}
			stats.TruncatedTail = true
		}
	}
	return stats, nil
}

// IsCorrupt reports whether err marks a corrupt or truncated record.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrShortRecord)
}
