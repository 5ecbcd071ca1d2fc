// Package wal implements the durable, append-only event log. Records are
// newline-delimited and self-describing: an ASCII header carrying the body
// length and CRC32 precedes each JSON-encoded envelope, so a tail truncated
// by a crash is detectable and discarded on recovery without touching prior
// records.
package wal

import (
	"errors"
	"fmt"
	"hash/crc32"

	"encoding/json"

	"hostguard/internal/schema"
)

var (
	// ErrCorruptRecord marks a record whose header, checksum or framing
	// failed verification.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrShortRecord marks a record cut off by a crash mid-write.
	ErrShortRecord = errors.New("truncated log record")
)

// Header layout: 8 hex digits of body length, space, 8 hex digits of CRC32
// (IEEE) over the body, space. The body is the JSON envelope, terminated by
// a newline that is excluded from length and checksum.
const headerLen = 18

// maxRecordBody bounds a single encoded envelope. Anything larger is a bug
// upstream, not a legitimate event.
const maxRecordBody = 1 << 20

// EncodeRecord serializes an envelope into the framed on-disk form.
func EncodeRecord(env *schema.EventEnvelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > maxRecordBody {
		return nil, fmt.Errorf("envelope %d bytes exceeds record limit", len(body))
	}

	buf := make([]byte, 0, headerLen+len(body)+1)
	buf = fmt.Appendf(buf, "%08x %08x ", len(body), crc32.ChecksumIEEE(body))
	buf = append(buf, body...)
	buf = append(buf, '\n')
	return buf, nil
}

// DecodeHeader parses a record header and returns the body length and
// expected checksum.
func DecodeHeader(header []byte) (length int, sum uint32, err error) {
	if len(header) != headerLen {
		return 0, 0, ErrShortRecord
	}
	if header[8] != ' ' || header[17] != ' ' {
		return 0, 0, ErrCorruptRecord
	}
	var n, c uint64
	if _, err := fmt.Sscanf(string(header), "%08x %08x ", &n, &c); err != nil {
		return 0, 0, ErrCorruptRecord
	}
	if n == 0 || n > maxRecordBody {
		return 0, 0, ErrCorruptRecord
	}
	return int(n), uint32(c), nil
}

// DecodeBody verifies the checksum and unmarshals the envelope.
func DecodeBody(body []byte, sum uint32) (*schema.EventEnvelope, error) {
	if crc32.ChecksumIEEE(body) != sum {
		return nil, ErrCorruptRecord
	}
	var env schema.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &env, nil
}
