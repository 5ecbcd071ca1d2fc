package wal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Segment files are named by the sequence of their first record so that
// replaying segments in filename order reconstructs full sequence order.
const (
	segmentPrefix = "events-"
	segmentSuffix = ".log"
	sealSuffix    = ".seal"
)

// SegmentName returns the filename for a segment starting at seq.
func SegmentName(seq uint64) string {
	return fmt.Sprintf("%s%016d%s", segmentPrefix, seq, segmentSuffix)
}

// ParseSegmentName extracts the first sequence from a segment filename.
func ParseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	seq, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SegmentInfo describes one on-disk segment.
type SegmentInfo struct {
	Path     string
	Name     string
	FirstSeq uint64
	Sealed   bool
	Size     int64
	ModTime  time.Time
}

// ListSegments returns the segments in dir ordered by first sequence.
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var segments []SegmentInfo
	for _, entry := range entries {
		seq, ok := ParseSegmentName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, entry.Name())
		_, sealErr := os.Stat(path + sealSuffix)
		segments = append(segments, SegmentInfo{
			Path:     path,
			Name:     entry.Name(),
			FirstSeq: seq,
			Sealed:   sealErr == nil,
			Size:     fi.Size(),
			ModTime:  fi.ModTime(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].FirstSeq < segments[j].FirstSeq
	})
	return segments, nil
}

// Seal is the sidecar written when a segment is rotated out. A sealed
// segment is immutable and verifiable end-to-end.
type Seal struct {
	Segment   string    `json:"segment"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	Records   uint64    `json:"records"`
	SHA256    string    `json:"sha256"`
	HMAC      string    `json:"hmac"`
	SealedAt  time.Time `json:"sealed_at"`
	KeyDigest string    `json:"key_digest"`
}

// Sealer signs segment seals with a per-segment HMAC key derived from a
// master key via HKDF. The master key file is created on first use.
type Sealer struct {
	master []byte
}

const sealerKeyLen = 32

// NewSealer loads or creates the master key at keyPath.
func NewSealer(keyPath string) (*Sealer, error) {
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, sealerKeyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate seal key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("write seal key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read seal key: %w", err)
	}
	if len(key) < sealerKeyLen {
		return nil, fmt.Errorf("seal key too short: %d bytes", len(key))
	}
	return &Sealer{master: key}, nil
}

// segmentKey derives the HMAC key for one segment name.
func (s *Sealer) segmentKey(segmentName string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, []byte("hostguard-segment-seal"), []byte(segmentName))
	key := make([]byte, sealerKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Sealer) keyDigest() string {
	sum := sha256.Sum256(s.master)
	return hex.EncodeToString(sum[:8])
}

// SealSegment hashes and signs a finished segment, writing the sidecar
// atomically (temp file + rename) so a crash mid-seal leaves either no
// sidecar or a complete one.
func (s *Sealer) SealSegment(path string, firstSeq, lastSeq, records uint64) (*Seal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash segment: %w", err)
	}
	digest := h.Sum(nil)

	key, err := s.segmentKey(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest)

	seal := &Seal{
		Segment:   filepath.Base(path),
		FirstSeq:  firstSeq,
		LastSeq:   lastSeq,
		Records:   records,
		SHA256:    hex.EncodeToString(digest),
		HMAC:      hex.EncodeToString(mac.Sum(nil)),
		SealedAt:  time.Now().UTC(),
		KeyDigest: s.keyDigest(),
	}

	data, err := json.MarshalIndent(seal, "", "  ")
	if err != nil {
		return nil, err
	}

	tmp := path + sealSuffix + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("write seal: %w", err)
	}
	if err := os.Rename(tmp, path+sealSuffix); err != nil {
		return nil, fmt.Errorf("commit seal: %w", err)
	}
	return seal, syncDir(filepath.Dir(path))
}

// VerifySeal recomputes the segment hash and checks it against the sidecar
// signature. Returns the seal on success.
func (s *Sealer) VerifySeal(path string) (*Seal, error) {
	data, err := os.ReadFile(path + sealSuffix)
	if err != nil {
		return nil, fmt.Errorf("read seal: %w", err)
	}
	var seal Seal
	if err := json.Unmarshal(data, &seal); err != nil {
		return nil, fmt.Errorf("parse seal: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	digest := h.Sum(nil)

	if hex.EncodeToString(digest) != seal.SHA256 {
		return nil, fmt.Errorf("segment %s: content hash mismatch", seal.Segment)
	}

	key, err := s.segmentKey(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest)
	want, err := hex.DecodeString(seal.HMAC)
	if err != nil {
		return nil, fmt.Errorf("segment %s: malformed seal signature", seal.Segment)
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return nil, fmt.Errorf("segment %s: seal signature mismatch", seal.Segment)
	}
	return &seal, nil
}

// ReadSeal loads a seal sidecar without verification.
func ReadSeal(path string) (*Seal, error) {
	data, err := os.ReadFile(path + sealSuffix)
	if err != nil {
		return nil, err
	}
	var seal Seal
	if err := json.Unmarshal(data, &seal); err != nil {
		return nil, err
	}
	return &seal, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
