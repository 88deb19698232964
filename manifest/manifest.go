// Package manifest implements the manifest store described in section
// 4.3 of the design specification: the in-memory authoritative
// manifest for a session, a mirrored on-disk cache for crash recovery,
// and canonical snapshot bytes for upload.
//
// Grounded on checkpoint.FileStore's temp+rename local-cache pattern
// (repurposed here to cache a whole Manifest rather than a small
// restore-progress State) and on manifest.Summary's declared-field-
// order JSON shape.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

// SegmentEntry is an immutable manifest record for one closed segment,
// per spec.md section 3.
type SegmentEntry struct {
	Seq               uint32   `json:"seq"`
	Path              string   `json:"path"`
	FirstTS           *float64 `json:"first_ts,omitempty"`
	LastTS            *float64 `json:"last_ts,omitempty"`
	Lines             uint64   `json:"lines"`
	BytesUncompressed uint64   `json:"bytes_uncompressed"`
	BytesGzip         *uint64  `json:"bytes_gzip,omitempty"`
}

// Checkpoint is a named (seq, line_idx) pointer suitable for replay-up-to.
type Checkpoint struct {
	ID      string  `json:"id"`
	Label   *string `json:"label,omitempty"`
	Seq     uint32  `json:"seq"`
	LineIdx uint64  `json:"line_idx"`
	TS      float64 `json:"ts"`
	Git     *string `json:"git,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

// Manifest is the authoritative per-session manifest, per spec.md
// section 3. Field order is declared explicitly so goccy/go-json
// emits the stable key order spec.md section 4.3 requires:
// version, sid, created_at, updated_at, active_seq, segments, checkpoints.
type Manifest struct {
	Version     int            `json:"version"`
	SID         string         `json:"sid"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	ActiveSeq   uint32         `json:"active_seq"`
	Segments    []SegmentEntry `json:"segments"`
	Checkpoints []Checkpoint   `json:"checkpoints"`
}

// ErrSeqOutOfOrder is returned by AddSegment when seq does not
// continue the contiguous 1..K sequence spec.md requires.
var ErrSeqOutOfOrder = fmt.Errorf("manifest: segment seq out of order")

// ErrUnknownCheckpointSegment is returned by AddCheckpoint when the
// checkpoint's seq does not reference a segment already present.
var ErrUnknownCheckpointSegment = fmt.Errorf("manifest: checkpoint references unknown segment")

// Store holds the authoritative in-memory Manifest for one session and
// write-throughs to a local cache file on every mutation.
type Store struct {
	cacheDir string
	nowFn    func() string

	m Manifest
}

// Option configures a Store at construction.
type Option func(*Store)

// WithNowFn overrides the timestamp function (for deterministic tests).
func WithNowFn(fn func() string) Option {
	return func(s *Store) { s.nowFn = fn }
}

// BeginOrResume loads the cached manifest for sid from cacheDir if
// present, else creates a fresh one with created_at = now, active_seq
// = 1, and empty arrays, per spec.md section 4.3.
func BeginOrResume(cacheDir, sid string, nowRFC3339 func() string, opts ...Option) (*Store, error) {
	s := &Store{cacheDir: cacheDir, nowFn: nowRFC3339}
	for _, opt := range opts {
		opt(s)
	}

	path := cachePath(cacheDir, sid)
	data, err := os.ReadFile(path)
	if err == nil {
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding cached manifest: %w", err)
		}
		s.m = m
		s.m.ActiveSeq = nextActiveSeq(m.Segments)
		return s, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading manifest cache: %w", err)
	}

	now := s.nowFn()
	s.m = Manifest{
		Version:     1,
		SID:         sid,
		CreatedAt:   now,
		UpdatedAt:   now,
		ActiveSeq:   1,
		Segments:    []SegmentEntry{},
		Checkpoints: []Checkpoint{},
	}
	if err := s.writeCache(); err != nil {
		return nil, err
	}
	return s, nil
}

// nextActiveSeq implements invariant 2 from spec.md section 3: when
// resuming, the next segment seq continues from the highest known seq.
func nextActiveSeq(segments []SegmentEntry) uint32 {
	if len(segments) == 0 {
		return 1
	}
	return segments[len(segments)-1].Seq + 1
}

// Manifest returns a shallow copy of the current in-memory manifest;
// its Segments and Checkpoints slices share storage with the store.
func (s *Store) Manifest() Manifest {
	return s.m
}

// AddSegment appends entry, enforcing the contiguous-seq invariant,
// bumps active_seq to entry.Seq+1 (a new segment is always opened
// immediately after rotation), and updates updated_at.
func (s *Store) AddSegment(entry SegmentEntry) error {
	want := uint32(len(s.m.Segments)) + 1
	if entry.Seq != want {
		return fmt.Errorf("%w: got seq %d, want %d", ErrSeqOutOfOrder, entry.Seq, want)
	}
	s.m.Segments = append(s.m.Segments, entry)
	s.m.ActiveSeq = entry.Seq + 1
	s.m.UpdatedAt = s.nowFn()
	return s.writeCache()
}

// AddCheckpoint inserts cp preserving ascending ts order, rejecting it
// if its seq exceeds any known segment, per spec.md section 4.3.
func (s *Store) AddCheckpoint(cp Checkpoint) error {
	if cp.Seq == 0 || int(cp.Seq) > len(s.m.Segments) {
		return fmt.Errorf("%w: seq %d", ErrUnknownCheckpointSegment, cp.Seq)
	}
	if cp.LineIdx >= s.m.Segments[cp.Seq-1].Lines {
		return fmt.Errorf("manifest: checkpoint line_idx %d out of range for segment %d (%d lines)", cp.LineIdx, cp.Seq, s.m.Segments[cp.Seq-1].Lines)
	}

	idx := sort.Search(len(s.m.Checkpoints), func(i int) bool {
		return s.m.Checkpoints[i].TS > cp.TS
	})
	s.m.Checkpoints = append(s.m.Checkpoints, Checkpoint{})
	copy(s.m.Checkpoints[idx+1:], s.m.Checkpoints[idx:])
	s.m.Checkpoints[idx] = cp

	s.m.UpdatedAt = s.nowFn()
	return s.writeCache()
}

// SnapshotBytes returns canonical, two-space-indented JSON bytes for
// the current manifest, per spec.md section 4.3.
func (s *Store) SnapshotBytes() ([]byte, error) {
	return json.MarshalIndent(s.m, "", "  ")
}

func (s *Store) writeCache() error {
	data, err := s.SnapshotBytes()
	if err != nil {
		return fmt.Errorf("encoding manifest cache: %w", err)
	}
	return writeCacheFile(cachePath(s.cacheDir, s.m.SID), data)
}

func cachePath(cacheDir, sid string) string {
	return filepath.Join(cacheDir, sid, "manifest.json")
}

// writeCacheFile persists data to path via temp+rename, matching the
// atomicity rule spec.md requires for both the manifest cache and the
// spool.
func writeCacheFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp manifest file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp manifest file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp manifest file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
