// Package segment implements the segment writer described in section
// 4.2 of the design specification: it owns the single currently-open
// segment, appends lines, enforces rotation thresholds, and finalizes
// a closed segment into an uploadable (optionally gzipped) artifact.
//
// Grounded on dsjohal14-selfstack's wal.SegmentRoller.ShouldRotate
// (size/age threshold checks) and wal writer's buffered-append shape,
// with gzip framing via klauspost/compress/gzip in place of a
// per-line codec, per spec.md's "one complete gzip member per closed
// segment" requirement.
package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Thresholds configures when an open segment must rotate, matching the
// defaults in spec.md section 4.2.
type Thresholds struct {
	MaxBytes uint64        // default 8 MiB
	MaxLines uint64        // default 10,000
	MaxAge   time.Duration // default 10 minutes
}

// DefaultThresholds returns spec.md's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBytes: 8 * 1024 * 1024,
		MaxLines: 10_000,
		MaxAge:   10 * time.Minute,
	}
}

// ClosedSegment is the finalized, immutable artifact of one segment.
type ClosedSegment struct {
	Seq               uint32
	LocalPath         string // path of the uploadable payload (.jsonl or .jsonl.gz)
	Gzipped           bool
	FirstTS           *float64
	LastTS            *float64
	Lines             uint64
	BytesUncompressed uint64
	BytesGzip         *uint64
}

// Writer owns exactly one open segment at a time.
type Writer struct {
	dir        string
	gzipOn     bool
	thresholds Thresholds
	nowFn      func() time.Time

	seq        uint32
	path       string
	file       *os.File
	buf        *bufio.Writer
	lines      uint64
	bytes      uint64
	openedAt   time.Time
	firstTS    *float64
	lastTS     *float64
	forceFlag  bool
}

// New opens segment number seq under dir (creating dir if needed).
func New(dir string, seq uint32, gzipOn bool, thresholds Thresholds) (*Writer, error) {
	return newWithClock(dir, seq, gzipOn, thresholds, time.Now)
}

func newWithClock(dir string, seq uint32, gzipOn bool, thresholds Thresholds, nowFn func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment dir: %w", err)
	}
	path := localPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	return &Writer{
		dir:        dir,
		gzipOn:     gzipOn,
		thresholds: thresholds,
		nowFn:      nowFn,
		seq:        seq,
		path:       path,
		file:       f,
		buf:        bufio.NewWriter(f),
		openedAt:   nowFn(),
	}, nil
}

func localPath(dir string, seq uint32) string {
	return filepath.Join(dir, fmt.Sprintf("session-%06d.jsonl", seq))
}

// Seq returns the currently-open segment's sequence number.
func (w *Writer) Seq() uint32 { return w.seq }

// Lines returns the number of complete lines appended so far.
func (w *Writer) Lines() uint64 { return w.lines }

// RotateDecision reports whether the segment must rotate now.
type RotateDecision struct {
	Rotate bool
	Reason string
}

// Append writes line followed by '\n', updates counters, and reports
// the assigned 0-based line index plus whether a rotation threshold is
// now met, per spec.md section 4.2.
func (w *Writer) Append(line []byte) (lineIdx uint64, decision RotateDecision, err error) {
	lineIdx = w.lines

	if _, err = w.buf.Write(line); err != nil {
		return lineIdx, RotateDecision{}, fmt.Errorf("writing line: %w", err)
	}
	if err = w.buf.WriteByte('\n'); err != nil {
		return lineIdx, RotateDecision{}, fmt.Errorf("writing newline: %w", err)
	}

	w.lines++
	w.bytes += uint64(len(line)) + 1

	return lineIdx, w.checkThresholds(), nil
}

// ObserveTimestamp records ts as FirstTS if unset, and always as the
// latest LastTS, per spec.md section 4.2.
func (w *Writer) ObserveTimestamp(ts float64) {
	if w.firstTS == nil {
		v := ts
		w.firstTS = &v
	}
	v := ts
	w.lastTS = &v
}

// ForceRotate marks the segment so that the next Append reports a
// forced rotation regardless of thresholds. The ingest controller
// rotates compaction lines and truncation boundaries itself and does
// not call it.
func (w *Writer) ForceRotate() {
	w.forceFlag = true
}

func (w *Writer) checkThresholds() RotateDecision {
	if w.forceFlag {
		return RotateDecision{Rotate: true, Reason: "forced"}
	}
	if w.thresholds.MaxBytes > 0 && w.bytes >= w.thresholds.MaxBytes {
		return RotateDecision{Rotate: true, Reason: "bytes"}
	}
	if w.thresholds.MaxLines > 0 && w.lines >= w.thresholds.MaxLines {
		return RotateDecision{Rotate: true, Reason: "lines"}
	}
	if w.thresholds.MaxAge > 0 && w.nowFn().Sub(w.openedAt) >= w.thresholds.MaxAge {
		return RotateDecision{Rotate: true, Reason: "age"}
	}
	return RotateDecision{}
}

// Finalize flushes and closes the open segment. If gzip is enabled the
// file is streamed through a gzip encoder to a sibling .gz file (one
// complete gzip member per segment) and the uncompressed source is
// deleted; otherwise the .jsonl file itself is the uploadable payload.
func (w *Writer) Finalize() (ClosedSegment, error) {
	if err := w.buf.Flush(); err != nil {
		return ClosedSegment{}, fmt.Errorf("flushing segment: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return ClosedSegment{}, fmt.Errorf("closing segment file: %w", err)
	}

	closed := ClosedSegment{
		Seq:               w.seq,
		LocalPath:         w.path,
		FirstTS:           w.firstTS,
		LastTS:            w.lastTS,
		Lines:             w.lines,
		BytesUncompressed: w.bytes,
	}

	if !w.gzipOn {
		return closed, nil
	}

	gzPath := w.path + ".gz"
	gzBytes, err := gzipFile(w.path, gzPath)
	if err != nil {
		return ClosedSegment{}, fmt.Errorf("gzipping segment: %w", err)
	}
	if err := os.Remove(w.path); err != nil {
		return ClosedSegment{}, fmt.Errorf("removing uncompressed segment: %w", err)
	}

	closed.LocalPath = gzPath
	closed.Gzipped = true
	closed.BytesGzip = &gzBytes
	return closed, nil
}

// gzipFile streams src through a gzip encoder into dst, returning the
// compressed size.
func gzipFile(src, dst string) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating gzip output: %w", err)
	}
	defer func() { _ = out.Close() }()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		return 0, fmt.Errorf("writing gzip stream: %w", err)
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("syncing gzip output: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating gzip output: %w", err)
	}
	return uint64(info.Size()), nil
}
