// Package ingest implements the ingest controller described in
// section 4.7 of the design specification: the state machine that
// wires the tailer, segment writer, manifest store, and spool
// together, interprets "compacted" lines into checkpoints, and owns
// the shutdown drain.
//
// Grounded on coordinator.Coordinator.Run/worker's task-loop and
// signal-driven shutdown shape, adapted from a parallel worker pool
// over static S3 files to a single-threaded poll loop over one
// growing NDJSON source (spec.md requires a single ingest task; only
// the uploader side is a worker pool).
package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/brask-io/sessionlog/clock"
	"github.com/brask-io/sessionlog/eventline"
	"github.com/brask-io/sessionlog/manifest"
	"github.com/brask-io/sessionlog/metrics"
	"github.com/brask-io/sessionlog/segment"
	"github.com/brask-io/sessionlog/spool"
	"github.com/brask-io/sessionlog/tailer"
)

// Config configures a Controller, mirroring spec.md section 6's
// enumerated configuration surface (the subset owned by ingest,
// excluding uploader/transport settings).
type Config struct {
	SID           string
	SegmentDir    string
	GzipOn        bool
	Thresholds    segment.Thresholds
	PollInterval  time.Duration
	FromStart     bool
	DrainDeadline time.Duration
}

// Controller binds the tailer, segment writer, manifest store, and
// spool into the ingest pipeline, per spec.md section 4.7.
type Controller struct {
	cfg Config

	tl  *tailer.Tailer
	seg *segment.Writer
	man *manifest.Store
	sp  *spool.Spool

	clock clock.Clock
	ids   clock.IDSequencer

	pending *pendingCheckpoint
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type pendingCheckpoint struct {
	lineIdx uint64
	ts      float64
	git     *string
	label   *string
}

// New constructs a Controller. sourcePath is the NDJSON file being
// tailed; the manifest store and spool are expected to already be
// opened (begin_or_resume / Open) by the caller.
func New(cfg Config, sourcePath string, man *manifest.Store, sp *spool.Spool, cl clock.Clock, logger zerolog.Logger) (*Controller, error) {
	tl, err := tailer.New(sourcePath, cfg.FromStart)
	if err != nil {
		return nil, fmt.Errorf("opening tailer: %w", err)
	}

	nextSeq := man.Manifest().ActiveSeq
	seg, err := segment.New(cfg.SegmentDir, nextSeq, cfg.GzipOn, cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("opening segment writer: %w", err)
	}

	return &Controller{
		cfg:    cfg,
		tl:     tl,
		seg:    seg,
		man:    man,
		sp:     sp,
		clock:  cl,
		logger: logger,
	}, nil
}

// SetMetrics attaches a metrics.Metrics instance for counter recording.
// Optional; a Controller with no metrics attached records nothing.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Run polls the tailer on cfg.PollInterval until ctx is cancelled,
// then performs a final rotation (if the open segment has content)
// and returns. It does not wait for the spool to drain; callers that
// need a bounded drain should use DrainSpool after Run returns.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-ticker.C:
			if err := c.pollOnce(); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) pollInterval() time.Duration {
	if c.cfg.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return c.cfg.PollInterval
}

// shutdown finalizes any open segment with content and enqueues the
// final manifest, per spec.md section 4.7's shutdown contract.
func (c *Controller) shutdown() error {
	if c.seg.Lines() == 0 {
		return nil
	}
	return c.rotate()
}

// DrainSpool waits up to deadline for the spool to empty, per
// spec.md section 4.7's shutdown drain. Remaining items are left on
// disk for the next run; a timeout is not an error.
func (c *Controller) DrainSpool(ctx context.Context, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timeout := time.After(deadline)
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		n, err := c.sp.Len()
		if err != nil {
			return fmt.Errorf("checking spool length: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-timeout:
			return nil
		case <-ctx.Done():
			return nil
		case <-poll.C:
		}
	}
}

// pollOnce processes one batch of events from the tailer.
func (c *Controller) pollOnce() error {
	events, err := c.tl.Poll()
	if err != nil {
		c.logger.Warn().Err(err).Msg("tailer poll failed, will retry")
		return nil
	}

	for _, ev := range events {
		if ev.Truncated {
			if c.seg.Lines() > 0 {
				if err := c.rotate(); err != nil {
					return err
				}
			}
			continue
		}
		if err := c.processLine(ev.Line); err != nil {
			return err
		}
	}
	return nil
}

// processLine implements the per-line procedure from spec.md section
// 4.7: append, observe timestamp, detect compaction, then rotate if
// either the append itself crossed a threshold or this line forces an
// immediate rotation boundary.
func (c *Controller) processLine(line []byte) error {
	lineIdx, decision, err := c.seg.Append(line)
	if err != nil {
		return fmt.Errorf("appending line: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordLineAppended()
	}

	forceRotate := false
	// eventline.Parse may return a non-nil error alongside a partially
	// populated Line (e.g. a malformed "detail" payload on an otherwise
	// well-formed compacted line): per spec.md section 7, a parse error
	// only means ts/type side effects it could not decode are skipped,
	// it must never discard a type/ts the parser did successfully read.
	parsed, perr := eventline.Parse(line)
	if perr != nil {
		c.logger.Debug().Err(perr).Msg("line parse failed, unrecovered ts/type side effects skipped")
	}
	if parsed.HasTS {
		c.seg.ObserveTimestamp(parsed.TS)
	}
	if parsed.Compacted {
		c.pending = &pendingCheckpoint{lineIdx: lineIdx, ts: parsed.TS}
		if parsed.Detail.Git != "" {
			c.pending.git = &parsed.Detail.Git
		}
		if parsed.Detail.Label != "" {
			c.pending.label = &parsed.Detail.Label
		}
		forceRotate = true
	}

	if decision.Rotate || forceRotate {
		return c.rotate()
	}
	return nil
}

// rotate implements the Rotation procedure from spec.md section 4.7.
func (c *Controller) rotate() error {
	closed, err := c.seg.Finalize()
	if err != nil {
		return fmt.Errorf("finalizing segment: %w", err)
	}

	entryPath := segmentObjectPath(c.cfg.SID, closed.Seq, closed.Gzipped)
	entry := manifest.SegmentEntry{
		Seq:               closed.Seq,
		Path:              entryPath,
		FirstTS:           closed.FirstTS,
		LastTS:            closed.LastTS,
		Lines:             closed.Lines,
		BytesUncompressed: closed.BytesUncompressed,
		BytesGzip:         closed.BytesGzip,
	}
	if err := c.man.AddSegment(entry); err != nil {
		return fmt.Errorf("adding segment to manifest: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordSegmentRotated()
	}

	payload, err := os.ReadFile(closed.LocalPath)
	if err != nil {
		return fmt.Errorf("reading closed segment: %w", err)
	}
	contentEncoding := ""
	if closed.Gzipped {
		contentEncoding = "gzip"
	}
	if _, err := c.sp.Enqueue(spool.KindSegment, c.cfg.SID, entryPath, "application/octet-stream", contentEncoding, payload); err != nil {
		return fmt.Errorf("enqueueing segment: %w", err)
	}
	if err := os.Remove(closed.LocalPath); err != nil {
		c.logger.Warn().Err(err).Str("path", closed.LocalPath).Msg("removing local segment copy after spool ingest")
	}

	if c.pending != nil {
		cpID := c.ids.Next(c.clock.Now())
		cp := manifest.Checkpoint{
			ID:      cpID,
			Seq:     entry.Seq,
			LineIdx: c.pending.lineIdx,
			TS:      c.pending.ts,
			Git:     c.pending.git,
			Label:   c.pending.label,
		}
		if err := c.man.AddCheckpoint(cp); err != nil {
			return fmt.Errorf("adding checkpoint to manifest: %w", err)
		}
		if c.metrics != nil {
			c.metrics.RecordCheckpointEmitted()
		}
		cpBytes, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}
		if _, err := c.sp.Enqueue(spool.KindCheckpoint, c.cfg.SID, checkpointObjectPath(c.cfg.SID, cpID), "application/json", "", cpBytes); err != nil {
			return fmt.Errorf("enqueueing checkpoint: %w", err)
		}
		c.pending = nil
	}

	manifestBytes, err := c.man.SnapshotBytes()
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if _, err := c.sp.Enqueue(spool.KindManifest, c.cfg.SID, manifestObjectPath(c.cfg.SID), "application/json", "", manifestBytes); err != nil {
		return fmt.Errorf("enqueueing manifest: %w", err)
	}

	next, err := segment.New(c.cfg.SegmentDir, entry.Seq+1, c.cfg.GzipOn, c.cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("opening next segment: %w", err)
	}
	c.seg = next
	return nil
}

func segmentObjectPath(sid string, seq uint32, gzipped bool) string {
	path := fmt.Sprintf("sessions/%s/segments/session-%06d.jsonl", sid, seq)
	if gzipped {
		path += ".gz"
	}
	return path
}

func manifestObjectPath(sid string) string {
	return fmt.Sprintf("sessions/%s/manifest.json", sid)
}

func checkpointObjectPath(sid, id string) string {
	return fmt.Sprintf("sessions/%s/checkpoints/%s.json", sid, id)
}
