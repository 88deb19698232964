// Package main implements the command-line entry point for the ingest
// sidecar, wiring config, tailer, segment writer, manifest store,
// spool, and uploader pool into one running process, per spec.md
// section 1 ("the coding-agent or its host process supplies the
// command-line invocation").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brask-io/sessionlog/clock"
	"github.com/brask-io/sessionlog/config"
	"github.com/brask-io/sessionlog/ingest"
	"github.com/brask-io/sessionlog/manifest"
	"github.com/brask-io/sessionlog/metrics"
	"github.com/brask-io/sessionlog/objectstore"
	"github.com/brask-io/sessionlog/segment"
	"github.com/brask-io/sessionlog/spool"
	"github.com/brask-io/sessionlog/uploader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses flags, validates configuration, and drives one ingest
// session until the process receives an interrupt. A missing source
// file does not end the session; tailing resumes when it reappears.
func run() error {
	fs := flag.NewFlagSet("sessionlog-sidecar", flag.ExitOnError)

	defaults := config.Defaults()
	file := fs.String("file", "", "source NDJSON session file to tail (required)")
	sid := fs.String("sid", defaults.SID, "session id, or \"auto\" to derive one")
	bucket := fs.String("bucket", defaults.Bucket, "destination bucket")
	baseURL := fs.String("base-url", "", "object-store base URL")
	key := fs.String("key", "", "bearer key for object-store auth")
	presignedURL := fs.String("presigned-url", "", "presigned PUT target (alternative to base-url/key)")
	segBytes := fs.Uint64("seg-bytes", defaults.SegBytes, "segment rotation threshold in bytes")
	segLines := fs.Uint64("seg-lines", defaults.SegLines, "segment rotation threshold in lines")
	segMS := fs.Duration("seg-ms", defaults.SegMS, "segment rotation threshold, open-wall age")
	pollMS := fs.Duration("poll-ms", defaults.PollMS, "tailer poll interval")
	gzipOn := fs.Bool("gzip", defaults.Gzip, "compress closed segments")
	spoolDir := fs.String("spool-dir", defaults.SpoolDir, "durable upload queue root")
	stateDir := fs.String("state-dir", defaults.StateDir, "manifest cache root")
	concurrency := fs.Int("concurrency", defaults.Concurrency, "max concurrent uploader workers")
	dryRun := fs.Bool("dry-run", defaults.DryRun, "skip uploads; ingest and spool still run")
	drainDeadline := fs.Duration("drain-deadline", defaults.DrainDeadline, "shutdown drain deadline")
	envFile := fs.String("env-file", ".env", "optional .env file to load before flag binding")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	stateDirSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "state-dir" {
			stateDirSet = true
		}
	})
	if !stateDirSet {
		*stateDir = filepath.Join(*spoolDir, "state")
	}

	if err := config.LoadDotenv(*envFile); err != nil {
		return err
	}
	if v := os.Getenv("SESSIONLOG_BASE_URL"); v != "" && *baseURL == "" {
		*baseURL = v
	}
	if v := os.Getenv("SESSIONLOG_KEY"); v != "" && *key == "" {
		*key = v
	}

	cfg := config.Config{
		File:          *file,
		SID:           *sid,
		Bucket:        *bucket,
		BaseURL:       *baseURL,
		Key:           *key,
		PresignedURL:  *presignedURL,
		SegBytes:      *segBytes,
		SegLines:      *segLines,
		SegMS:         *segMS,
		PollMS:        *pollMS,
		Gzip:          *gzipOn,
		SpoolDir:      *spoolDir,
		StateDir:      *stateDir,
		Concurrency:   *concurrency,
		DryRun:        *dryRun,
		DrainDeadline: *drainDeadline,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cl := clock.System{}
	resolvedSID := cfg.SID
	if resolvedSID == "" || resolvedSID == "auto" {
		resolvedSID = clock.DeriveSessionID(cfg.File, cl.Now())
	}

	man, err := manifest.BeginOrResume(cfg.StateDir, resolvedSID, func() string {
		return clock.FormatRFC3339(cl.Now())
	})
	if err != nil {
		return fmt.Errorf("opening manifest store: %w", err)
	}

	sp, err := spool.Open(cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}

	mset := metrics.New()

	segmentDir := filepath.Join(cfg.SpoolDir, "segments", resolvedSID)
	ic := ingest.Config{
		SID:        resolvedSID,
		SegmentDir: segmentDir,
		GzipOn:     cfg.Gzip,
		Thresholds: segment.Thresholds{
			MaxBytes: cfg.SegBytes,
			MaxLines: cfg.SegLines,
			MaxAge:   cfg.SegMS,
		},
		PollInterval:  cfg.PollMS,
		FromStart:     false,
		DrainDeadline: cfg.DrainDeadline,
	}
	controller, err := ingest.New(ic, cfg.File, man, sp, cl, logger.With().Str("component", "ingest").Logger())
	if err != nil {
		return fmt.Errorf("starting ingest controller: %w", err)
	}
	controller.SetMetrics(mset)

	var pool *uploader.Pool
	if !cfg.DryRun {
		pool = uploader.New(sp, objectstore.NewHTTPClient(), cfg.BaseURL, cfg.Bucket, cfg.Key, cfg.Concurrency, logger.With().Str("component", "uploader").Logger())
		pool.Metrics = mset
	}

	// The ingest controller's lifetime is tied to the interrupt signal:
	// it stops tailing and performs its final rotation as soon as ctx
	// is cancelled. The uploader pool gets its own, separate lifetime
	// so it keeps draining the spool through the shutdown drain below
	// instead of being torn down by the same signal -- otherwise the
	// pool would exit before the controller's final segment/checkpoint/
	// manifest items are even enqueued, and DrainSpool would just poll
	// a queue nothing is consuming from, per spec.md section 4.7's
	// coordinated shutdown drain.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()

	var poolWG sync.WaitGroup
	if pool != nil {
		poolWG.Add(1)
		go func() {
			defer poolWG.Done()
			pool.Run(poolCtx)
		}()
	}

	logger.Info().Str("sid", resolvedSID).Str("file", cfg.File).Msg("ingest sidecar starting")
	if err := controller.Run(ctx); err != nil {
		poolCancel()
		poolWG.Wait()
		return fmt.Errorf("ingest controller failed: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainDeadline)
	if err := controller.DrainSpool(drainCtx, cfg.DrainDeadline); err != nil {
		logger.Warn().Err(err).Msg("spool drain did not complete cleanly")
	}
	drainCancel()

	// Only now, after the drain has emptied the spool or the deadline
	// has elapsed, does the uploader pool get told to stop.
	poolCancel()
	poolWG.Wait()

	report := mset.GenerateReport()
	fmt.Println(report.String())
	return nil
}
