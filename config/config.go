// Package config implements the configuration surface described in
// section 6 of the design specification: the enumerated settings for
// the ingest sidecar plus validation, with optional .env loading for
// local development.
//
// Grounded on the teacher's Config/Validate shape (flat struct,
// explicit Validate method returning the first violated rule) and on
// joho/godotenv's Load convention for sourcing environment variables
// from a local .env file before flag/environment binding.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all settings for one ingest run, per spec.md section 6.
type Config struct {
	File          string        // source NDJSON path (required)
	SID           string        // session id; "auto" derives from filename or a time-random token
	Bucket        string        // destination bucket (default "sessions")
	BaseURL       string        // object-store base URL
	Key           string        // bearer key for object-store auth
	PresignedURL  string        // alternative to BaseURL/Key: a single presigned PUT target
	SegBytes      uint64        // rotate threshold: bytes_uncompressed (default 8 MiB)
	SegLines      uint64        // rotate threshold: lines (default 10,000)
	SegMS         time.Duration // rotate threshold: open-wall age (default 10m)
	PollMS        time.Duration // tailer poll interval (default 500ms)
	Gzip          bool          // compress closed segments (default on)
	SpoolDir      string        // durable queue root (default "spool", relative to the working directory; no per-user data directory is used)
	StateDir      string        // manifest cache root (default "<spool>/state")
	Concurrency   int           // max concurrent uploader workers (default 2)
	DryRun        bool          // skip all uploads; everything else proceeds
	DrainDeadline time.Duration // shutdown drain deadline (default 30s)
}

// Defaults returns a Config with spec.md section 6's stated defaults.
// Callers overlay required and user-supplied fields on top.
func Defaults() Config {
	return Config{
		SID:           "auto",
		Bucket:        "sessions",
		SegBytes:      8 * 1024 * 1024,
		SegLines:      10_000,
		SegMS:         10 * time.Minute,
		PollMS:        500 * time.Millisecond,
		Gzip:          true,
		SpoolDir:      "spool",
		StateDir:      "spool/state",
		Concurrency:   2,
		DrainDeadline: 30 * time.Second,
	}
}

// LoadDotenv loads environment variables from a .env file at path if
// present; a missing file is not an error, matching godotenv's
// conventional use as an optional local-development convenience ahead
// of flag/environment binding (owned by the out-of-scope CLI entry
// point, per spec.md section 1).
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading .env file %s: %w", path, err)
	}
	return nil
}

// Validate implements the requirements enumerated in spec.md section
// 6. It returns the first violated rule.
func (c *Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("file is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if !c.DryRun && c.PresignedURL == "" && (c.BaseURL == "" || c.Key == "") {
		return fmt.Errorf("base_url and key are required unless a presigned URL is supplied or dry_run is set")
	}
	if c.SegBytes == 0 {
		return fmt.Errorf("seg_bytes must be greater than zero")
	}
	if c.SegLines == 0 {
		return fmt.Errorf("seg_lines must be greater than zero")
	}
	if c.SegMS <= 0 {
		return fmt.Errorf("seg_ms must be greater than zero")
	}
	if c.PollMS <= 0 {
		return fmt.Errorf("poll_ms must be greater than zero")
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.DrainDeadline <= 0 {
		return fmt.Errorf("drain deadline must be greater than zero")
	}
	return nil
}
