package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	c := Defaults()
	c.File = "/tmp/session.ndjson"
	c.BaseURL = "https://store.example.com"
	c.Key = "secret-key"
	return &c
}

func TestDefaultsProduceValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults overlaid with required fields to pass validation, got: %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	cfg := validConfig()
	cfg.File = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMissingBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestMissingCredentialsWithoutPresignedOrDryRun(t *testing.T) {
	cfg := validConfig()
	cfg.BaseURL = ""
	cfg.Key = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when base_url/key and presigned_url are both absent and dry_run is false")
	}
}

func TestPresignedURLSatisfiesCredentialRequirement(t *testing.T) {
	cfg := validConfig()
	cfg.BaseURL = ""
	cfg.Key = ""
	cfg.PresignedURL = "https://store.example.com/presigned"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected presigned_url alone to satisfy validation, got: %v", err)
	}
}

func TestDryRunSatisfiesCredentialRequirement(t *testing.T) {
	cfg := validConfig()
	cfg.BaseURL = ""
	cfg.Key = ""
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected dry_run alone to satisfy validation, got: %v", err)
	}
}

func TestInvalidSegBytes(t *testing.T) {
	cfg := validConfig()
	cfg.SegBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero seg_bytes")
	}
}

func TestInvalidSegLines(t *testing.T) {
	cfg := validConfig()
	cfg.SegLines = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero seg_lines")
	}
}

func TestInvalidSegMS(t *testing.T) {
	testCases := []time.Duration{0, -time.Second}
	for _, d := range testCases {
		cfg := validConfig()
		cfg.SegMS = d
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for seg_ms = %v", d)
		}
	}
}

func TestInvalidPollMS(t *testing.T) {
	testCases := []time.Duration{0, -time.Second}
	for _, d := range testCases {
		cfg := validConfig()
		cfg.PollMS = d
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for poll_ms = %v", d)
		}
	}
}

func TestMissingSpoolDir(t *testing.T) {
	cfg := validConfig()
	cfg.SpoolDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing spool_dir")
	}
}

func TestMissingStateDir(t *testing.T) {
	cfg := validConfig()
	cfg.StateDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing state_dir")
	}
}

func TestInvalidConcurrency(t *testing.T) {
	testCases := []int{0, -1}
	for _, n := range testCases {
		cfg := validConfig()
		cfg.Concurrency = n
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for concurrency = %d", n)
		}
	}
}

func TestInvalidDrainDeadline(t *testing.T) {
	testCases := []time.Duration{0, -time.Second}
	for _, d := range testCases {
		cfg := validConfig()
		cfg.DrainDeadline = d
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for drain deadline = %v", d)
		}
	}
}

func TestLoadDotenvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadDotenv("/nonexistent/path/to/.env"); err != nil {
		t.Errorf("expected missing .env file to be silently ignored, got: %v", err)
	}
}
