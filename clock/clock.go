// Package clock implements the wall clock, timestamp formatting, and
// session-id derivation described in section 2 of the design
// specification.
package clock

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so tests can inject deterministic
// time without a global monkeypatch.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current wall-clock time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always returns the same instant. Useful for
// deterministic tests of rotation thresholds and checkpoint ids.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.T }

// FormatRFC3339 formats t as RFC3339 in UTC, the wire format used for
// manifest created_at/updated_at and checkpoint ts fields.
func FormatRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// checkpointIDLayout matches spec.md's "YYYY-MM-DDTHH-MM-SSZ" id form:
// wall-clock UTC truncated to seconds, colons replaced with hyphens so
// the id is filesystem- and URL-path-safe.
const checkpointIDLayout = "2006-01-02T15-04-05Z"

// CheckpointID formats t (truncated to the second) into the
// disambiguation-ready checkpoint id form. Callers append a numeric
// suffix themselves (see IDSequencer) when two checkpoints land in the
// same second.
func CheckpointID(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(checkpointIDLayout)
}

// IDSequencer disambiguates checkpoint ids that collide within the
// same wall-clock second, per spec.md's open question in section 9:
// "ids would collide... append a numeric suffix on collision."
type IDSequencer struct {
	lastBase string
	suffix   int
}

// Next returns a checkpoint id for t, appending "-1", "-2", ... the
// second and subsequent times the same base id is requested.
func (s *IDSequencer) Next(t time.Time) string {
	base := CheckpointID(t)
	if base != s.lastBase {
		s.lastBase = base
		s.suffix = 0
		return base
	}
	s.suffix++
	return base + "-" + strconv.Itoa(s.suffix)
}

// uuidLikePattern matches a UUID-like token that may appear in a
// coding-agent session file name, e.g. "session-9f3c1ab2-....ndjson".
var uuidLikePattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// DeriveSessionID implements the "auto" SessionId derivation from
// spec.md section 3: extract a UUID-like token from the source file
// name, else fall back to a time-random token.
func DeriveSessionID(sourcePath string, now time.Time) string {
	base := filepath.Base(sourcePath)
	if m := uuidLikePattern.FindString(base); m != "" {
		return m
	}
	return now.UTC().Format("20060102-150405") + "-" + strings.ToLower(uuid.NewString()[:8])
}
