package tailer

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestPollFromStartReadsExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\n{\"a\":2}\n")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if string(events[0].Line) != `{"a":1}` || string(events[1].Line) != `{"a":2}` {
		t.Fatalf("events = %+v", events)
	}
}

func TestPollLiveOnlySkipsExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\n")

	tl, err := New(path, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none (live-only mode skips existing content)", events)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening for append: %v", err)
	}
	if _, err := f.WriteString("{\"a\":2}\n"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	_ = f.Close()

	events, err = tl.Poll()
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(events) != 1 || string(events[0].Line) != `{"a":2}` {
		t.Fatalf("events after append = %+v", events)
	}
}

func TestPollCarriesPartialLineAcrossPolls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, `{"a":1`)

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none (line not yet terminated)", events)
	}
	if !tl.HasPartial() {
		t.Fatalf("HasPartial() = false, want true")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening for append: %v", err)
	}
	if _, err := f.WriteString("}\n"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	_ = f.Close()

	events, err = tl.Poll()
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(events) != 1 || string(events[0].Line) != `{"a":1}` {
		t.Fatalf("events after completing line = %+v", events)
	}
	if tl.HasPartial() {
		t.Fatalf("HasPartial() = true after full line consumed, want false")
	}
}

func TestPollDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := tl.Poll(); err != nil {
		t.Fatalf("initial Poll() error = %v", err)
	}

	writeFile(t, path, "{\"b\":1}\n")
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() after truncation error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events after truncation = %+v, want [Truncated, line]", events)
	}
	if !events[0].Truncated {
		t.Fatalf("first event = %+v, want Truncated=true", events[0])
	}
	if string(events[1].Line) != `{"b":1}` {
		t.Fatalf("second event = %+v, want line b:1", events[1])
	}
}

func TestPollDetectsIdentityChangeWithoutSizeShrink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\n")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := tl.Poll(); err != nil {
		t.Fatalf("initial Poll() error = %v", err)
	}

	// Rotate the file aside and create a new one at the same path that
	// is the same size or larger than before: a pure size-shrink check
	// would miss this rotation, but the file's identity (inode) has
	// changed. The old file is kept so its inode cannot be reused.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("rotating %s: %v", path, err)
	}
	writeFile(t, path, "{\"b\":1}\n{\"b\":2}\n")

	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() after identity change error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events after identity change = %+v, want [Truncated, line, line]", events)
	}
	if !events[0].Truncated {
		t.Fatalf("first event = %+v, want Truncated=true", events[0])
	}
	if string(events[1].Line) != `{"b":1}` || string(events[2].Line) != `{"b":2}` {
		t.Fatalf("events after identity change = %+v", events)
	}
}

func TestPollEmitsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\n\n{\"a\":2}\n")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %+v, want 3 (including the blank line)", events)
	}
	if string(events[0].Line) != `{"a":1}` {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Line == nil || len(events[1].Line) != 0 {
		t.Fatalf("events[1] = %+v, want a zero-length complete line", events[1])
	}
	if string(events[2].Line) != `{"a":2}` {
		t.Fatalf("events[2] = %+v", events[2])
	}
}

func TestPollMissingFileReturnsNoEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.ndjson")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() on missing file error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

func TestPollStripsCRLF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ndjson")
	writeFile(t, path, "{\"a\":1}\r\n")

	tl, err := New(path, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, err := tl.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 1 || string(events[0].Line) != `{"a":1}` {
		t.Fatalf("events = %+v, want stripped CR", events)
	}
}
