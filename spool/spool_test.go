package spool

import (
	"os"
	"testing"
	"time"
)

func TestEnqueueClaimComplete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	item, err := s.Enqueue(KindSegment, "sess-1", "sessions/sess-1/segments/session-000001.jsonl.gz", "application/octet-stream", "gzip", []byte("payload"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	lease, ok, err := s.Claim(time.Now())
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v, %v", lease, ok, err)
	}
	if lease.Item.Name != item.Name {
		t.Fatalf("claimed item %q, want %q", lease.Item.Name, item.Name)
	}

	// Second claim must not see the same item while it's in flight.
	if _, ok, _ := s.Claim(time.Now()); ok {
		t.Fatalf("Claim() returned an already-claimed item")
	}

	payload, err := ReadPayload(lease.Item)
	if err != nil || string(payload) != "payload" {
		t.Fatalf("ReadPayload() = %q, %v", payload, err)
	}

	if err := s.Complete(lease); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Fatalf("Len() after Complete() = %d, want 0", n)
	}
}

func TestFailSchedulesBackoffAndReleasesClaim(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	_, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte("{}"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	lease, ok, _ := s.Claim(time.Now())
	if !ok {
		t.Fatalf("Claim() found nothing")
	}
	if err := s.Fail(lease, errTest{}, time.Hour); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	if _, ok, _ := s.Claim(time.Now()); ok {
		t.Fatalf("Claim() returned an item still backing off")
	}
	if _, ok, _ := s.Claim(time.Now().Add(2 * time.Hour)); !ok {
		t.Fatalf("Claim() should succeed once backoff has elapsed")
	}
}

func TestManifestCoalescing(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	if _, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := s.Enqueue(KindManifest, "sess-1", "sessions/sess-1/manifest.json", "application/json", "", []byte(`{"v":2}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	n, _ := s.Len()
	if n != 1 {
		t.Fatalf("Len() = %d, want 1 (earlier pending manifest should be coalesced)", n)
	}

	lease, ok, _ := s.Claim(time.Now())
	if !ok || lease.Item.Name != second.Name {
		t.Fatalf("surviving item = %+v, want the later enqueue", lease.Item)
	}
}

func TestPoisonMovesItemOutOfQueue(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	_, err := s.Enqueue(KindSegment, "sess-1", "sessions/sess-1/segments/session-000001.jsonl", "application/octet-stream", "", []byte("x"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	lease, ok, _ := s.Claim(time.Now())
	if !ok {
		t.Fatalf("Claim() found nothing")
	}
	if err := s.Poison(lease, errTest{}); err != nil {
		t.Fatalf("Poison() error = %v", err)
	}

	if n, _ := s.Len(); n != 0 {
		t.Fatalf("Len() after Poison() = %d, want 0", n)
	}
	entries, err := os.ReadDir(dir + "/poison")
	if err != nil {
		t.Fatalf("reading poison dir: %v", err)
	}
	if len(entries) != 2 { // payload + descriptor
		t.Fatalf("poison dir has %d entries, want 2", len(entries))
	}
}

func TestOpenDiscardsOrphanedTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/.orphan.tmp", []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding orphan: %v", err)
	}
	if err := os.WriteFile(dir+"/orphan-payload", []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding orphan payload: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Fatalf("Len() = %d, want 0 after orphan cleanup", n)
	}
	if _, err := os.Stat(dir + "/.orphan.tmp"); !os.IsNotExist(err) {
		t.Fatalf("orphaned temp file was not removed")
	}
	if _, err := os.Stat(dir + "/orphan-payload"); !os.IsNotExist(err) {
		t.Fatalf("orphaned payload without descriptor was not removed")
	}
}

type errTest struct{}

func (errTest) Error() string { return "simulated failure" }
