// Package spool implements the durable, crash-safe upload FIFO
// described in section 4.4 of the design specification. Each pending
// upload is a payload file plus a sibling ".meta.json" descriptor;
// both are written with temp+rename so a crash mid-write never leaves
// a claimable-but-corrupt item behind.
//
// Grounded on the whole-file JSONL retry queue in
// other_examples' nostr spool (payload + attempt metadata, backoff on
// drain), redesigned to the two-file per-item layout spec.md requires
// for crash-safe per-item atomicity.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind identifies the artifact type carried by an Item, per spec.md's
// SpoolItem.kind field.
type Kind string

const (
	KindSegment    Kind = "segment"
	KindManifest   Kind = "manifest"
	KindCheckpoint Kind = "checkpoint"
)

// Descriptor is the on-disk ".meta.json" sidecar for one spool item.
type Descriptor struct {
	Kind            Kind      `json:"kind"`
	DestinationPath string    `json:"destination_path"`
	ContentType     string    `json:"content_type"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	SessionID       string    `json:"session_id"`
	Attempts        int       `json:"attempts"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Item is a claimable unit of pending work.
type Item struct {
	Name        string // base file name, shared by payload and descriptor
	PayloadPath string
	MetaPath    string
	Descriptor  Descriptor
}

// Lease represents an in-flight claim on an Item. Exactly one worker
// holds a Lease for a given item at a time.
type Lease struct {
	Item Item
}

// Spool is the durable FIFO queue rooted at Dir.
type Spool struct {
	Dir string

	mu      sync.Mutex
	claimed map[string]bool
	counter uint64
}

// Open scans Dir (creating it if absent), discards orphaned temp files
// left behind by a crash mid-write, and returns a ready Spool. Existing
// items are left in place so they are claimable before any new work is
// generated, per spec.md's startup contract.
func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool dir: %w", err)
	}
	var maxSeq uint64
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		if n, err := strconv.ParseUint(strings.SplitN(e.Name(), "-", 2)[0], 10, 64); err == nil && n > maxSeq {
			maxSeq = n
		}
		// A payload with no matching descriptor is incomplete (crash
		// between payload rename and descriptor rename); drop it.
		if !strings.HasSuffix(e.Name(), ".meta.json") {
			metaPath := filepath.Join(dir, e.Name()+".meta.json")
			if _, statErr := os.Stat(metaPath); statErr != nil {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	// Continue the sequence past existing items so new names sort after them.
	return &Spool{Dir: dir, claimed: make(map[string]bool), counter: maxSeq}, nil
}

// Enqueue persists a new item: payload first (temp+rename), descriptor
// last (temp+rename) -- the atomicity rule from spec.md section 4.4.
// For manifest items, any prior pending manifest item for the same
// session is removed first (coalescing), since a later manifest
// snapshot always subsumes an earlier one.
func (s *Spool) Enqueue(kind Kind, sessionID, destPath, contentType, contentEncoding string, payload []byte) (Item, error) {
	s.mu.Lock()
	s.counter++
	seq := s.counter
	s.mu.Unlock()

	if kind == KindManifest {
		if err := s.coalesceManifests(sessionID); err != nil {
			return Item{}, err
		}
	}

	name := fmt.Sprintf("%020d-%s-%s", seq, kind, uuid.NewString())
	payloadPath := filepath.Join(s.Dir, name)
	metaPath := payloadPath + ".meta.json"

	if err := writeFileAtomic(payloadPath, payload); err != nil {
		return Item{}, fmt.Errorf("writing payload: %w", err)
	}

	desc := Descriptor{
		Kind:            kind,
		DestinationPath: destPath,
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		SessionID:       sessionID,
		CreatedAt:       time.Now().UTC(),
		NextAttemptAt:   time.Now().UTC(),
	}
	descBytes, err := json.Marshal(desc)
	if err != nil {
		return Item{}, fmt.Errorf("marshaling descriptor: %w", err)
	}
	if err := writeFileAtomic(metaPath, descBytes); err != nil {
		return Item{}, fmt.Errorf("writing descriptor: %w", err)
	}

	return Item{Name: name, PayloadPath: payloadPath, MetaPath: metaPath, Descriptor: desc}, nil
}

// coalesceManifests removes any pending manifest item for sessionID so
// only the newest in-memory snapshot stays queued.
func (s *Spool) coalesceManifests(sessionID string) error {
	items, err := s.listLocked()
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Descriptor.Kind != KindManifest || it.Descriptor.SessionID != sessionID {
			continue
		}
		s.mu.Lock()
		inFlight := s.claimed[it.Name]
		s.mu.Unlock()
		if inFlight {
			continue
		}
		_ = os.Remove(it.PayloadPath)
		_ = os.Remove(it.MetaPath)
	}
	return nil
}

// Claim returns the oldest item whose NextAttemptAt has passed and
// marks it in-flight. Returns ok=false when nothing is claimable.
func (s *Spool) Claim(now time.Time) (Lease, bool, error) {
	items, err := s.listLocked()
	if err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if s.claimed[it.Name] {
			continue
		}
		if it.Descriptor.NextAttemptAt.After(now) {
			continue
		}
		s.claimed[it.Name] = true
		return Lease{Item: it}, true, nil
	}
	return Lease{}, false, nil
}

// Complete deletes the payload and descriptor for a successfully
// uploaded item and releases its claim.
func (s *Spool) Complete(lease Lease) error {
	defer s.release(lease.Item.Name)
	if err := os.Remove(lease.Item.PayloadPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing payload: %w", err)
	}
	if err := os.Remove(lease.Item.MetaPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing descriptor: %w", err)
	}
	return nil
}

// Fail increments the attempt count, records the error, and schedules
// the next attempt after backoff. The claim is released so the item
// becomes claimable again once NextAttemptAt passes.
func (s *Spool) Fail(lease Lease, cause error, backoff time.Duration) error {
	defer s.release(lease.Item.Name)

	desc := lease.Item.Descriptor
	desc.Attempts++
	desc.NextAttemptAt = time.Now().UTC().Add(backoff)
	if cause != nil {
		desc.LastError = cause.Error()
	}

	descBytes, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}
	return writeFileAtomic(lease.Item.MetaPath, descBytes)
}

// ReleasePaced records cause without incrementing Attempts and
// schedules the next attempt after pace. Used for 401/403 credential
// errors, where spec.md section 4.5 requires attempts to stay
// untouched while the pool backs off globally.
func (s *Spool) ReleasePaced(lease Lease, cause error, pace time.Duration) error {
	defer s.release(lease.Item.Name)

	desc := lease.Item.Descriptor
	desc.NextAttemptAt = time.Now().UTC().Add(pace)
	if cause != nil {
		desc.LastError = cause.Error()
	}

	descBytes, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}
	return writeFileAtomic(lease.Item.MetaPath, descBytes)
}

// Poison moves a permanently-failed item to dir/poison/ for operator
// inspection, per spec.md section 4.5.
func (s *Spool) Poison(lease Lease, cause error) error {
	defer s.release(lease.Item.Name)

	poisonDir := filepath.Join(s.Dir, "poison")
	if err := os.MkdirAll(poisonDir, 0o755); err != nil {
		return fmt.Errorf("creating poison dir: %w", err)
	}

	desc := lease.Item.Descriptor
	if cause != nil {
		desc.LastError = cause.Error()
	}
	descBytes, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}

	newPayload := filepath.Join(poisonDir, lease.Item.Name)
	newMeta := newPayload + ".meta.json"
	if err := os.Rename(lease.Item.PayloadPath, newPayload); err != nil {
		return fmt.Errorf("moving payload to poison: %w", err)
	}
	if err := writeFileAtomic(newMeta, descBytes); err != nil {
		return fmt.Errorf("writing poison descriptor: %w", err)
	}
	_ = os.Remove(lease.Item.MetaPath)
	return nil
}

// Len returns the number of unclaimed-or-claimed items still pending
// in the queue (excluding poison/). Used by the ingest controller to
// decide whether the drain deadline has been satisfied.
func (s *Spool) Len() (int, error) {
	items, err := s.listLocked()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// release clears a claim, making the item visible to Claim again.
func (s *Spool) release(name string) {
	s.mu.Lock()
	delete(s.claimed, name)
	s.mu.Unlock()
}

// listLocked lists all complete items (payload + descriptor) in
// enqueue order. It takes no lock on s.mu itself (callers that need
// claimed-map consistency must lock around it).
func (s *Spool) listLocked() ([]Item, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool dir: %w", err)
	}

	var items []Item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".meta.json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		metaPath := filepath.Join(s.Dir, name+".meta.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue // descriptor missing or unreadable: not yet claimable
		}
		var desc Descriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			continue // corrupt descriptor: skip until next scan
		}
		items = append(items, Item{
			Name:        name,
			PayloadPath: filepath.Join(s.Dir, name),
			MetaPath:    metaPath,
			Descriptor:  desc,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// ReadPayload returns the bytes staged for upload for this item.
func ReadPayload(item Item) ([]byte, error) {
	return os.ReadFile(item.PayloadPath)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so a concurrent reader (or a crash)
// never observes a partially-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
