// Package syncstate implements the per-repo ledger sync state file from
// spec.md §4.7: last pull/push timestamps, the ledger head pointer, the
// offline-claim queue, and a cached validity flag, persisted as one JSON
// document under a global per-repo directory.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the sync state file under ~/.eluent/<repo>/ (spec.md §6).
const FileName = "sync_state.json"

// OfflineClaim is one queued claim recorded while the syncer was
// unavailable (spec.md §3).
type OfflineClaim struct {
	AtomID    string    `json:"atom_id"`
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// document is the on-disk shape of the sync state file.
type document struct {
	LastPullAt    *time.Time     `json:"last_pull_at,omitempty"`
	LastPushAt    *time.Time     `json:"last_push_at,omitempty"`
	LedgerHead    string         `json:"ledger_head,omitempty"`
	OfflineClaims []OfflineClaim `json:"offline_claims"`
	Valid         bool           `json:"valid"`
}

func defaultDocument() document {
	return document{OfflineClaims: []OfflineClaim{}}
}

// State is the loaded, mutable sync state for one repo. Concurrent access
// within a process is serialized by mu; cross-process safety is left to the
// one-daemon-per-user deployment model (spec.md §4.7).
type State struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads path if it exists, or initializes default (non-persisted)
// state otherwise.
func Open(path string) (*State, error) {
	s := &State{path: path, doc: defaultDocument()}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Exists reports whether the state file is present on disk.
func (s *State) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load re-reads the state file from disk, leaving defaults in place if it
// does not exist.
func (s *State) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = defaultDocument()
		return nil
	}
	if err != nil {
		return fmt.Errorf("syncstate: read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("syncstate: parse %s: %w", s.path, err)
	}
	if doc.OfflineClaims == nil {
		doc.OfflineClaims = []OfflineClaim{}
	}
	s.doc = doc
	return nil
}

// Save durably rewrites the whole state file (fsync + atomic rename),
// matching the "registry, sync state" whole-file write discipline named in
// spec.md §4.4.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("syncstate: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("syncstate: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "sync_state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("syncstate: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("syncstate: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncstate: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Reset truncates state to defaults and persists it (spec.md §4.7
// `reset!()`).
func (s *State) Reset() error {
	s.mu.Lock()
	s.doc = defaultDocument()
	s.mu.Unlock()
	return s.Save()
}

// ClearPointers clears the pull/push/head pointers and validity flag while
// preserving the offline-claim queue, used by teardown (spec.md §4.8:
// "remove worktree, clear state pointers; branch itself is preserved").
func (s *State) ClearPointers() error {
	s.mu.Lock()
	s.doc.LastPullAt = nil
	s.doc.LastPushAt = nil
	s.doc.LedgerHead = ""
	s.doc.Valid = false
	s.mu.Unlock()
	return s.Save()
}

// IsValid reports the cached validity flag (spec.md §3: "worktree path
// exists and is a checkout of the configured branch" — computed by the
// syncer, cached here).
func (s *State) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Valid
}

// SetValid updates and persists the validity flag.
func (s *State) SetValid(valid bool) error {
	s.mu.Lock()
	s.doc.Valid = valid
	s.mu.Unlock()
	return s.Save()
}

// LedgerHead returns the last-recorded ledger commit pointer.
func (s *State) LedgerHead() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LedgerHead
}

// LastPullAt returns the last recorded pull time, if any.
func (s *State) LastPullAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.LastPullAt == nil {
		return time.Time{}, false
	}
	return *s.doc.LastPullAt, true
}

// LastPushAt returns the last recorded push time, if any.
func (s *State) LastPushAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.LastPushAt == nil {
		return time.Time{}, false
	}
	return *s.doc.LastPushAt, true
}

// MarkPull records a successful pull's head and time, persisting the
// change.
func (s *State) MarkPull(head string, at time.Time) error {
	s.mu.Lock()
	s.doc.LedgerHead = head
	t := at
	s.doc.LastPullAt = &t
	s.mu.Unlock()
	return s.Save()
}

// MarkPush records a successful push's head and time, persisting the
// change.
func (s *State) MarkPush(head string, at time.Time) error {
	s.mu.Lock()
	s.doc.LedgerHead = head
	t := at
	s.doc.LastPushAt = &t
	s.mu.Unlock()
	return s.Save()
}

// RecordOfflineClaim enqueues a claim made while the syncer was unavailable
// (spec.md §4.7).
func (s *State) RecordOfflineClaim(atomID, agentID string, claimedAt time.Time) error {
	s.mu.Lock()
	s.doc.OfflineClaims = append(s.doc.OfflineClaims, OfflineClaim{
		AtomID: atomID, AgentID: agentID, ClaimedAt: claimedAt,
	})
	s.mu.Unlock()
	return s.Save()
}

// HasOfflineClaims reports whether any claim is queued.
func (s *State) HasOfflineClaims() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.OfflineClaims) > 0
}

// OfflineClaims returns a copy of the queued claims.
func (s *State) OfflineClaims() []OfflineClaim {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OfflineClaim, len(s.doc.OfflineClaims))
	copy(out, s.doc.OfflineClaims)
	return out
}

// RemoveOfflineClaim removes the first queued claim matching atomID and
// agentID (reconciliation's "removed once reconciled" step, spec.md §3).
func (s *State) RemoveOfflineClaim(atomID, agentID string) error {
	s.mu.Lock()
	filtered := s.doc.OfflineClaims[:0:0]
	removed := false
	for _, c := range s.doc.OfflineClaims {
		if !removed && c.AtomID == atomID && c.AgentID == agentID {
			removed = true
			continue
		}
		filtered = append(filtered, c)
	}
	s.doc.OfflineClaims = filtered
	s.mu.Unlock()
	if !removed {
		return nil
	}
	return s.Save()
}
