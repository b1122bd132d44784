// Package repocache implements the repository cache and name registry from
// spec.md §4.5: a thread-safe, path-keyed cache of loaded jsonlrepo.Repo
// instances, and a JSONL registry mapping repo name to absolute path.
package repocache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/eluent/internal/types"
)

// RegistryFileName is the global registry under the user's eluent home
// (spec.md §6: "~/.eluent/repos.jsonl").
const RegistryFileName = "repos.jsonl"

// Registry is the process-wide, last-write-wins name→path mapping
// (spec.md §9). Cross-process races are resolved with an advisory file
// lock; readers skip malformed lines rather than failing.
type Registry struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewRegistry opens the registry at homeDir/repos.jsonl, creating homeDir if
// needed.
func NewRegistry(homeDir string) (*Registry, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("repocache: mkdir %s: %w", homeDir, err)
	}
	return &Registry{
		path:     filepath.Join(homeDir, RegistryFileName),
		lockPath: filepath.Join(homeDir, RegistryFileName+".lock"),
	}, nil
}

func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock := flock.New(r.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("repocache: acquire registry lock: %w", err)
	}
	defer lock.Unlock()

	return fn()
}

// readEntriesLocked reads all entries, skipping malformed lines
// (spec.md §4.5: "Malformed lines are skipped, not fatal").
func (r *Registry) readEntriesLocked() ([]types.RegistryEntry, error) {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repocache: open registry: %w", err)
	}
	defer f.Close()

	var entries []types.RegistryEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e types.RegistryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

func (r *Registry) writeEntriesLocked(entries []types.RegistryEntry) error {
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "repos-*.jsonl.tmp")
	if err != nil {
		return fmt.Errorf("repocache: create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("repocache: marshal registry entry: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("repocache: flush temp registry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("repocache: fsync temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, r.path)
}

// Register removes any prior entry with a matching name or path, then
// appends entry (spec.md §4.5).
func (r *Registry) Register(entry types.RegistryEntry) error {
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Name == entry.Name || e.Path == entry.Path {
				continue
			}
			filtered = append(filtered, e)
		}
		filtered = append(filtered, entry)
		return r.writeEntriesLocked(filtered)
	})
}

// Lookup returns the registry entry for name, if present.
func (r *Registry) Lookup(name string) (types.RegistryEntry, bool, error) {
	var found types.RegistryEntry
	var ok bool
	err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name == name {
				found, ok = e, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// List returns every registered entry.
func (r *Registry) List() ([]types.RegistryEntry, error) {
	var out []types.RegistryEntry
	err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		out = entries
		return err
	})
	return out, err
}
