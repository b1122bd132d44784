package repocache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/untoldecay/eluent/internal/jsonlrepo"
	"github.com/untoldecay/eluent/internal/types"
	"github.com/untoldecay/eluent/internal/ulid"
)

// ErrNotFound is returned when a path has no `.eluent/` directory, or a
// registry/cache lookup comes up empty (spec.md §4.5).
var ErrNotFound = errors.New("repocache: not found")

// EluentDirName is the per-repo state directory (spec.md §6).
const EluentDirName = ".eluent"

// Cache is a thread-safe, path-keyed cache of loaded repositories
// (spec.md §4.5). A singleflight.Group collapses concurrent first-loads of
// the same path into one jsonlrepo.Open call.
type Cache struct {
	mu       sync.Mutex
	repos    map[string]*jsonlrepo.Repo
	group    singleflight.Group
	registry *Registry
}

// New returns a Cache backed by registry for name-based lookup.
func New(registry *Registry) *Cache {
	return &Cache{
		repos:    make(map[string]*jsonlrepo.Repo),
		registry: registry,
	}
}

// Get loads (lazily, once) the repository rooted at absPath, which must
// contain a `.eluent/` directory.
func (c *Cache) Get(absPath string) (*jsonlrepo.Repo, error) {
	c.mu.Lock()
	if r, ok := c.repos[absPath]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	eluentDir := filepath.Join(absPath, EluentDirName)
	if info, err := os.Stat(eluentDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s has no %s directory", ErrNotFound, absPath, EluentDirName)
	}

	v, err, _ := c.group.Do(absPath, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.repos[absPath]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		r, err := jsonlrepo.Open(eluentDir, filepath.Base(absPath))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.repos[absPath] = r
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jsonlrepo.Repo), nil
}

// GetByName indirects through the registry to find the path for name, then
// loads it via Get.
func (c *Cache) GetByName(name string) (*jsonlrepo.Repo, error) {
	entry, ok, err := c.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no registry entry named %q", ErrNotFound, name)
	}
	return c.Get(entry.Path)
}

// Register adds or replaces a registry entry for name/path/remote. It does
// not load the repo; the first Get or GetByName for it does.
func (c *Cache) Register(name, path, remote string) error {
	return c.registry.Register(types.RegistryEntry{Name: name, Path: path, Remote: remote})
}

// FindAtomByFullID extracts the repo name from id, resolves it through the
// registry and cache, then looks up the atom (spec.md §4.5).
func (c *Cache) FindAtomByFullID(id string) (*types.Atom, error) {
	repoName := ulid.ExtractRepoName(id)
	if repoName == "" {
		return nil, fmt.Errorf("%w: %q is not a well-formed atom id", ErrNotFound, id)
	}
	r, err := c.GetByName(repoName)
	if err != nil {
		return nil, err
	}
	a, ok := r.FindAtom(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}
