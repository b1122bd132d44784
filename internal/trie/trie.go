// Package trie implements the per-repo randomness trie and indexer that
// back fast prefix lookup across many atoms (spec.md §4.2).
package trie

import (
	"sync"

	"github.com/untoldecay/eluent/internal/types"
	"github.com/untoldecay/eluent/internal/ulid"
)

// node is one level of the randomness trie. ids holds every atom id whose
// normalized randomness passes through this node, so a prefix query at any
// depth is a single map copy rather than a subtree walk.
type node struct {
	children map[byte]*node
	ids      map[string]struct{}
}

func newNode() *node {
	return &node{children: make(map[byte]*node), ids: make(map[string]struct{})}
}

func (n *node) insert(key string, id string) {
	cur := n
	cur.ids[id] = struct{}{}
	for i := 0; i < len(key); i++ {
		c := key[i]
		child, ok := cur.children[c]
		if !ok {
			child = newNode()
			cur.children[c] = child
		}
		child.ids[id] = struct{}{}
		cur = child
	}
}

func (n *node) remove(key string, id string) {
	cur := n
	delete(cur.ids, id)
	for i := 0; i < len(key); i++ {
		child, ok := cur.children[key[i]]
		if !ok {
			return
		}
		delete(child.ids, id)
		cur = child
	}
}

// walk returns the node reached by following prefix, or nil if no atom's
// randomness shares that prefix.
func (n *node) walk(prefix string) *node {
	cur := n
	for i := 0; i < len(prefix); i++ {
		child, ok := cur.children[prefix[i]]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// Indexer owns by-id lookup and one randomness trie per repo (spec.md §4.2).
type Indexer struct {
	mu    sync.RWMutex
	byID  map[string]*types.Atom
	repos map[string]*node // repo name -> trie root
}

// New returns an empty Indexer.
func New() *Indexer {
	return &Indexer{
		byID:  make(map[string]*types.Atom),
		repos: make(map[string]*node),
	}
}

func (idx *Indexer) trieFor(repo string) *node {
	root, ok := idx.repos[repo]
	if !ok {
		root = newNode()
		idx.repos[repo] = root
	}
	return root
}

// Insert adds or replaces an atom in the indexer.
func (idx *Indexer) Insert(atom *types.Atom) {
	if atom == nil || atom.ID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(atom)
}

func (idx *Indexer) insertLocked(atom *types.Atom) {
	if existing, ok := idx.byID[atom.ID]; ok {
		idx.removeFromTrieLocked(existing)
	}
	idx.byID[atom.ID] = atom

	repo := ulid.ExtractRepoName(atom.ID)
	randomness := ulid.ExtractRandomness(atom.ID)
	if repo == "" || randomness == "" {
		return // child/comment-style id or malformed: not trie-indexed
	}
	key := NormalizeConfusables(randomness)
	idx.trieFor(repo).insert(key, atom.ID)
}

func (idx *Indexer) removeFromTrieLocked(atom *types.Atom) {
	repo := ulid.ExtractRepoName(atom.ID)
	randomness := ulid.ExtractRandomness(atom.ID)
	if repo == "" || randomness == "" {
		return
	}
	root, ok := idx.repos[repo]
	if !ok {
		return
	}
	root.remove(NormalizeConfusables(randomness), atom.ID)
}

// Remove deletes an atom from the indexer by id, if present.
func (idx *Indexer) Remove(atomID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	atom, ok := idx.byID[atomID]
	if !ok {
		return
	}
	idx.removeFromTrieLocked(atom)
	delete(idx.byID, atomID)
}

// RebuildFrom discards all indexed state and reindexes atoms from scratch,
// used after a full reload of the JSONL repository (spec.md §4.2).
func (idx *Indexer) RebuildFrom(atoms []*types.Atom) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID = make(map[string]*types.Atom, len(atoms))
	idx.repos = make(map[string]*node)
	for _, a := range atoms {
		idx.insertLocked(a)
	}
}

// FindByID returns the atom with the given full id, if indexed.
func (idx *Indexer) FindByID(id string) (*types.Atom, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	a, ok := idx.byID[id]
	return a, ok
}

// FindByRandomnessPrefix returns every indexed atom whose normalized
// randomness shares prefix. If repo is non-empty, only that repo's trie is
// searched; otherwise results are unioned across all repos (spec.md §4.2).
func (idx *Indexer) FindByRandomnessPrefix(prefix string, repo string) []*types.Atom {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	normalized := NormalizeConfusables(prefix)
	seen := make(map[string]struct{})
	var out []*types.Atom

	collect := func(root *node) {
		n := root.walk(normalized)
		if n == nil {
			return
		}
		for id := range n.ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if a, ok := idx.byID[id]; ok {
				out = append(out, a)
			}
		}
	}

	if repo != "" {
		if root, ok := idx.repos[repo]; ok {
			collect(root)
		}
		return out
	}
	for _, root := range idx.repos {
		collect(root)
	}
	return out
}

// MinimumUniquePrefix returns the smallest prefix (of the normalized
// randomness) within repo such that exactly one atom matches it. Recomputed
// fresh on every call (spec.md §9 Design Note: "recompute on each query is
// safest" — Indexer caches no stale minimum-prefix state).
//
// Returns ok=false if even the full 16-character randomness is shared by
// more than one atom (a true collision).
func (idx *Indexer) MinimumUniquePrefix(repo, randomness string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	root, ok := idx.repos[repo]
	if !ok {
		return "", false
	}
	key := NormalizeConfusables(randomness)

	cur := root
	for i := 1; i <= len(key); i++ {
		child, ok := cur.children[key[i-1]]
		if !ok {
			return "", false
		}
		cur = child
		if len(child.ids) == 1 {
			return key[:i], true
		}
	}
	return "", false
}

// Stats reports trie size for daemon health probes (SPEC_FULL.md §4).
type Stats struct {
	AtomCount int
	RepoCount int
}

func (idx *Indexer) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{AtomCount: len(idx.byID), RepoCount: len(idx.repos)}
}
