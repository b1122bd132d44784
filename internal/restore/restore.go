// Package restore implements the compaction-undo walk from spec.md §4.11:
// read the pre-compaction atom and comment records out of version-control
// history and reapply them, a supplemented feature with no direct teacher
// analog (BeadsLog compaction is presently one-way).
package restore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/eluent/internal/gitutil"
	"github.com/untoldecay/eluent/internal/jsonlrepo"
	"github.com/untoldecay/eluent/internal/types"
)

// MaxHistoryCommits is the default bound on how far back the restorer
// searches (spec.md §9 Design Note); Restorer.WithMaxCommits changes it.
const MaxHistoryCommits = 20

// RestoreError distinguishes the two failure modes named in spec.md §4.11.
type RestoreError struct {
	Reason string
	AtomID string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore: %s: %s", e.AtomID, e.Reason)
}

const (
	reasonNeverCompacted = "Atom has not been compacted"
	reasonNoHistory      = "Could not find pre-compaction version in git history"
)

// store is the subset of jsonlrepo.Repo the restorer mutates.
type store interface {
	FindAtom(id string) (*types.Atom, bool)
	UpdateAtom(atom *types.Atom) error
	CompactComments(atomID string, summary *types.Comment) error
	CreateComment(parentID, author, content string) (*types.Comment, error)
}

var _ store = (*jsonlrepo.Repo)(nil)

// Restorer walks git history via a gitutil.Runner rooted at the repo
// working tree to recover a compacted atom's pre-compaction state.
type Restorer struct {
	store       store
	git         *gitutil.Runner
	dataFileRel string // path to the data file relative to git's working tree
	maxCommits  int
}

// New returns a Restorer. dataFileRel is the data file's path relative to
// the git working tree root (e.g. ".eluent/data.jsonl").
func New(s store, git *gitutil.Runner, dataFileRel string) *Restorer {
	return &Restorer{store: s, git: git, dataFileRel: dataFileRel, maxCommits: MaxHistoryCommits}
}

// WithMaxCommits sets how many commits before compacted_at the restorer
// searches; n <= 0 leaves the current bound unchanged.
func (r *Restorer) WithMaxCommits(n int) *Restorer {
	if n > 0 {
		r.maxCommits = n
	}
	return r
}

// CanRestore reports whether atomID can presently be restored, per spec.md
// §4.11 ("`can_restore?` returns false on any exception").
func (r *Restorer) CanRestore(ctx context.Context, atomID string) bool {
	_, _, err := r.findRestorable(ctx, atomID)
	return err == nil
}

// Restore applies restoration: assigns the pre-compaction description,
// deletes compaction metadata keys, stamps restored_at/restored_from_commit
// (restored_at written last, so its absence flags a partial run), and
// re-creates comments from the recovered history (spec.md §4.11 steps 4-5).
func (r *Restorer) Restore(ctx context.Context, atomID string) error {
	historical, commit, err := r.findRestorable(ctx, atomID)
	if err != nil {
		return err
	}

	current, ok := r.store.FindAtom(atomID)
	if !ok {
		return &RestoreError{Reason: reasonNeverCompacted, AtomID: atomID}
	}

	restored := current.Clone()
	restored.Description = historical.atom.Description
	if restored.Metadata == nil {
		restored.Metadata = make(map[string]any)
	}
	delete(restored.Metadata, "compaction_tier")
	delete(restored.Metadata, "compacted_at")
	delete(restored.Metadata, "original_size")
	restored.Metadata["restored_from_commit"] = commit
	if err := r.store.UpdateAtom(restored); err != nil {
		return fmt.Errorf("restore: update atom %s: %w", atomID, err)
	}

	if err := r.store.CompactComments(atomID, nil); err != nil {
		return fmt.Errorf("restore: clear comments for %s: %w", atomID, err)
	}
	for _, c := range historical.comments {
		if _, err := r.store.CreateComment(atomID, c.Author, c.Content); err != nil {
			return fmt.Errorf("restore: recreate comment for %s: %w", atomID, err)
		}
	}

	finalized, ok := r.store.FindAtom(atomID)
	if !ok {
		return fmt.Errorf("restore: atom %s vanished mid-restore", atomID)
	}
	finalized = finalized.Clone()
	if finalized.Metadata == nil {
		finalized.Metadata = make(map[string]any)
	}
	finalized.Metadata["restored_at"] = time.Now().UTC().Format(time.RFC3339)
	return r.store.UpdateAtom(finalized)
}

type historicalRecord struct {
	atom     *types.Atom
	comments []*types.Comment
}

// findRestorable implements spec.md §4.11 steps 1-4: require a positive
// compaction tier, read compacted_at, walk up to maxCommits commits before
// it (most recent first), and return the first commit whose atom record is
// itself not compacted.
func (r *Restorer) findRestorable(ctx context.Context, atomID string) (historicalRecord, string, error) {
	atom, ok := r.store.FindAtom(atomID)
	if !ok || atom.CompactionTier() == 0 {
		return historicalRecord{}, "", &RestoreError{Reason: reasonNeverCompacted, AtomID: atomID}
	}

	commits, err := r.commitsBefore(ctx, atom)
	if err != nil || len(commits) == 0 {
		return historicalRecord{}, "", &RestoreError{Reason: reasonNoHistory, AtomID: atomID}
	}

	for _, commit := range commits {
		rec, err := r.readAtCommit(ctx, commit, atomID)
		if err != nil || rec.atom == nil {
			continue
		}
		if rec.atom.CompactionTier() > 0 {
			continue // still compacted at this point in history, keep walking
		}
		return rec, commit, nil
	}
	return historicalRecord{}, "", &RestoreError{Reason: reasonNoHistory, AtomID: atomID}
}

func (r *Restorer) compactedAt(atom *types.Atom) (time.Time, bool) {
	if atom.Metadata == nil {
		return time.Time{}, false
	}
	s, ok := atom.Metadata["compacted_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// commitsBefore lists up to maxCommits commit hashes touching the data file
// strictly before the atom's compacted_at, most recent first.
func (r *Restorer) commitsBefore(ctx context.Context, atom *types.Atom) ([]string, error) {
	args := []string{"log", fmt.Sprintf("--max-count=%d", r.maxCommits), "--format=%H"}
	if at, ok := r.compactedAt(atom); ok {
		args = append(args, fmt.Sprintf("--before=%s", at.Format(time.RFC3339)))
	}
	args = append(args, "--", r.dataFileRel)

	res := r.git.Run(ctx, args...)
	if !res.Success {
		return nil, fmt.Errorf("restore: git log: %s", res.Error)
	}
	if strings.TrimSpace(res.Output) == "" {
		return nil, nil
	}
	return strings.Split(res.Output, "\n"), nil
}

// readAtCommit streams `git show <commit>:<data file>` and extracts the
// atom record for atomID plus every comment whose parent_id matches.
func (r *Restorer) readAtCommit(ctx context.Context, commit, atomID string) (historicalRecord, error) {
	res := r.git.Run(ctx, "show", fmt.Sprintf("%s:%s", commit, r.dataFileRel))
	if !res.Success {
		return historicalRecord{}, fmt.Errorf("restore: git show %s: %s", commit, res.Error)
	}

	var rec historicalRecord
	sc := bufio.NewScanner(strings.NewReader(res.Output))
	sc.Buffer(make([]byte, 64*1024), types.MaxDescriptionLen*2)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		decoded, err := types.DecodeRecord(line)
		if err != nil {
			continue // tolerate malformed historical lines, same as C4's live loader
		}
		switch decoded.Type {
		case types.RecordAtom:
			if decoded.Atom.ID == atomID {
				rec.atom = decoded.Atom
			}
		case types.RecordComment:
			if decoded.Comment.ParentID == atomID {
				rec.comments = append(rec.comments, decoded.Comment)
			}
		}
	}
	if rec.atom == nil {
		return historicalRecord{}, fmt.Errorf("restore: no atom record for %s at %s", atomID, commit)
	}
	return rec, nil
}
