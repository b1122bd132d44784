package compact

import (
	"context"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/eluent/internal/types"
	"github.com/untoldecay/eluent/internal/ulid"
)

var cutoffParser = newCutoffParser()

func newCutoffParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseCutoff parses a human-readable cutoff expression such as "30 days
// ago" into an absolute time, for `compact_all(tier, cutoff?)` callers.
func ParseCutoff(expr string) (time.Time, error) {
	result, err := cutoffParser.Parse(expr, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("compact: parse cutoff %q: %w", expr, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("compact: cutoff %q did not match any known expression", expr)
	}
	return result.Time, nil
}

// Tier thresholds, measured against an atom's updated_at (spec.md §4.10).
const (
	Tier1Threshold = 30 * 24 * time.Hour
	Tier2Threshold = 90 * 24 * time.Hour
)

// store is the subset of jsonlrepo.Repo the compactor needs. Modeled as an
// interface so tests can substitute a fake, mirroring the teacher's
// issueStore/summarizer split in internal/compact/compactor.go.
type store interface {
	FindAtom(id string) (*types.Atom, bool)
	AllAtoms() []*types.Atom
	UpdateAtom(atom *types.Atom) error
	CommentsFor(atomID string) []*types.Comment
	CompactComments(atomID string, summary *types.Comment) error
	CreateComment(parentID, author, content string) (*types.Comment, error)
}

// Config configures batch compaction concurrency and the optional draft
// enhancer, mirroring the teacher's Config{APIKey,Concurrency,DryRun}.
type Config struct {
	Concurrency int
	Enhancer    DraftEnhancer
}

const defaultConcurrency = 5

// Compactor applies the tiered aging pipeline (spec.md §4.10) to a single
// repo's store.
type Compactor struct {
	store  store
	config Config
}

// New returns a Compactor bound to store, defaulting Concurrency when unset.
func New(s store, config Config) *Compactor {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	return &Compactor{store: s, config: config}
}

func threshold(tier int) time.Duration {
	if tier <= 1 {
		return Tier1Threshold
	}
	return Tier2Threshold
}

// eligible reports whether atom qualifies for requested tier at instant now
// (spec.md §4.10: closed/discard, aged past the tier threshold, and not
// already compacted to at least that tier).
func eligible(atom *types.Atom, tier int, now time.Time) (bool, string) {
	if !atom.Status.Equal(types.StatusClosed) && !atom.Status.Equal(types.StatusDiscard) {
		return false, fmt.Sprintf("status %q is not closed or discard", atom.Status)
	}
	if !atom.UpdatedAt.Before(now.Add(-threshold(tier))) {
		return false, fmt.Sprintf("not yet past the tier %d threshold", tier)
	}
	if atom.CompactionTier() >= tier {
		return false, fmt.Sprintf("already compacted to tier %d", atom.CompactionTier())
	}
	return true, ""
}

// CompactionResult is one entry of a compact_all batch (spec.md §4.10).
type CompactionResult struct {
	AtomID        string
	OriginalSize  int
	CompactedSize int
	Err           error
}

func descriptionSize(atom *types.Atom) int {
	return len(atom.Description)
}

// Preview reports before/after sizes for a candidate compaction without
// mutating anything (spec.md §4.10 `preview(...)`).
func (c *Compactor) Preview(ctx context.Context, atomID string, tier int) (CompactionResult, error) {
	atom, ok := c.store.FindAtom(atomID)
	if !ok {
		return CompactionResult{}, fmt.Errorf("compact: atom %s not found", atomID)
	}
	result := CompactionResult{AtomID: atomID, OriginalSize: descriptionSize(atom)}
	summary, err := c.summarizeDescription(ctx, atom, tier)
	if err != nil {
		return CompactionResult{}, err
	}
	result.CompactedSize = len(summary)
	return result, nil
}

func (c *Compactor) summarizeDescription(ctx context.Context, atom *types.Atom, tier int) (string, error) {
	if tier <= 1 {
		deterministic := SummarizeTier1(atom.Description)
		if c.config.Enhancer != nil {
			if enhanced, err := c.config.Enhancer.EnhanceTier1(ctx, atom.Title, atom.Description, deterministic); err == nil {
				return enhanced, nil
			}
		}
		return deterministic, nil
	}
	return SummarizeTier2(atom.Description), nil
}

// Compact atomically compacts one atom to tier: updates the description and
// compaction metadata, then applies the comment side-effect (replace with a
// synthetic summary for tier 1, remove entirely for tier 2), per spec.md
// §4.10.
func (c *Compactor) Compact(ctx context.Context, atomID string, tier int) (CompactionResult, error) {
	atom, ok := c.store.FindAtom(atomID)
	if !ok {
		return CompactionResult{}, fmt.Errorf("compact: atom %s not found", atomID)
	}
	now := time.Now().UTC()
	if ok, reason := eligible(atom, tier, now); !ok {
		return CompactionResult{}, fmt.Errorf("compact: atom %s not eligible for tier %d: %s", atomID, tier, reason)
	}

	originalSize := descriptionSize(atom)
	summary, err := c.summarizeDescription(ctx, atom, tier)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("compact: summarize %s: %w", atomID, err)
	}

	updated := atom.Clone()
	updated.Description = summary
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	updated.Metadata["compaction_tier"] = tier
	updated.Metadata["compacted_at"] = now.Format(time.RFC3339)
	updated.Metadata["original_size"] = originalSize
	updated.UpdatedAt = now
	if err := c.store.UpdateAtom(updated); err != nil {
		return CompactionResult{}, fmt.Errorf("compact: update atom %s: %w", atomID, err)
	}

	if err := c.applyCommentEffect(atomID, tier); err != nil {
		return CompactionResult{}, fmt.Errorf("compact: comment side-effect for %s: %w", atomID, err)
	}

	return CompactionResult{AtomID: atomID, OriginalSize: originalSize, CompactedSize: len(summary)}, nil
}

// applyCommentEffect replaces comments with a synthetic digest (tier 1) or
// removes them outright (tier 2), per spec.md §4.9/§4.10.
func (c *Compactor) applyCommentEffect(atomID string, tier int) error {
	comments := c.store.CommentsFor(atomID)
	if tier <= 1 {
		digest := SummarizeComments(comments)
		id, err := ulid.ComposeCommentID(atomID, 0)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		summary := &types.Comment{
			ID:        id,
			ParentID:  atomID,
			Author:    "compactor",
			Content:   formatDigest(digest),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return c.store.CompactComments(atomID, summary)
	}
	return c.store.CompactComments(atomID, nil)
}

func formatDigest(d CommentDigest) string {
	if d.Count == 0 {
		return "No comments."
	}
	msg := fmt.Sprintf("%d comments from %d author(s), %s.", d.Count, d.DistinctAuthors, d.DateRange)
	for _, h := range d.Highlights {
		msg += "\n- " + h
	}
	return msg
}

// CompactAll applies tier to every eligible atom (optionally restricted to
// those with updated_at before cutoff), collecting a result per candidate
// and never aborting the batch on a single atom's failure (spec.md §4.10).
// When preview is true, no atom is mutated.
func (c *Compactor) CompactAll(ctx context.Context, tier int, cutoff *time.Time, preview bool) ([]CompactionResult, error) {
	now := time.Now().UTC()
	var candidates []string
	for _, atom := range c.store.AllAtoms() {
		if ok, _ := eligible(atom, tier, now); !ok {
			continue
		}
		if cutoff != nil && !atom.UpdatedAt.Before(*cutoff) {
			continue
		}
		candidates = append(candidates, atom.ID)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]CompactionResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for i, id := range candidates {
		i, id := i, id
		g.Go(func() error {
			var (
				res CompactionResult
				err error
			)
			if preview {
				res, err = c.Preview(gctx, id, tier)
			} else {
				res, err = c.Compact(gctx, id, tier)
			}
			if err != nil {
				results[i] = CompactionResult{AtomID: id, Err: err}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
