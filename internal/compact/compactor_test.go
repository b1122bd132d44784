package compact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/eluent/internal/jsonlrepo"
	"github.com/untoldecay/eluent/internal/types"
)

func openTestRepo(t *testing.T) *jsonlrepo.Repo {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err := jsonlrepo.Open(dir, "foo")
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func longDescription() string {
	return strings.Repeat("This sentence describes the bug in great detail. ", 30)
}

func seedClosedAtom(t *testing.T, repo *jsonlrepo.Repo, id string, updatedAt time.Time) {
	t.Helper()
	if err := repo.UpdateAtom(&types.Atom{
		ID:          id,
		Title:       "a bug",
		Description: longDescription(),
		Status:      types.StatusClosed,
		IssueType:   types.TypeBug,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestCompactTier1Eligible(t *testing.T) {
	repo := openTestRepo(t)
	old := time.Now().UTC().Add(-45 * 24 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", old)
	if _, err := repo.CreateComment("foo-01JBZTMQ1RABCDEFGHKMNPQRST", "alice", "investigating this now"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateComment("foo-01JBZTMQ1RABCDEFGHKMNPQRST", "bob", "fixed in the latest patch"); err != nil {
		t.Fatal(err)
	}

	c := New(repo, Config{})
	result, err := c.Compact(context.Background(), "foo-01JBZTMQ1RABCDEFGHKMNPQRST", 1)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if result.CompactedSize >= result.OriginalSize {
		t.Fatalf("expected compaction to shrink description: %d -> %d", result.OriginalSize, result.CompactedSize)
	}

	atom, ok := repo.FindAtom("foo-01JBZTMQ1RABCDEFGHKMNPQRST")
	if !ok {
		t.Fatal("atom missing after compaction")
	}
	if atom.CompactionTier() != 1 {
		t.Fatalf("CompactionTier() = %d, want 1", atom.CompactionTier())
	}
	if len(atom.Description) > Tier1MaxLen {
		t.Fatalf("description len %d exceeds Tier1MaxLen", len(atom.Description))
	}

	comments := repo.CommentsFor("foo-01JBZTMQ1RABCDEFGHKMNPQRST")
	if len(comments) != 1 || comments[0].Author != "compactor" {
		t.Fatalf("expected one synthetic summary comment, got %+v", comments)
	}
}

func TestCompactTier2RemovesComments(t *testing.T) {
	repo := openTestRepo(t)
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", old)
	if _, err := repo.CreateComment("foo-01JBZTMQ1RABCDEFGHKMNPQRST", "alice", "note"); err != nil {
		t.Fatal(err)
	}

	c := New(repo, Config{})
	if _, err := c.Compact(context.Background(), "foo-01JBZTMQ1RABCDEFGHKMNPQRST", 2); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	atom, _ := repo.FindAtom("foo-01JBZTMQ1RABCDEFGHKMNPQRST")
	if len(atom.Description) > Tier2MaxLen {
		t.Fatalf("description len %d exceeds Tier2MaxLen", len(atom.Description))
	}
	if comments := repo.CommentsFor("foo-01JBZTMQ1RABCDEFGHKMNPQRST"); len(comments) != 0 {
		t.Fatalf("expected no comments after tier 2 compaction, got %d", len(comments))
	}
}

func TestCompactIneligibleOpenStatus(t *testing.T) {
	repo := openTestRepo(t)
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	if err := repo.UpdateAtom(&types.Atom{
		ID: "foo-01JBZTMQ1RABCDEFGHKMNPQRST", Title: "t", Description: longDescription(),
		Status: types.StatusOpen, IssueType: types.TypeBug, CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}

	c := New(repo, Config{})
	if _, err := c.Compact(context.Background(), "foo-01JBZTMQ1RABCDEFGHKMNPQRST", 1); err == nil {
		t.Fatal("expected ineligibility error for an open atom")
	}
}

func TestCompactIneligibleTooRecent(t *testing.T) {
	repo := openTestRepo(t)
	recent := time.Now().UTC().Add(-1 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", recent)

	c := New(repo, Config{})
	if _, err := c.Compact(context.Background(), "foo-01JBZTMQ1RABCDEFGHKMNPQRST", 1); err == nil {
		t.Fatal("expected ineligibility error for a recently-updated atom")
	}
}

func TestCompactAllCompactsEveryEligibleAtom(t *testing.T) {
	repo := openTestRepo(t)
	old := time.Now().UTC().Add(-45 * 24 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", old)
	seedClosedAtom(t, repo, "foo-01JBZTMQ2RABCDEFGHKMNPQRST", old)

	c := New(repo, Config{Concurrency: 2})
	results, err := c.CompactAll(context.Background(), 1, nil, false)
	if err != nil {
		t.Fatalf("CompactAll returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected per-atom error: %v", r.Err)
		}
	}
}

func TestCompactAllRespectsCutoff(t *testing.T) {
	repo := openTestRepo(t)
	veryOld := time.Now().UTC().Add(-60 * 24 * time.Hour)
	justOld := time.Now().UTC().Add(-31 * 24 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", veryOld)
	seedClosedAtom(t, repo, "foo-01JBZTMQ2RABCDEFGHKMNPQRST", justOld)

	cutoff := time.Now().UTC().Add(-45 * 24 * time.Hour)
	c := New(repo, Config{})
	results, err := c.CompactAll(context.Background(), 1, &cutoff, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].AtomID != "foo-01JBZTMQ1RABCDEFGHKMNPQRST" {
		t.Fatalf("expected only the atom before cutoff, got %+v", results)
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	repo := openTestRepo(t)
	old := time.Now().UTC().Add(-45 * 24 * time.Hour)
	seedClosedAtom(t, repo, "foo-01JBZTMQ1RABCDEFGHKMNPQRST", old)

	c := New(repo, Config{})
	result, err := c.Preview(context.Background(), "foo-01JBZTMQ1RABCDEFGHKMNPQRST", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.CompactedSize >= result.OriginalSize {
		t.Fatalf("expected preview sizes to show a reduction: %+v", result)
	}

	atom, _ := repo.FindAtom("foo-01JBZTMQ1RABCDEFGHKMNPQRST")
	if atom.CompactionTier() != 0 {
		t.Fatal("preview must not mutate the atom")
	}
	if atom.Description != longDescription() {
		t.Fatal("preview must not mutate the description")
	}
}

func TestCompactAllOnEmptyRepoReturnsNil(t *testing.T) {
	repo := openTestRepo(t)
	c := New(repo, Config{})
	results, err := c.CompactAll(context.Background(), 1, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Fatalf("expected nil results for no candidates, got %+v", results)
	}
}

func TestParseCutoffRelativeExpression(t *testing.T) {
	got, err := ParseCutoff("30 days ago")
	if err != nil {
		t.Fatalf("ParseCutoff failed: %v", err)
	}
	want := time.Now().Add(-30 * 24 * time.Hour)
	if diff := got.Sub(want); diff < -time.Hour || diff > time.Hour {
		t.Fatalf("ParseCutoff(\"30 days ago\") = %v, want close to %v", got, want)
	}
}

func TestParseCutoffUnrecognizedExpression(t *testing.T) {
	if _, err := ParseCutoff("gibberish not a date"); err == nil {
		t.Fatal("expected an error for an unparseable cutoff expression")
	}
}

func TestNewDataFilePathIsSibling(t *testing.T) {
	// Sanity check that Open accepts the .eluent directory directly, as
	// compactor tests assume.
	dir := t.TempDir()
	repo, err := jsonlrepo.Open(dir, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if repo.Root() != dir {
		t.Fatalf("Root() = %q, want %q", repo.Root(), dir)
	}
	if _, err := os.Stat(filepath.Join(dir, jsonlrepo.DataFileName)); !os.IsNotExist(err) {
		t.Fatal("expected no data file before first write")
	}
}
