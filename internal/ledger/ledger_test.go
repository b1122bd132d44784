package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/untoldecay/eluent/internal/gitutil"
	"github.com/untoldecay/eluent/internal/jsonlrepo"
	"github.com/untoldecay/eluent/internal/syncstate"
	"github.com/untoldecay/eluent/internal/types"
)

// newBareRemote creates a bare repository to act as the shared remote.
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	r := gitutil.New(dir)
	if res := r.Run(context.Background(), "init", "--bare", "-q"); !res.Success {
		t.Fatalf("git init --bare failed: %s", res.Error)
	}
	return dir
}

// newClone clones remote into a fresh repo, seeds an atom, and returns the
// clone's path plus a jsonlrepo.Repo and syncstate.State rooted there.
func newClone(t *testing.T, remote string, atomID string) (string, *jsonlrepo.Repo, *syncstate.State) {
	t.Helper()
	dir := t.TempDir()
	r := gitutil.New(dir)
	if res := r.Run(context.Background(), "clone", remote, "."); !res.Success {
		t.Fatalf("git clone failed: %s", res.Error)
	}
	r.Run(context.Background(), "config", "user.email", "test@example.com")
	r.Run(context.Background(), "config", "user.name", "Test")
	// A later clone of a remote already seeded by another clone starts on
	// origin/main; for the first clone this fails harmlessly.
	r.Run(context.Background(), "checkout", "-q", "-B", "main", "origin/main")

	eluentDir := filepath.Join(dir, ".eluent")
	if err := os.MkdirAll(eluentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err := jsonlrepo.Open(eluentDir, "foo")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := repo.UpdateAtom(&types.Atom{
		ID: atomID, Title: "t", Status: types.StatusOpen, IssueType: types.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	r.Run(context.Background(), "add", "-A")
	r.Run(context.Background(), "commit", "-q", "-m", "seed")
	if res := r.Run(context.Background(), "push", "origin", "HEAD:main"); !res.Success {
		t.Fatalf("seed push failed: %s", res.Error)
	}

	state, err := syncstate.Open(filepath.Join(dir, "sync_state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return dir, repo, state
}

func newSyncer(t *testing.T, clonePath string, mainRepo *jsonlrepo.Repo, state *syncstate.State) *Syncer {
	t.Helper()
	cfg := Config{
		LedgerBranch: "eluent-ledger",
		Remote:       "origin",
		MaxRetries:   5,
		WorktreeDir:  filepath.Join(t.TempDir(), "worktree"),
	}
	return New(clonePath, "foo", mainRepo, state, cfg)
}

func TestSetupAndTeardown(t *testing.T) {
	remote := newBareRemote(t)
	atomID := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"
	clonePath, mainRepo, state := newClone(t, remote, atomID)
	syncer := newSyncer(t, clonePath, mainRepo, state)

	setup := syncer.Setup(context.Background())
	if !setup.Success {
		t.Fatalf("Setup failed: %s", setup.Error)
	}
	if !setup.CreatedBranch || !setup.CreatedWorktree {
		t.Fatalf("expected fresh branch+worktree, got %+v", setup)
	}
	if !syncer.Available() {
		t.Fatal("expected worktree to be available after Setup")
	}

	teardown := syncer.Teardown(context.Background())
	if !teardown.Success {
		t.Fatalf("Teardown failed: %s", teardown.Error)
	}
	if syncer.Available() {
		t.Fatal("expected worktree to be gone after Teardown")
	}
}

func TestClaimAndPushSingleAgent(t *testing.T) {
	remote := newBareRemote(t)
	atomID := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"
	clonePath, mainRepo, state := newClone(t, remote, atomID)
	syncer := newSyncer(t, clonePath, mainRepo, state)

	if setup := syncer.Setup(context.Background()); !setup.Success {
		t.Fatalf("Setup failed: %s", setup.Error)
	}

	result := syncer.ClaimAndPush(context.Background(), atomID, "agent-x")
	if !result.Success {
		t.Fatalf("ClaimAndPush failed: %s", result.Error)
	}
	if result.ClaimedBy != "agent-x" {
		t.Fatalf("ClaimedBy = %q", result.ClaimedBy)
	}

	atom, ok := mainRepo.FindAtom(atomID)
	if !ok {
		t.Fatal("expected main repo to have the atom")
	}
	if !atom.Status.Equal(types.StatusInProgress) {
		t.Fatalf("Status = %v, want in_progress", atom.Status)
	}
	if atom.Assignee == nil || *atom.Assignee != "agent-x" {
		t.Fatalf("Assignee = %v", atom.Assignee)
	}
}

func TestClaimConflictSecondAgentLoses(t *testing.T) {
	remote := newBareRemote(t)
	atomID := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"

	clonePathX, mainRepoX, stateX := newClone(t, remote, atomID)
	syncerX := newSyncer(t, clonePathX, mainRepoX, stateX)
	if setup := syncerX.Setup(context.Background()); !setup.Success {
		t.Fatalf("Setup X failed: %s", setup.Error)
	}

	clonePathY, mainRepoY, stateY := newClone(t, remote, atomID)
	syncerY := newSyncer(t, clonePathY, mainRepoY, stateY)
	if setup := syncerY.Setup(context.Background()); !setup.Success {
		t.Fatalf("Setup Y failed: %s", setup.Error)
	}

	resX := syncerX.ClaimAndPush(context.Background(), atomID, "agent-x")
	if !resX.Success {
		t.Fatalf("agent-x claim failed: %s", resX.Error)
	}

	resY := syncerY.ClaimAndPush(context.Background(), atomID, "agent-y")
	if resY.Success {
		t.Fatal("expected agent-y's claim to lose the race")
	}
	if resY.ClaimedBy != "agent-x" {
		t.Fatalf("ClaimedBy = %q, want agent-x", resY.ClaimedBy)
	}
}

func TestOfflineClaimAndReconcile(t *testing.T) {
	remote := newBareRemote(t)
	atomID := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"
	clonePath, mainRepo, state := newClone(t, remote, atomID)
	syncer := newSyncer(t, clonePath, mainRepo, state)

	// Syncer never set up: Available() is false, simulating offline.
	if syncer.Available() {
		t.Fatal("expected syncer to be unavailable before Setup")
	}
	if err := state.RecordOfflineClaim(atomID, "agent-x", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	mainAtom, _ := mainRepo.FindAtom(atomID)
	mainAtom.Status = types.StatusInProgress
	agent := "agent-x"
	mainAtom.Assignee = &agent
	if err := mainRepo.UpdateAtom(mainAtom); err != nil {
		t.Fatal(err)
	}

	if setup := syncer.Setup(context.Background()); !setup.Success {
		t.Fatalf("Setup failed: %s", setup.Error)
	}

	entries := syncer.ReconcileOfflineClaims(context.Background())
	if len(entries) != 1 {
		t.Fatalf("expected 1 reconcile entry, got %d", len(entries))
	}
	if !entries[0].Success {
		t.Fatalf("expected reconciled claim to succeed, got %+v", entries[0])
	}
	if state.HasOfflineClaims() {
		t.Fatal("expected offline claim queue to be emptied")
	}
}

// TestClaimAndPushConcurrentDistinctAtomsSerialized exercises claimMu: two
// goroutines racing ClaimAndPush on the same Syncer for two different atoms
// must not interleave their worktree add/commit/reset steps and lose a
// claim (spec.md §4.8/§7 "holds the per-repo write lock for its duration").
func TestClaimAndPushConcurrentDistinctAtomsSerialized(t *testing.T) {
	remote := newBareRemote(t)
	atomID1 := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"
	clonePath, mainRepo, state := newClone(t, remote, atomID1)

	atomID2 := "foo-01JBZTMQ1RABCDEFGHKMNPQRSU"
	now := time.Now().UTC()
	if err := mainRepo.UpdateAtom(&types.Atom{
		ID: atomID2, Title: "t2", Status: types.StatusOpen, IssueType: types.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	syncer := newSyncer(t, clonePath, mainRepo, state)
	if setup := syncer.Setup(context.Background()); !setup.Success {
		t.Fatalf("Setup failed: %s", setup.Error)
	}

	var wg sync.WaitGroup
	results := make([]ClaimResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = syncer.ClaimAndPush(context.Background(), atomID1, "agent-x")
	}()
	go func() {
		defer wg.Done()
		results[1] = syncer.ClaimAndPush(context.Background(), atomID2, "agent-y")
	}()
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Fatalf("claim %d failed: %s", i, res.Error)
		}
	}

	a1, _ := mainRepo.FindAtom(atomID1)
	a2, _ := mainRepo.FindAtom(atomID2)
	if a1.Assignee == nil || *a1.Assignee != "agent-x" {
		t.Fatalf("atom1 Assignee = %v, want agent-x", a1.Assignee)
	}
	if a2.Assignee == nil || *a2.Assignee != "agent-y" {
		t.Fatalf("atom2 Assignee = %v, want agent-y", a2.Assignee)
	}
}
