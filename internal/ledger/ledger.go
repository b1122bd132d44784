// Package ledger implements the distributed claim protocol from
// spec.md §4.8 ("the hardest part"): a dedicated sync branch checked out
// into its own worktree, pulled/pushed with optimistic retry, carrying
// atom claims with durable offline fallback and reconciliation.
package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/eluent/internal/gitutil"
	"github.com/untoldecay/eluent/internal/jsonlrepo"
	"github.com/untoldecay/eluent/internal/syncstate"
	"github.com/untoldecay/eluent/internal/types"
)

// Config configures one repo's Syncer (spec.md §6).
type Config struct {
	LedgerBranch      string
	Remote            string // default "origin"
	MaxRetries        int    // default 5
	ClaimTimeoutHours *int   // unset (nil) = claims never expire
	WorktreeDir       string // absolute path, e.g. ~/.eluent/<repo>/worktree
}

func (c Config) remote() string {
	if c.Remote == "" {
		return "origin"
	}
	return c.Remote
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 5
	}
	return c.MaxRetries
}

// Syncer coordinates the ledger branch for one repository. mainRepo is the
// caller's already-open jsonlrepo.Repo for the working copy; the syncer
// re-enters it to apply replayed/claimed changes (spec.md §2 data flow:
// "C8 uses C6, C7, and re-enters C4").
type Syncer struct {
	repoPath string // main repository root (contains .git)
	repoName string
	cfg      Config
	state    *syncstate.State
	mainRepo *jsonlrepo.Repo
	git      *gitutil.Runner // rooted at repoPath

	// claimMu serializes ClaimAndPush (spec.md §4.8: "the pull -> commit ->
	// push sequence of claim_and_push holds the per-repo write lock for its
	// duration"), since two concurrent claims on the same repo's worktree
	// would otherwise race: one goroutine's `git add -A` can stage the
	// other's pending edit, and a non-fast-forward `reset --hard` can
	// discard a commit the other just created.
	claimMu sync.Mutex
}

// New returns a Syncer for one repository.
func New(repoPath, repoName string, mainRepo *jsonlrepo.Repo, state *syncstate.State, cfg Config) *Syncer {
	return &Syncer{
		repoPath: repoPath,
		repoName: repoName,
		cfg:      cfg,
		state:    state,
		mainRepo: mainRepo,
		git:      gitutil.New(repoPath),
	}
}

func (s *Syncer) worktreeGit() *gitutil.Runner { return gitutil.New(s.cfg.WorktreeDir) }

// SetupResult is the outcome of Setup.
type SetupResult struct {
	Success         bool
	CreatedBranch   bool
	CreatedWorktree bool
	Error           string
}

// Setup creates the ledger branch (from remote if present, else local) and
// a dedicated worktree, configuring sparse checkout scoped to .eluent/
// (spec.md §4.8).
func (s *Syncer) Setup(ctx context.Context) SetupResult {
	s.git.Run(ctx, "worktree", "prune")

	if s.Healthy() {
		_ = s.state.SetValid(true)
		return SetupResult{Success: true}
	}
	if _, err := os.Stat(s.cfg.WorktreeDir); err == nil {
		os.RemoveAll(s.cfg.WorktreeDir)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.WorktreeDir), 0o755); err != nil {
		return SetupResult{Success: false, Error: err.Error()}
	}

	branch := s.cfg.LedgerBranch
	exists := s.branchExists(ctx)

	var res gitutil.Result
	if exists {
		res = s.git.Run(ctx, "worktree", "add", "-f", "--no-checkout", s.cfg.WorktreeDir, branch)
	} else {
		res = s.git.Run(ctx, "worktree", "add", "-f", "--no-checkout", "-b", branch, s.cfg.WorktreeDir)
	}
	if !res.Success {
		return SetupResult{Success: false, Error: res.Error}
	}

	wt := s.worktreeGit()
	if res := wt.Run(ctx, "sparse-checkout", "init", "--no-cone"); !res.Success {
		s.teardownBestEffort(ctx)
		return SetupResult{Success: false, Error: res.Error}
	}
	if res := wt.Run(ctx, "sparse-checkout", "set", "/.eluent/"); !res.Success {
		s.teardownBestEffort(ctx)
		return SetupResult{Success: false, Error: res.Error}
	}
	if res := wt.Run(ctx, "checkout", branch); !res.Success {
		s.teardownBestEffort(ctx)
		return SetupResult{Success: false, Error: res.Error}
	}

	if err := s.state.SetValid(true); err != nil {
		return SetupResult{Success: false, Error: err.Error()}
	}
	return SetupResult{Success: true, CreatedBranch: !exists, CreatedWorktree: true}
}

func (s *Syncer) branchExists(ctx context.Context) bool {
	if res := s.git.Run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+s.cfg.LedgerBranch); res.Success {
		return true
	}
	ref := fmt.Sprintf("refs/remotes/%s/%s", s.cfg.remote(), s.cfg.LedgerBranch)
	return s.git.Run(ctx, "show-ref", "--verify", "--quiet", ref).Success
}

func (s *Syncer) teardownBestEffort(ctx context.Context) {
	s.git.Run(ctx, "worktree", "remove", s.cfg.WorktreeDir, "--force")
	os.RemoveAll(s.cfg.WorktreeDir)
	s.git.Run(ctx, "worktree", "prune")
}

// TeardownResult is the outcome of Teardown.
type TeardownResult struct {
	Success bool
	Error   string
}

// Teardown removes the worktree and clears state pointers; the branch
// itself is preserved (spec.md §4.8).
func (s *Syncer) Teardown(ctx context.Context) TeardownResult {
	res := s.git.Run(ctx, "worktree", "remove", s.cfg.WorktreeDir, "--force")
	if !res.Success {
		if err := os.RemoveAll(s.cfg.WorktreeDir); err != nil {
			return TeardownResult{Success: false, Error: err.Error()}
		}
		s.git.Run(ctx, "worktree", "prune")
	}
	if err := s.state.ClearPointers(); err != nil {
		return TeardownResult{Success: false, Error: err.Error()}
	}
	return TeardownResult{Success: true}
}

// Available reports whether the worktree directory exists.
func (s *Syncer) Available() bool {
	info, err := os.Stat(s.cfg.WorktreeDir)
	return err == nil && info.IsDir()
}

// Healthy reports whether the worktree exists, is marked valid, and its
// HEAD resolves (spec.md §4.8).
func (s *Syncer) Healthy() bool {
	if !s.Available() || !s.state.IsValid() {
		return false
	}
	return s.worktreeGit().Run(context.Background(), "rev-parse", "HEAD").Success
}

// Online reports whether the configured remote is reachable.
func (s *Syncer) Online() bool {
	if !s.Available() {
		return false
	}
	r := s.worktreeGit().WithTimeout(10 * time.Second)
	return r.Run(context.Background(), "ls-remote", "--exit-code", s.cfg.remote()).Success
}

func (s *Syncer) openLedgerRepo() (*jsonlrepo.Repo, error) {
	return jsonlrepo.Open(filepath.Join(s.cfg.WorktreeDir, jsonlrepoEluentDirName), s.repoName)
}

const jsonlrepoEluentDirName = ".eluent"

// PullResult is the outcome of PullLedger.
type PullResult struct {
	Success        bool
	ChangesApplied int
	Error          string
}

// PullLedger fetches the remote, fast-forwards the worktree, and replays
// newer records into the main data file (spec.md §4.8).
func (s *Syncer) PullLedger(ctx context.Context) PullResult {
	if !s.Available() {
		return PullResult{Success: false, Error: "ledger worktree not set up"}
	}
	wt := s.worktreeGit()
	remote := s.cfg.remote()
	branch := s.cfg.LedgerBranch

	if res := wt.Run(ctx, "fetch", remote, branch); !res.Success {
		// A ledger branch that has never been pushed has nothing to fetch.
		ls := wt.Run(ctx, "ls-remote", "--heads", remote, branch)
		if !ls.Success || strings.TrimSpace(ls.Output) != "" {
			return PullResult{Success: false, Error: res.Error}
		}
	}

	remoteRef := remote + "/" + branch
	if res := wt.Run(ctx, "show-ref", "--verify", "--quiet", "refs/remotes/"+remoteRef); res.Success {
		if res := wt.Run(ctx, "merge", "--ff-only", remoteRef); !res.Success {
			return PullResult{Success: false, Error: res.Error}
		}
	}

	applied, err := s.replayLedgerIntoMain()
	if err != nil {
		return PullResult{Success: false, Error: err.Error()}
	}

	head := wt.Run(ctx, "rev-parse", "HEAD")
	if head.Success {
		_ = s.state.MarkPull(head.Output, time.Now().UTC())
	}
	return PullResult{Success: true, ChangesApplied: applied}
}

// replayLedgerIntoMain applies every ledger atom newer than the main repo's
// copy (last-write-wins by updated_at), re-entering C4 (spec.md §2).
func (s *Syncer) replayLedgerIntoMain() (int, error) {
	ledgerRepo, err := s.openLedgerRepo()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, a := range ledgerRepo.AllAtoms() {
		existing, ok := s.mainRepo.FindAtom(a.ID)
		if ok && !a.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		if err := s.mainRepo.UpdateAtom(a.Clone()); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// SyncToMain merges the ledger worktree's current state back into the main
// repository's data file. Idempotent: reapplying unchanged records is a
// no-op (spec.md §4.8).
func (s *Syncer) SyncToMain(ctx context.Context) error {
	_, err := s.replayLedgerIntoMain()
	return err
}

// PushResult is the outcome of PushLedger.
type PushResult struct {
	Success        bool
	ChangesApplied int
	Retries        int
	Error          string
}

// PushLedger pushes worktree commits to the remote, rebasing and retrying
// on non-fast-forward rejection up to cfg.MaxRetries times (spec.md §4.8).
func (s *Syncer) PushLedger(ctx context.Context) PushResult {
	if !s.Available() {
		return PushResult{Success: false, Error: "ledger worktree not set up"}
	}
	wt := s.worktreeGit()
	remote := s.cfg.remote()
	branch := s.cfg.LedgerBranch

	for attempt := 0; attempt < s.cfg.maxRetries(); attempt++ {
		res := wt.Run(ctx, "push", remote, branch)
		if res.Success {
			head := wt.Run(ctx, "rev-parse", "HEAD")
			if head.Success {
				_ = s.state.MarkPush(head.Output, time.Now().UTC())
			}
			return PushResult{Success: true, ChangesApplied: 1, Retries: attempt}
		}
		if !isNonFastForward(res.Error + res.Output) {
			return PushResult{Success: false, Error: res.Error, Retries: attempt}
		}
		wt.Run(ctx, "fetch", remote, branch)
		if rebase := wt.Run(ctx, "rebase", remote+"/"+branch); !rebase.Success {
			wt.Run(ctx, "rebase", "--abort")
			return PushResult{Success: false, Error: rebase.Error, Retries: attempt}
		}
	}
	return PushResult{
		Success: false,
		Error:   fmt.Sprintf("max retries (%d) exhausted", s.cfg.maxRetries()),
		Retries: s.cfg.maxRetries(),
	}
}

func isNonFastForward(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"non-fast-forward", "fetch first", "rejected", "stale info"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isForfeited reports whether atom's claim has aged past
// cfg.ClaimTimeoutHours (spec.md §4.8 "Claim expiry").
func (s *Syncer) isForfeited(atom *types.Atom) bool {
	if s.cfg.ClaimTimeoutHours == nil {
		return false
	}
	timeout := time.Duration(*s.cfg.ClaimTimeoutHours) * time.Hour
	return time.Since(atom.UpdatedAt) > timeout
}

// ClaimResult is the outcome of ClaimAndPush.
type ClaimResult struct {
	Success   bool
	ClaimedBy string
	Offline   bool
	Retries   int
	Error     string
}

// ClaimAndPush runs the core claim protocol (spec.md §4.8): pull, check for
// a conflicting live claim, write+commit a claim record, push, and retry on
// non-fast-forward up to cfg.MaxRetries times.
func (s *Syncer) ClaimAndPush(ctx context.Context, atomID, agentID string) ClaimResult {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	wt := s.worktreeGit()

	for attempt := 0; attempt < s.cfg.maxRetries(); attempt++ {
		if pull := s.PullLedger(ctx); !pull.Success {
			return ClaimResult{Success: false, Error: pull.Error, Retries: attempt}
		}

		ledgerRepo, err := s.openLedgerRepo()
		if err != nil {
			return ClaimResult{Success: false, Error: err.Error(), Retries: attempt}
		}
		if existing, ok := ledgerRepo.FindAtom(atomID); ok {
			if existing.Status.Equal(types.StatusInProgress) && existing.Assignee != nil &&
				*existing.Assignee != agentID && !s.isForfeited(existing) {
				return ClaimResult{Success: false, Error: "Already claimed", ClaimedBy: *existing.Assignee, Retries: attempt}
			}
		}

		mainAtom, ok := s.mainRepo.FindAtom(atomID)
		if !ok {
			return ClaimResult{Success: false, Error: fmt.Sprintf("atom %s not found", atomID), Retries: attempt}
		}
		claimAtom := mainAtom.Clone()
		claimAtom.Status = types.StatusInProgress
		agent := agentID
		claimAtom.Assignee = &agent
		claimAtom.UpdatedAt = time.Now().UTC()
		if claimAtom.Metadata == nil {
			claimAtom.Metadata = make(map[string]any)
		}
		claimAtom.Metadata["claim_nonce"] = uuid.NewString()

		if err := ledgerRepo.UpdateAtom(claimAtom); err != nil {
			return ClaimResult{Success: false, Error: err.Error(), Retries: attempt}
		}
		wt.Run(ctx, "add", "-A")
		commitMsg := fmt.Sprintf("claim %s by %s", atomID, agentID)
		commit := wt.Run(ctx, "commit", "-m", commitMsg)
		if !commit.Success {
			return ClaimResult{Success: false, Error: commit.Error, Retries: attempt}
		}

		// Push once without rebasing: a rejected push means another claim
		// landed first, so the local commit is reverted and the loop pulls
		// and re-checks before trying again.
		push := wt.Run(ctx, "push", s.cfg.remote(), s.cfg.LedgerBranch)
		if push.Success {
			if head := wt.Run(ctx, "rev-parse", "HEAD"); head.Success {
				_ = s.state.MarkPush(head.Output, time.Now().UTC())
			}
			if err := s.mainRepo.UpdateAtom(claimAtom.Clone()); err != nil {
				return ClaimResult{Success: false, Error: err.Error(), Retries: attempt}
			}
			return ClaimResult{Success: true, ClaimedBy: agentID, Offline: false, Retries: attempt}
		}
		if isNonFastForward(push.Error + push.Output) {
			wt.Run(ctx, "reset", "--hard", "HEAD~1")
			continue
		}
		return ClaimResult{Success: false, Error: push.Error, Retries: attempt}
	}
	return ClaimResult{
		Success: false,
		Error:   fmt.Sprintf("Max retries (%d) exhausted", s.cfg.maxRetries()),
		Retries: s.cfg.maxRetries(),
	}
}

// ReconcileEntry is one reconciled offline claim.
type ReconcileEntry struct {
	AtomID   string
	AgentID  string
	Success  bool
	Conflict bool
	Error    string
}

// ReconcileOfflineClaims replays claim_and_push semantics for every queued
// offline claim, removing resolved and conflicting entries from the queue
// (spec.md §4.8).
func (s *Syncer) ReconcileOfflineClaims(ctx context.Context) []ReconcileEntry {
	var out []ReconcileEntry
	for _, c := range s.state.OfflineClaims() {
		res := s.ClaimAndPush(ctx, c.AtomID, c.AgentID)
		entry := ReconcileEntry{AtomID: c.AtomID, AgentID: c.AgentID}
		switch {
		case res.Success:
			entry.Success = true
			_ = s.state.RemoveOfflineClaim(c.AtomID, c.AgentID)
		case res.Error == "Already claimed":
			entry.Conflict = true
			_ = s.state.RemoveOfflineClaim(c.AtomID, c.AgentID)
		default:
			entry.Error = res.Error
		}
		out = append(out, entry)
	}
	return out
}
