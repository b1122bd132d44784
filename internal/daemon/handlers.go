// Package daemon implements the claim/ledger_sync request handlers from
// spec.md §4.12/§6, grounded on the teacher's internal/rpc handler shape
// (func (s *Server) handleX(req *Request) Response) but emitting Eluent's
// own {ok, data} / {error: {code, message}} wire envelope.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/untoldecay/eluent/internal/ledger"
	"github.com/untoldecay/eluent/internal/syncstate"
	"github.com/untoldecay/eluent/internal/types"
)

// Response is the wire envelope from spec.md §6.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the {code, message} error payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func okResponse(data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return errResponse("INTERNAL", fmt.Sprintf("marshal response data: %v", err))
	}
	return Response{OK: true, Data: raw}
}

func errResponse(code, message string) Response {
	return Response{OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// Store is the subset of jsonlrepo.Repo the claim handler needs.
type Store interface {
	FindAtom(id string) (*types.Atom, bool)
	UpdateAtom(atom *types.Atom) error
}

// Handler dispatches claim/ledger_sync requests for one repo. syncer and
// state are nil when the repo has no `sync.ledger_branch` configured
// (spec.md §6), in which case claim always takes the local path and
// ledger_sync always returns LEDGER_NOT_CONFIGURED.
type Handler struct {
	repo   Store
	syncer *ledger.Syncer
	state  *syncstate.State
}

// NewHandler returns a Handler. Pass syncer/state as nil when ledger sync
// is not configured for this repo.
func NewHandler(repo Store, syncer *ledger.Syncer, state *syncstate.State) *Handler {
	return &Handler{repo: repo, syncer: syncer, state: state}
}

// ClaimArgs is the request payload for the claim operation.
type ClaimArgs struct {
	AtomID  string `json:"atom_id"`
	AgentID string `json:"agent_id,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

// ClaimData is the claim operation's success payload.
type ClaimData struct {
	AtomID    string `json:"atom_id"`
	ClaimedBy string `json:"claimed_by"`
	Offline   bool   `json:"offline"`
}

// normalizeAgentID strips whitespace, falling back to the host name, then
// "unknown" (spec.md §4.12).
func normalizeAgentID(raw string) string {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return trimmed
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// HandleClaim implements spec.md §4.12's claim dispatch.
func (h *Handler) HandleClaim(ctx context.Context, argsRaw json.RawMessage) Response {
	var args ClaimArgs
	if err := json.Unmarshal(argsRaw, &args); err != nil {
		return errResponse("INVALID_REQUEST", fmt.Sprintf("invalid claim args: %v", err))
	}
	if args.AtomID == "" {
		return errResponse("INVALID_REQUEST", "atom_id is required")
	}

	atom, ok := h.repo.FindAtom(args.AtomID)
	if !ok {
		return errResponse("INVALID_REQUEST", fmt.Sprintf("atom %s not found", args.AtomID))
	}
	if !atom.Status.Claimable() {
		return errResponse("INVALID_STATE", fmt.Sprintf("atom %s has status %q and cannot be claimed", args.AtomID, atom.Status))
	}
	agentID := normalizeAgentID(args.AgentID)

	if h.syncer != nil && !args.Offline {
		return h.claimViaLedger(ctx, args.AtomID, agentID)
	}
	return h.claimLocally(args.AtomID, agentID, args.Offline)
}

func (h *Handler) claimViaLedger(ctx context.Context, atomID, agentID string) Response {
	result := h.syncer.ClaimAndPush(ctx, atomID, agentID)
	if !result.Success {
		switch {
		case result.Error == "Already claimed":
			return errResponse("CLAIM_CONFLICT", fmt.Sprintf("%s is already claimed by %s", atomID, result.ClaimedBy))
		case strings.HasPrefix(result.Error, "Max retries"):
			return errResponse("MAX_RETRIES", result.Error)
		default:
			return errResponse("CLAIM_FAILED", result.Error)
		}
	}
	return okResponse(ClaimData{AtomID: atomID, ClaimedBy: agentID})
}

func (h *Handler) claimLocally(atomID, agentID string, offline bool) Response {
	atom, ok := h.repo.FindAtom(atomID)
	if !ok {
		return errResponse("INVALID_REQUEST", fmt.Sprintf("atom %s not found", atomID))
	}
	updated := atom.Clone()
	updated.Status = types.StatusInProgress
	updated.Assignee = &agentID
	updated.UpdatedAt = time.Now().UTC()
	if err := h.repo.UpdateAtom(updated); err != nil {
		return errResponse("CLAIM_FAILED", err.Error())
	}
	if offline && h.state != nil {
		if err := h.state.RecordOfflineClaim(atomID, agentID, updated.UpdatedAt); err != nil {
			return errResponse("CLAIM_FAILED", err.Error())
		}
	}
	return okResponse(ClaimData{AtomID: atomID, ClaimedBy: agentID, Offline: offline})
}

// LedgerSyncArgs is the request payload for the ledger_sync operation.
type LedgerSyncArgs struct {
	Action string `json:"action"`
}

// HandleLedgerSync implements spec.md §4.12's ledger_sync dispatch.
func (h *Handler) HandleLedgerSync(ctx context.Context, argsRaw json.RawMessage) Response {
	var args LedgerSyncArgs
	if err := json.Unmarshal(argsRaw, &args); err != nil {
		return errResponse("INVALID_REQUEST", fmt.Sprintf("invalid ledger_sync args: %v", err))
	}
	if h.syncer == nil {
		return errResponse("LEDGER_NOT_CONFIGURED", "sync.ledger_branch is not set for this repo")
	}

	switch args.Action {
	case "setup":
		res := h.syncer.Setup(ctx)
		if !res.Success {
			return errResponse("SETUP_FAILED", res.Error)
		}
		return okResponse(res)
	case "teardown":
		return okResponse(h.syncer.Teardown(ctx))
	case "pull":
		if !h.syncer.Available() {
			return errResponse("LEDGER_NOT_SETUP", "ledger worktree is not set up")
		}
		res := h.syncer.PullLedger(ctx)
		if !res.Success {
			return errResponse("PULL_FAILED", res.Error)
		}
		return okResponse(res)
	case "push":
		if !h.syncer.Available() {
			return errResponse("LEDGER_NOT_SETUP", "ledger worktree is not set up")
		}
		res := h.syncer.PushLedger(ctx)
		if !res.Success {
			return errResponse("PUSH_FAILED", res.Error)
		}
		return okResponse(res)
	case "status":
		return okResponse(h.status())
	case "reconcile":
		if !h.syncer.Available() {
			return errResponse("LEDGER_NOT_SETUP", "ledger worktree is not set up")
		}
		return okResponse(h.syncer.ReconcileOfflineClaims(ctx))
	case "force_resync":
		return h.forceResync(ctx)
	default:
		return errResponse("INVALID_REQUEST", fmt.Sprintf("unknown ledger_sync action %q", args.Action))
	}
}

type statusData struct {
	Available  bool   `json:"available"`
	Healthy    bool   `json:"healthy"`
	Online     bool   `json:"online"`
	LedgerHead string `json:"ledger_head,omitempty"`
}

func (h *Handler) status() statusData {
	s := statusData{Available: h.syncer.Available(), Healthy: h.syncer.Healthy(), Online: h.syncer.Online()}
	if h.state != nil {
		s.LedgerHead = h.state.LedgerHead()
	}
	return s
}

// forceResync implements spec.md §4.12's "teardown (if available) → reset
// state → setup → pull → sync_to_main" sequence, returning early with the
// stage-specific error code on any failure.
func (h *Handler) forceResync(ctx context.Context) Response {
	if h.syncer.Available() {
		if res := h.syncer.Teardown(ctx); !res.Success {
			return errResponse("RESYNC_FAILED", res.Error)
		}
	}
	if h.state != nil {
		if err := h.state.Reset(); err != nil {
			return errResponse("RESYNC_FAILED", err.Error())
		}
	}
	setup := h.syncer.Setup(ctx)
	if !setup.Success {
		return errResponse("SETUP_FAILED", setup.Error)
	}
	pull := h.syncer.PullLedger(ctx)
	if !pull.Success {
		return errResponse("PULL_FAILED", pull.Error)
	}
	if err := h.syncer.SyncToMain(ctx); err != nil {
		return errResponse("RESYNC_FAILED", err.Error())
	}
	return okResponse(map[string]bool{"resynced": true})
}
