package types

import (
	"errors"
	"fmt"
	"time"
)

// Field limits from spec.md §3.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 65536
)

// Atom is a single work item. See spec.md §3.
type Atom struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	IssueType   IssueType      `json:"issue_type"`
	Priority    int            `json:"priority"`
	Labels      []string       `json:"labels,omitempty"`
	Assignee    *string        `json:"assignee,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	DeferUntil  *time.Time     `json:"defer_until,omitempty"`
	CloseReason *string        `json:"close_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently (labels and
// metadata are copied; nested metadata values are shared by reference, as
// with the teacher's map[string]interface{} update payloads).
func (a *Atom) Clone() *Atom {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Labels != nil {
		cp.Labels = append([]string(nil), a.Labels...)
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Validate enforces the field-size and enum invariants from spec.md §3.
func (a *Atom) Validate() error {
	if a.ID == "" {
		return errors.New("atom: id is required")
	}
	if len(a.Title) > MaxTitleLen {
		return fmt.Errorf("atom: title exceeds %d characters", MaxTitleLen)
	}
	if len(a.Description) > MaxDescriptionLen {
		return fmt.Errorf("atom: description exceeds %d characters", MaxDescriptionLen)
	}
	if a.Status.IsZero() {
		return errors.New("atom: status is required")
	}
	return nil
}

// CompactionTier reads metadata.compaction_tier, defaulting to 0.
func (a *Atom) CompactionTier() int {
	if a.Metadata == nil {
		return 0
	}
	switch v := a.Metadata["compaction_tier"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bond is a typed directed relationship between two atoms. See spec.md §3.
type Bond struct {
	SourceID       string         `json:"source_id"`
	TargetID       string         `json:"target_id"`
	DependencyType DependencyType `json:"dependency_type"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the source≠target invariant from spec.md §3.
func (b *Bond) Validate() error {
	if b.SourceID == "" || b.TargetID == "" {
		return errors.New("bond: source_id and target_id are required")
	}
	if b.SourceID == b.TargetID {
		return errors.New("bond: source_id must not equal target_id")
	}
	if b.DependencyType.IsZero() {
		return errors.New("bond: dependency_type is required")
	}
	return nil
}

// Comment is an append-only note attached to an atom. See spec.md §3.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegistryEntry is one row of ~/.eluent/repos.jsonl. See spec.md §3/§4.5.
type RegistryEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Remote       string    `json:"remote,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
