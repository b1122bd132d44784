package ulid

import (
	"fmt"
	"regexp"
	"strings"
)

// RepoNamePattern matches spec.md §3: "[a-z][a-z0-9_-]{0,31}".
var RepoNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// childSegmentPattern matches spec.md §3: "[A-Za-z0-9_-]+".
var childSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// fullAtomIDPattern recognizes `<repo>-<ulid>[.<child>]*` end to end.
var fullAtomIDPattern = regexp.MustCompile(
	`^([a-z][a-z0-9_-]{0,31})-([0-9A-HJKMNP-TV-Za-hjkmnp-tv-z]{26})((?:\.[A-Za-z0-9_-]+)*)$`)

// ComposeAtomID builds `<repo>-<ulid>` (spec.md §3).
func ComposeAtomID(repo, u string) (string, error) {
	if !RepoNamePattern.MatchString(repo) {
		return "", fmt.Errorf("ulid: invalid repo name %q", repo)
	}
	canon, ok := Canonical(u)
	if !ok {
		return "", fmt.Errorf("ulid: invalid ulid %q", u)
	}
	return repo + "-" + canon, nil
}

// ComposeChildID appends one more `.<child>` segment to an existing atom or
// child id.
func ComposeChildID(parentID, child string) (string, error) {
	if !childSegmentPattern.MatchString(child) {
		return "", fmt.Errorf("ulid: invalid child segment %q", child)
	}
	if !ValidAtomID(parentID) {
		return "", fmt.Errorf("ulid: invalid parent id %q", parentID)
	}
	return parentID + "." + child, nil
}

// ComposeCommentID builds `<atom_id>-c<index>` (spec.md §3).
func ComposeCommentID(atomID string, index int) (string, error) {
	if !ValidAtomID(atomID) {
		return "", fmt.Errorf("ulid: invalid atom id %q", atomID)
	}
	if index < 0 {
		return "", fmt.Errorf("ulid: negative comment index %d", index)
	}
	return fmt.Sprintf("%s-c%d", atomID, index), nil
}

// ValidAtomID reports whether id matches the full atom-id grammar.
func ValidAtomID(id string) bool {
	return fullAtomIDPattern.MatchString(id)
}

// ExtractRepoName returns the repo segment of a full atom id, or "" if id
// does not parse.
func ExtractRepoName(id string) string {
	m := fullAtomIDPattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractULID returns the canonical 26-char ULID segment of a full atom id,
// or "" if id does not parse.
func ExtractULID(id string) string {
	m := fullAtomIDPattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[2]
}

// ExtractRandomness returns the 16-char randomness suffix of the ULID
// embedded in id, or "" if id does not parse.
func ExtractRandomness(id string) string {
	u := ExtractULID(id)
	if u == "" {
		return ""
	}
	return u[TimestampLen:]
}

// ExtractChildSegments returns the dot-separated child path after the base
// atom id, split into parts (empty slice for a top-level atom id).
func ExtractChildSegments(id string) []string {
	m := fullAtomIDPattern.FindStringSubmatch(id)
	if m == nil || m[3] == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(m[3], "."), ".")
}
