// Package resolver implements the confusable-tolerant identifier lookup
// described in spec.md §4.3: given a user-typed string and an optional
// current repo, classify it into exactly one of five outcomes.
package resolver

import (
	"strings"

	"github.com/untoldecay/eluent/internal/trie"
	"github.com/untoldecay/eluent/internal/types"
	"github.com/untoldecay/eluent/internal/ulid"
)

// Kind tags which variant of Outcome is populated. Go has no sum types, so
// resolution results are modeled as a struct with a discriminant field
// rather than as exceptions (spec.md §9: "The resolver's five outcomes...
// form such a tagged variant").
type Kind int

const (
	// KindInvalidInput is returned for empty or whitespace-only input.
	KindInvalidInput Kind = iota
	// KindRelativeRef is returned for input beginning with '.'; resolution
	// of the suffix against a parent id is deferred to the caller, which
	// has the current-atom context the resolver itself lacks.
	KindRelativeRef
	// KindHit is returned when exactly one atom matches.
	KindHit
	// KindNotFound is returned when zero atoms match.
	KindNotFound
	// KindAmbiguous is returned when more than one atom matches a prefix.
	KindAmbiguous
	// KindTooShort is returned when the normalized body is under 4
	// characters and not a full id or exact match.
	KindTooShort
)

// Outcome is the tagged result of Resolve. Only the fields relevant to Kind
// are populated.
type Outcome struct {
	Kind Kind

	// KindHit
	Atom *types.Atom

	// KindAmbiguous
	Candidates      []*types.Atom
	MinimumPrefixes map[string]string // atom id -> minimum unique prefix

	// KindRelativeRef
	Suffix string
}

// Indexer is the subset of *trie.Indexer the resolver depends on.
type Indexer interface {
	FindByID(id string) (*types.Atom, bool)
	FindByRandomnessPrefix(prefix string, repo string) []*types.Atom
	MinimumUniquePrefix(repo, randomness string) (string, bool)
}

var _ Indexer = (*trie.Indexer)(nil)

// Resolve classifies input against idx, using currentRepo when input carries
// no explicit repo prefix (spec.md §4.3).
func Resolve(idx Indexer, input string, currentRepo string) Outcome {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Outcome{Kind: KindInvalidInput}
	}

	if strings.HasPrefix(trimmed, ".") {
		return Outcome{Kind: KindRelativeRef, Suffix: trimmed}
	}

	if ulid.ValidAtomID(trimmed) {
		if a, ok := idx.FindByID(trimmed); ok {
			return Outcome{Kind: KindHit, Atom: a}
		}
		return Outcome{Kind: KindNotFound}
	}

	repo := currentRepo
	body := trimmed
	if idx2 := strings.IndexByte(trimmed, '-'); idx2 > 0 {
		candidateRepo := trimmed[:idx2]
		if ulid.RepoNamePattern.MatchString(candidateRepo) {
			repo = strings.ToLower(candidateRepo)
			body = trimmed[idx2+1:]
		}
	}

	normalized := trie.NormalizeConfusables(body)
	if len(normalized) < 4 {
		return Outcome{Kind: KindTooShort}
	}

	matches := idx.FindByRandomnessPrefix(normalized, repo)
	switch len(matches) {
	case 0:
		return Outcome{Kind: KindNotFound}
	case 1:
		return Outcome{Kind: KindHit, Atom: matches[0]}
	default:
		minPrefixes := make(map[string]string, len(matches))
		for _, a := range matches {
			r := ulid.ExtractRepoName(a.ID)
			randomness := ulid.ExtractRandomness(a.ID)
			if p, ok := idx.MinimumUniquePrefix(r, randomness); ok {
				minPrefixes[a.ID] = p
			}
		}
		return Outcome{Kind: KindAmbiguous, Candidates: matches, MinimumPrefixes: minPrefixes}
	}
}
