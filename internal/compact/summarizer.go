// Package compact implements the tiered aging pipeline from spec.md
// §4.9/§4.10: deterministic description summarization and comment
// digesting (C9), plus eligibility selection and batch application (C10).
package compact

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/untoldecay/eluent/internal/types"
)

// Tier targets (spec.md §4.9).
const (
	Tier1MaxLen = 500
	Tier2MaxLen = 100
)

var sentenceBoundary = regexp.MustCompile(`[.!?]`)

// SummarizeTier1 compacts description to at most Tier1MaxLen characters,
// cutting at the last sentence boundary within the second half of the
// truncation window when one exists, else hard-cutting with an ellipsis
// (spec.md §4.9).
func SummarizeTier1(description string) string {
	if len(description) <= Tier1MaxLen {
		return description
	}
	window := description[:Tier1MaxLen]
	half := Tier1MaxLen / 2
	if cut := lastSentenceBoundary(window[half:]); cut >= 0 {
		return window[:half+cut+1]
	}
	return window[:Tier1MaxLen-1] + "…"
}

// SummarizeTier2 compacts description to at most Tier2MaxLen characters:
// the first sentence of the first line, preserving terminal punctuation
// (spec.md §4.9).
func SummarizeTier2(description string) string {
	firstLine := description
	if i := strings.IndexByte(description, '\n'); i >= 0 {
		firstLine = description[:i]
	}
	if len(firstLine) > Tier2MaxLen {
		firstLine = firstLine[:Tier2MaxLen]
	}
	if loc := sentenceBoundary.FindStringIndex(firstLine); loc != nil {
		return firstLine[:loc[1]]
	}
	if len(firstLine) > Tier2MaxLen {
		return firstLine[:Tier2MaxLen]
	}
	return firstLine
}

func lastSentenceBoundary(s string) int {
	last := -1
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			last = i
		}
	}
	return last
}

// CommentDigest is the synthetic summary produced for compacted comments
// (spec.md §4.9).
type CommentDigest struct {
	Count           int
	DistinctAuthors int
	DateRange       string
	Highlights      []string
}

var keyPhrases = []string{"resolved", "fixed", "decided", "concluded", "agreed"}

// SummarizeComments produces a digest of comments, assumed sorted oldest
// first (spec.md §4.9).
func SummarizeComments(comments []*types.Comment) CommentDigest {
	digest := CommentDigest{Count: len(comments)}
	if len(comments) == 0 {
		return digest
	}

	authors := make(map[string]struct{})
	for _, c := range comments {
		authors[c.Author] = struct{}{}
	}
	digest.DistinctAuthors = len(authors)

	first := comments[0].CreatedAt
	last := comments[len(comments)-1].CreatedAt
	if sameDay(first, last) {
		digest.DateRange = first.Format("2006-01-02")
	} else {
		digest.DateRange = fmt.Sprintf("%s to %s", first.Format("2006-01-02"), last.Format("2006-01-02"))
	}

	digest.Highlights = pickHighlights(comments)
	return digest
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func pickHighlights(comments []*types.Comment) []string {
	var out []string
	add := func(c *types.Comment) {
		out = append(out, highlightLine(c))
	}

	add(comments[0])
	last := comments[len(comments)-1]
	lastDistinct := !last.CreatedAt.Equal(comments[0].CreatedAt) || last.ID != comments[0].ID
	if lastDistinct {
		add(last)
	}

	middle := comments
	if len(comments) > 2 {
		middle = comments[1 : len(comments)-1]
	} else {
		middle = nil
	}
	added := 0
	for _, c := range middle {
		if added >= 2 {
			break
		}
		if containsKeyPhrase(c.Content) {
			add(c)
			added++
		}
	}

	if len(out) > 4 {
		out = out[:4]
	}
	return out
}

func containsKeyPhrase(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range keyPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func highlightLine(c *types.Comment) string {
	line := fmt.Sprintf("%s: %s", c.Author, c.Content)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}
