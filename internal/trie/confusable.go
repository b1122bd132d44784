package trie

import "strings"

// confusableReplacer maps visually confusable characters to their canonical
// form (spec.md §4.2: "I→1, L→1, O→0, U→V"), applied to both stored keys and
// queries so that e.g. "abcdef0l234567" (lowercase L) and
// "ABCDEF01234567" normalize identically.
var confusableReplacer = strings.NewReplacer(
	"I", "1", "i", "1",
	"L", "1", "l", "1",
	"O", "0", "o", "0",
	"U", "V", "u", "V",
)

// NormalizeConfusables upper-cases s and folds confusable characters to a
// single canonical representative, per spec.md §4.2/§4.3 ("Case policy:
// ...randomness is uppercased").
func NormalizeConfusables(s string) string {
	return confusableReplacer.Replace(strings.ToUpper(s))
}
