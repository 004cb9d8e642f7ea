package reconcile

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds a pilot identity or a payment reference for comparison:
// diacritics stripped, case folded, whitespace trimmed and collapsed.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// Similarity returns a 0-100 score of how close two normalized strings are
func Similarity(a, b string) int {
	if a == b {
		return 100
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (longest - dist) * 100 / longest
}

// Resolver pairs free-text payment references with known pilot identities
type Resolver struct {
	threshold int
}

// NewResolver creates a resolver accepting fuzzy matches scoring at least
// threshold percent. A threshold of 100 accepts exact matches only.
func NewResolver(threshold int) *Resolver {
	return &Resolver{threshold: min(max(threshold, 0), 100)}
}

// Resolve returns the pilot the references point to. Pilots are expected in
// normalized form. Two different pilots scoring the same is ambiguous and
// resolves to nothing.
func (r *Resolver) Resolve(references []string, pilots []string) (string, bool) {
	if len(pilots) == 0 {
		return "", false
	}

	known := make(map[string]bool, len(pilots))
	for _, p := range pilots {
		if p != "" {
			known[p] = true
		}
	}

	var candidates []string
	for _, ref := range references {
		ref = Normalize(ref)
		if ref == "" {
			continue
		}
		candidates = append(candidates, ref)
		if tokens := strings.Fields(ref); len(tokens) > 1 {
			candidates = append(candidates, tokens...)
		}
	}

	for _, c := range candidates {
		if known[c] {
			return c, true
		}
	}

	if r.threshold >= 100 {
		return "", false
	}

	best, bestScore, ambiguous := "", -1, false
	for _, c := range candidates {
		for pilot := range known {
			score := Similarity(c, pilot)
			switch {
			case score > bestScore:
				best, bestScore, ambiguous = pilot, score, false
			case score == bestScore && pilot != best:
				ambiguous = true
			}
		}
	}

	if bestScore < r.threshold || ambiguous {
		return "", false
	}
	return best, true
}
