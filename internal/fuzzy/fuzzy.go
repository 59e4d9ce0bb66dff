// Package fuzzy matches free text against keyword lists with a bounded
// edit distance. Short keywords only match exactly.
package fuzzy

import (
	"math"
	"strings"
	"unicode"
)

// DefaultFalsePositives maps a candidate n-gram to the keywords it must never
// be accepted as, even when it falls inside the edit-distance threshold.
// Entries are curated by hand. Keep this table as data.
var DefaultFalsePositives = map[string][]string{
	"doing":         {"dying"},
	"dyeing":        {"dying"},
	"drying":        {"dying"},
	"want to dye":   {"want to die"},
	"want to diet":  {"want to die"},
	"can breathe":   {"cant breathe"},
	"could breathe": {"couldnt breathe"},
	"overdone":      {"overdose"},
	"strike":        {"stroke"},
	"stoke":         {"stroke"},
	"breeding":      {"bleeding"},
	"pleading":      {"bleeding"},
	"blending":      {"bleeding"},
	"cooking":       {"choking"},
	"coking":        {"choking"},
	"chest gain":    {"chest pain"},
}

// Matcher finds keywords in free text.
type Matcher struct {
	falsePositives map[string]map[string]bool
}

// NewMatcher builds a Matcher with the given exclusion table. A nil table uses
// DefaultFalsePositives.
func NewMatcher(falsePositives map[string][]string) *Matcher {
	if falsePositives == nil {
		falsePositives = DefaultFalsePositives
	}
	m := &Matcher{falsePositives: make(map[string]map[string]bool, len(falsePositives))}
	for candidate, keywords := range falsePositives {
		key := Normalize(candidate)
		if m.falsePositives[key] == nil {
			m.falsePositives[key] = make(map[string]bool, len(keywords))
		}
		for _, kw := range keywords {
			m.falsePositives[key][Normalize(kw)] = true
		}
	}
	return m
}

// Match returns the canonical keywords found in text, each at most once, in
// the order they appear in keywords.
func (m *Matcher) Match(text string, keywords []string) []string {
	tokens := strings.Fields(Normalize(text))
	if len(tokens) == 0 {
		return nil
	}

	var hits []string
	seen := make(map[string]bool, len(keywords))
	for _, keyword := range keywords {
		if seen[keyword] {
			continue
		}
		if m.matchKeyword(tokens, keyword) {
			seen[keyword] = true
			hits = append(hits, keyword)
		}
	}
	return hits
}

// Contains reports whether keyword occurs in text.
func (m *Matcher) Contains(text, keyword string) bool {
	return m.matchKeyword(strings.Fields(Normalize(text)), keyword)
}

func (m *Matcher) matchKeyword(tokens []string, keyword string) bool {
	norm := Normalize(keyword)
	if norm == "" {
		return false
	}
	size := len(strings.Fields(norm))
	if size > len(tokens) {
		return false
	}
	kwRunes := []rune(norm)
	threshold := Threshold(norm)

	for i := 0; i+size <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+size], " ")
		if window == norm {
			return true
		}
		if threshold == 0 {
			continue
		}
		wRunes := []rune(window)
		if wRunes[0] != kwRunes[0] {
			continue
		}
		if abs(len(wRunes)-len(kwRunes)) > threshold {
			continue
		}
		if m.falsePositives[window][norm] {
			continue
		}
		if boundedDistance(wRunes, kwRunes, threshold) <= threshold {
			return true
		}
	}
	return false
}

// Threshold returns the maximum edit distance accepted for keyword: exact for
// four characters or fewer, one up to seven, then a fifth of the length.
func Threshold(keyword string) int {
	n := len([]rune(keyword))
	switch {
	case n <= 4:
		return 0
	case n <= 7:
		return 1
	default:
		return int(math.Floor(0.2 * float64(n)))
	}
}

// Distance is the classic Levenshtein distance between a and b.
func Distance(a, b string) int {
	return boundedDistance([]rune(a), []rune(b), -1)
}

// BoundedDistance returns the edit distance between a and b, or limit+1 as soon
// as the distance is known to exceed limit.
func BoundedDistance(a, b string, limit int) int {
	return boundedDistance([]rune(a), []rune(b), limit)
}

func boundedDistance(a, b []rune, limit int) int {
	if len(a) == 0 {
		return capped(len(b), limit)
	}
	if len(b) == 0 {
		return capped(len(a), limit)
	}
	if limit >= 0 && abs(len(a)-len(b)) > limit {
		return limit + 1
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if limit >= 0 && rowMin > limit {
			return limit + 1
		}
		prev, curr = curr, prev
	}
	return capped(prev[len(b)], limit)
}

// Normalize lowercases text, drops apostrophes and replaces every other
// punctuation or symbol with a space.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func capped(d, limit int) int {
	if limit >= 0 && d > limit {
		return limit + 1
	}
	return d
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
