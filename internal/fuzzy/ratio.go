// Package fuzzy provides approximate string similarity scores normalized to [0,1].
package fuzzy

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio returns 1 - distance/maxLen over runes. Two empty strings score 1.0.
func Ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1.0
	}
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	dist := levenshtein.ComputeDistance(a, b)
	return clamp(1.0 - float64(dist)/float64(maxLen))
}

// PartialRatio slides the shorter string over the longer one and returns the
// best Ratio of any equal-length window.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 1.0
		}
		return 0
	}

	needle := string(short)
	best := 0.0
	for start := 0; start+len(short) <= len(long); start++ {
		score := Ratio(needle, string(long[start:start+len(short)]))
		if score > best {
			best = score
			if best == 1.0 {
				break
			}
		}
	}
	return best
}

// TokenSortRatio compares both strings after sorting their whitespace tokens.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortTokens(a), sortTokens(b))
}

// TokenPartialRatio is a partial ratio aligned on token boundaries: the needle
// is compared against every run of consecutive haystack tokens whose length is
// within one token of the needle's.
func TokenPartialRatio(needle, haystack string) float64 {
	nt := strings.Fields(needle)
	ht := strings.Fields(haystack)
	if len(nt) == 0 || len(ht) == 0 {
		return 0
	}

	joined := strings.Join(nt, " ")
	best := 0.0
	for size := len(nt) - 1; size <= len(nt)+1; size++ {
		if size < 1 || size > len(ht) {
			continue
		}
		for start := 0; start+size <= len(ht); start++ {
			window := strings.Join(ht[start:start+size], " ")
			score := Ratio(joined, window)
			// Tokens glued together ("mercedesbenz") still line up.
			if alt := Ratio(strings.ReplaceAll(joined, " ", ""), strings.ReplaceAll(window, " ", "")); alt > score {
				score = alt
			}
			if score > best {
				best = score
			}
		}
	}
	return best
}

// Best returns max(PartialRatio, TokenSortRatio).
func Best(a, b string) float64 {
	p := PartialRatio(a, b)
	if p == 1.0 {
		return p
	}
	if t := TokenSortRatio(a, b); t > p {
		return t
	}
	return p
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
