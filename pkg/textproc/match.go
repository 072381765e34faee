package textproc

import "strings"

// Match is the outcome of a successful name search. Weak is set when the only
// evidence was a single token of a multi-part name; callers deciding whether
// extraction is "done" must treat weak matches with less confidence than a
// full-name or multi-token hit.
type Match struct {
	Name string
	Weak bool
}

// FindMatch searches recognized text for target using a prioritized
// combination strategy over normalized forms of both inputs. Tiers, strongest
// first:
//
//  1. single-token target: the token itself
//  2. the full name
//  3. every contiguous window of n-1 tokens (n >= 3)
//  4. every contiguous window of 2 tokens (n >= 3)
//  5. any single token (weak match)
//
// Longer substrings are stronger evidence, so higher tiers short-circuit
// lower ones. Matching is pure substring containment with no token-boundary
// enforcement: a target token contained in an unrelated longer word still
// matches. That is a deliberate tolerance for noisy recognition output, and a
// known source of false positives.
//
// On success the returned Match carries the original, non-normalized target.
func FindMatch(text, target string) (Match, bool) {
	normText := Normalize(text)
	normTarget := Normalize(target)

	parts := strings.Fields(normTarget)
	n := len(parts)
	if n == 0 {
		return Match{}, false
	}

	if n == 1 {
		if strings.Contains(normText, normTarget) {
			return Match{Name: target}, true
		}
		return Match{}, false
	}

	// Full name
	if strings.Contains(normText, normTarget) {
		return Match{Name: target}, true
	}

	// n-1 token windows
	if n >= 3 {
		for i := 0; i+n-1 <= n; i++ {
			window := strings.Join(parts[i:i+n-1], " ")
			if strings.Contains(normText, window) {
				return Match{Name: target}, true
			}
		}
	}

	// 2-token windows
	if n >= 3 {
		for i := 0; i+2 <= n; i++ {
			window := parts[i] + " " + parts[i+1]
			if strings.Contains(normText, window) {
				return Match{Name: target}, true
			}
		}
	}

	// Single tokens, weakest tier
	for _, part := range parts {
		if strings.Contains(normText, part) {
			return Match{Name: target, Weak: true}, true
		}
	}

	return Match{}, false
}

// Matches is the boolean variant of FindMatch for early-exit loops where only
// a yes/no answer is needed. Tier order is identical.
func Matches(text, target string) bool {
	_, ok := FindMatch(text, target)
	return ok
}
