/*
 * Copyright (C) 2026  Reddalert Authors
 * This file is part of Reddalert.
 *
 * Reddalert is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Reddalert is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with Reddalert.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package match decides whether a keyword's OR-group of phrases hits a
// normalized text. A phrase hits when all of its tokens appear within
// the proximity window, optionally in order and optionally compared
// after stemming. Exclusions veto the whole keyword wherever they hit.
package match

import (
	"strings"
	"unicode/utf8"

	"github.com/reddalert/reddalert/internal/normalize"
)

// Default number of tokens a phrase may spread across
const DefaultProximityWindow = 15

const snippetLength = 200

// Matching rule for one keyword
type Spec struct {
	Phrases         []string
	Exclusions      []string
	ProximityWindow int
	RequireOrder    bool
	UseStemming     bool
}

// A keyword hit. SpanStart and SpanEnd are token indices into the
// normalized text; Snippet is cut from the normalized text around them.
type Result struct {
	MatchedPhrase string
	SpanStart     int
	SpanEnd       int
	Snippet       string
	Score         float64
	AlsoMatched   []string
}

// Find runs the keyword spec against normalized content. The first
// phrase with a best hit becomes the primary; other hitting phrases
// populate AlsoMatched. Pure: same inputs always yield the same output.
func Find(content normalize.Result, spec Spec) (Result, bool) {
	if len(spec.Phrases) == 0 || len(content.Tokens) == 0 {
		return Result{}, false
	}

	window := spec.ProximityWindow
	if window <= 0 {
		window = DefaultProximityWindow
	}

	tokens := content.Tokens
	cmp := tokens
	if spec.UseStemming {
		cmp = make([]string, len(tokens))
		for i, t := range tokens {
			cmp[i] = Stem(t)
		}
	}

	// Exclusions hit under the plain phrase rule, unordered, anywhere
	// in the text. Any hit rejects the keyword outright.
	for _, excl := range spec.Exclusions {
		etoks := phraseTokens(excl, spec.UseStemming)
		if len(etoks) == 0 {
			continue
		}
		if _, _, ok := bestHit(cmp, etoks, window, false); ok {
			return Result{}, false
		}
	}

	var (
		primary     Result
		havePrimary bool
		also        []string
	)

	for _, phrase := range spec.Phrases {
		ptoks := phraseTokens(phrase, spec.UseStemming)
		if len(ptoks) == 0 {
			continue
		}
		start, end, ok := bestHit(cmp, ptoks, window, spec.RequireOrder)
		if !ok {
			continue
		}
		if !havePrimary {
			primary = Result{
				MatchedPhrase: phrase,
				SpanStart:     start,
				SpanEnd:       end,
				Score:         proximityScore(start, end, len(ptoks), window),
				Snippet:       snippet(content.Text, tokens, start, end),
			}
			havePrimary = true
		} else {
			also = append(also, phrase)
		}
	}

	if !havePrimary {
		return Result{}, false
	}
	primary.AlsoMatched = also
	return primary, true
}

func phraseTokens(phrase string, stem bool) []string {
	toks := normalize.Tokenize(strings.ToLower(phrase))
	if stem {
		for i, t := range toks {
			toks[i] = Stem(t)
		}
	}
	return toks
}

// bestHit finds the tightest placement of the phrase tokens in cmp:
// minimal span, ties broken by the leftmost start. Returns the token
// indices bounding the span.
func bestHit(cmp, ptoks []string, window int, ordered bool) (int, int, bool) {
	if len(ptoks) > window {
		return 0, 0, false
	}
	if ordered {
		return bestOrderedHit(cmp, ptoks, window)
	}
	return bestUnorderedHit(cmp, ptoks, window)
}

// Greedy subsequence scan from every possible start. The earliest
// completion for a given start is also the tightest, so tracking the
// strictly-smallest span keeps the leftmost among equals.
func bestOrderedHit(cmp, ptoks []string, window int) (int, int, bool) {
	bestSpan := window + 1
	bestStart, bestEnd := 0, 0
	for i := range cmp {
		if cmp[i] != ptoks[0] {
			continue
		}
		end := i
		j := 1
		for k := i + 1; k < len(cmp) && j < len(ptoks); k++ {
			if k-i >= window {
				break
			}
			if cmp[k] == ptoks[j] {
				end = k
				j++
			}
		}
		if j == len(ptoks) {
			span := end - i + 1
			if span < bestSpan {
				bestSpan, bestStart, bestEnd = span, i, end
			}
		}
	}
	if bestSpan > window {
		return 0, 0, false
	}
	return bestStart, bestEnd, true
}

// Sliding window with multiset needs, so repeated phrase tokens require
// repeated occurrences in the content.
func bestUnorderedHit(cmp, ptoks []string, window int) (int, int, bool) {
	need := make(map[string]int, len(ptoks))
	for _, pt := range ptoks {
		need[pt]++
	}

	have := make(map[string]int, len(need))
	satisfied := 0
	bestSpan := window + 1
	bestStart, bestEnd := 0, 0

	l := 0
	for r := 0; r < len(cmp); r++ {
		if n, wanted := need[cmp[r]]; wanted {
			have[cmp[r]]++
			if have[cmp[r]] == n {
				satisfied++
			}
		}
		for satisfied == len(need) {
			// Drop tokens the window does not need before measuring
			for {
				n, wanted := need[cmp[l]]
				if wanted && have[cmp[l]] == n {
					break
				}
				if wanted {
					have[cmp[l]]--
				}
				l++
			}
			span := r - l + 1
			if span < bestSpan {
				bestSpan, bestStart, bestEnd = span, l, r
			}
			have[cmp[l]]--
			satisfied--
			l++
		}
	}

	if bestSpan > window {
		return 0, 0, false
	}
	return bestStart, bestEnd, true
}

// Score per the proximity contract: 1.0 for an adjacent hit, trending
// to 0 as the span fills the whole window.
func proximityScore(start, end, phraseLen, window int) float64 {
	span := end - start + 1
	denom := window - phraseLen + 1
	if denom < 1 {
		denom = 1
	}
	score := 1 - float64(span-phraseLen)/float64(denom)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// snippet cuts at most snippetLength bytes of the normalized text
// centered on the matched token span, with ellipsis markers on
// truncated ends.
func snippet(text string, tokens []string, spanStart, spanEnd int) string {
	if len(text) <= snippetLength {
		return text
	}

	offsets := tokenOffsets(text, tokens)
	startChar := offsets[spanStart]
	endChar := offsets[spanEnd] + len(tokens[spanEnd])

	center := (startChar + endChar) / 2
	start := center - snippetLength/2
	if start < 0 {
		start = 0
	}
	end := start + snippetLength
	if end > len(text) {
		end = len(text)
		start = end - snippetLength
		if start < 0 {
			start = 0
		}
	}

	// Keep cuts on rune boundaries
	for start > 0 && !utf8.RuneStart(text[start]) {
		start++
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end--
	}

	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out = out + "…"
	}
	return out
}

// Map each token index to its byte offset in the normalized text.
func tokenOffsets(text string, tokens []string) []int {
	offsets := make([]int, len(tokens))
	searchFrom := 0
	for i, tok := range tokens {
		idx := strings.Index(text[searchFrom:], tok)
		if idx < 0 {
			offsets[i] = searchFrom
			continue
		}
		offsets[i] = searchFrom + idx
		searchFrom = offsets[i] + len(tok)
	}
	return offsets
}
