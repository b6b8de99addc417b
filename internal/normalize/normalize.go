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

// Package normalize canonicalizes raw Reddit text into a matchable form:
// lowercased, markdown and URLs stripped, whitespace collapsed, split
// into sentences and word tokens.
package normalize

import (
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// Result of normalizing one piece of text
type Result struct {
	Text      string
	Tokens    []string
	Sentences []string
}

// Patterns compiled once at package level
var (
	urlPattern        = regexp.MustCompile(`(?:https?://|www\.)\S+`)
	imagePattern      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	boldPattern       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikePattern     = regexp.MustCompile(`~~(.+?)~~`)
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	blockquotePattern = regexp.MustCompile(`(?m)^>\s?`)
	headingPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	hrulePattern      = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	superscriptPat    = regexp.MustCompile(`\^(\S+)`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	tokenPattern      = regexp.MustCompile(`[a-z0-9'-]+`)

	// Single * not part of **; needs lookarounds, which the stdlib
	// regexp engine does not support.
	italicPattern = regexp2.MustCompile(`(?<!\*)\*(?!\*)(.+?)(?<!\*)\*(?!\*)`, regexp2.None)

	// Sentence boundary: a punctuation run followed by whitespace. The
	// punctuation stays attached to the sentence it ends.
	sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)
)

// Normalize canonicalizes raw text. It is total (never fails),
// deterministic, and idempotent: Normalize(Normalize(x).Text) yields
// the same result.
func Normalize(raw string) Result {
	if strings.TrimSpace(raw) == "" {
		return Result{}
	}

	text := strings.ToLower(raw)
	text = stripMarkdown(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))

	return Result{
		Text:      text,
		Tokens:    Tokenize(text),
		Sentences: segmentSentences(text),
	}
}

// Tokenize splits already-lowercased text into word tokens, dropping
// punctuation. The matcher uses the same rule for keyword phrases so
// phrase and content tokens stay comparable.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// Remove Reddit markdown syntax, keeping the inner text. This is
// character-class erasure, not a markdown parser.
func stripMarkdown(text string) string {
	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = boldPattern.ReplaceAllString(text, "$1")
	if out, err := italicPattern.Replace(text, "$1", -1, -1); err == nil {
		text = out
	}
	text = strikePattern.ReplaceAllString(text, "$1")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = blockquotePattern.ReplaceAllString(text, "")
	text = headingPattern.ReplaceAllString(text, "")
	text = hrulePattern.ReplaceAllString(text, "")
	text = superscriptPat.ReplaceAllString(text, "$1")
	return text
}

func segmentSentences(text string) []string {
	if text == "" {
		return nil
	}
	var sentences []string
	prev := 0
	for _, m := range sentenceBoundary.FindAllStringIndex(text, -1) {
		// Cut after the punctuation run, before the whitespace
		cut := m[0]
		for cut < m[1] && (text[cut] == '.' || text[cut] == '!' || text[cut] == '?') {
			cut++
		}
		if s := strings.TrimSpace(text[prev:cut]); s != "" {
			sentences = append(sentences, s)
		}
		prev = m[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
