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

package match

import "strings"

// Suffixes stripped by the stemmer, longest first so the longest
// applicable match wins.
var stemSuffixes = []string{
	"ment", "tion",
	"ing", "est",
	"ed", "es", "er", "ly",
	"s",
}

// Stem applies deterministic suffix stripping: remove the longest
// matching suffix when the remaining stem keeps at least 3 characters,
// then collapse a doubled final consonant and drop a trailing silent
// 'e' so morphological variants land on the same stem
// (betting -> bet, arbitraging and arbitrage -> arbitrag).
// Intentionally basic; not a linguistic stemmer.
func Stem(word string) string {
	stem := word
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(stem, suffix) && len(stem)-len(suffix) >= 3 {
			stem = stem[:len(stem)-len(suffix)]
			break
		}
	}

	if n := len(stem); n >= 2 && stem[n-1] == stem[n-2] && !isVowel(stem[n-1]) {
		stem = stem[:n-1]
	}
	if n := len(stem); n >= 4 && stem[n-1] == 'e' {
		stem = stem[:n-1]
	}
	return stem
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}
