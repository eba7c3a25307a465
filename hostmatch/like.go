// Copyright 2024 The Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostmatch

// SQL LIKE matching over host patterns: '%' matches any run of
// characters (including none), '_' matches exactly one character,
// and '\' escapes the character that follows it so a literal '%',
// '_' or '\' can appear in a pattern. Matching is case-insensitive,
// matching MySQL's handling of the Host column.

type likeToken struct {
	anyRun bool // '%'
	anyOne bool // '_'
	lit    byte // literal byte to match, lowercased
}

type compiledPattern []likeToken

// CompileLike compiles a SQL LIKE pattern for repeated matching via
// MatchLike. Exported so other packages (grants' per-database LIKE
// matching on mysql.db.Db) can reuse the same escape-aware matcher
// instead of duplicating it.
func CompileLike(pattern string) compiledPattern {
	return compilePattern(pattern)
}

// MatchLike reports whether s matches a pattern compiled by CompileLike.
func MatchLike(pat compiledPattern, s string) bool {
	return patternMatch(pat, s)
}

// compilePattern parses a host pattern into a token sequence once, so
// repeated Matches calls against the same grant entry do not re-parse
// the escape sequences on every connection attempt.
func compilePattern(pattern string) compiledPattern {
	tokens := make(compiledPattern, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			tokens = append(tokens, likeToken{lit: lower(pattern[i])})
		case c == '%':
			tokens = append(tokens, likeToken{anyRun: true})
		case c == '_':
			tokens = append(tokens, likeToken{anyOne: true})
		default:
			tokens = append(tokens, likeToken{lit: lower(c)})
		}
	}
	return tokens
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

// patternMatch reports whether s matches the compiled pattern in
// full. Implemented as a plain recursive backtracking matcher with no
// memoization: '%' tries every possible consumed length by recursing
// on the rest of the pattern, since host strings are short (addresses
// and DNS names) and the backtracking cost is never a concern here.
func patternMatch(pat compiledPattern, s string) bool {
	return matchFrom(pat, 0, s, 0)
}

func matchFrom(pat compiledPattern, pi int, s string, si int) bool {
	for pi < len(pat) {
		tok := pat[pi]
		switch {
		case tok.anyRun:
			// Collapse consecutive '%' tokens, then try every split.
			for pi < len(pat) && pat[pi].anyRun {
				pi++
			}
			if pi == len(pat) {
				return true
			}
			for k := si; k <= len(s); k++ {
				if matchFrom(pat, pi, s, k) {
					return true
				}
			}
			return false
		case tok.anyOne:
			if si >= len(s) {
				return false
			}
			si++
			pi++
		default:
			if si >= len(s) || lower(s[si]) != tok.lit {
				return false
			}
			si++
			pi++
		}
	}
	return si == len(s)
}
