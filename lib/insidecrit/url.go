// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package insidecrit

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// URL criteria have historically been written in two syntaxes:
// regular expressions and shell globs. Each pattern is compiled both
// ways independently; if only one compiles, that one is used, and if
// both compile a match from either counts (ambiguous-syntax
// tolerance). The regexp reading is anchored at the start of the URL,
// the glob reading at both ends. A pattern that compiles neither way
// is logged and contributes no match.

type urlPattern struct {
	// source is the pattern as written in the directory; reported in
	// match results.
	source string

	// asRegexp is the pattern compiled as a regular expression
	// anchored at the start of the URL, nil if it did not compile.
	asRegexp *regexp.Regexp

	// asGlob is the pattern translated from glob syntax and compiled,
	// nil if the translation did not compile.
	asGlob *regexp.Regexp
}

type orgURLPatterns struct {
	org      directory.OrgID
	patterns []urlPattern
}

func compileURLPatterns(org directory.OrgID, patterns []string, logger *slog.Logger) orgURLPatterns {
	compiled := orgURLPatterns{org: org}
	for _, source := range patterns {
		pattern := urlPattern{source: source}
		if expression, err := regexp.Compile(`\A(?:` + source + `)`); err == nil {
			pattern.asRegexp = expression
		}
		if expression, err := regexp.Compile(globToRegexp(source)); err == nil {
			pattern.asGlob = expression
		}
		if pattern.asRegexp == nil && pattern.asGlob == nil {
			logger.Warn("URL pattern compiles neither as regexp nor as glob, ignored",
				"org", org, "pattern", source)
			continue
		}
		compiled.patterns = append(compiled.patterns, pattern)
	}
	return compiled
}

// match returns the sorted, de-duplicated source patterns matching
// url.
func (p orgURLPatterns) match(url string) []string {
	seen := make(map[string]bool)
	for _, pattern := range p.patterns {
		if seen[pattern.source] {
			continue
		}
		if pattern.asRegexp != nil && pattern.asRegexp.MatchString(url) {
			seen[pattern.source] = true
			continue
		}
		if pattern.asGlob != nil && pattern.asGlob.MatchString(url) {
			seen[pattern.source] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	matched := make([]string, 0, len(seen))
	for source := range seen {
		matched = append(matched, source)
	}
	sort.Strings(matched)
	return matched
}

// globToRegexp translates a shell glob into an anchored regular
// expression: '*' matches any run of characters, '?' any single
// character, '[...]' a character set ('!' negates). Everything else
// is matched literally.
func globToRegexp(glob string) string {
	var out strings.Builder
	out.WriteString(`\A(?s:`)

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			out.WriteString(".*")
		case '?':
			out.WriteString(".")
		case '[':
			end := findSetEnd(runes, i)
			if end < 0 {
				out.WriteString(`\[`)
				continue
			}
			set := string(runes[i+1 : end])
			out.WriteString("[")
			if strings.HasPrefix(set, "!") {
				out.WriteString("^")
				set = set[1:]
			}
			// Inside a character class only backslash and the
			// closing bracket need escaping.
			set = strings.ReplaceAll(set, `\`, `\\`)
			out.WriteString(set)
			out.WriteString("]")
			i = end
		default:
			out.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	out.WriteString(`)\z`)
	return out.String()
}

// findSetEnd locates the ']' closing a glob character set opened at
// start, honoring the rule that a ']' in first position is literal.
// Returns -1 when the set never closes.
func findSetEnd(runes []rune, start int) int {
	i := start + 1
	if i < len(runes) && runes[i] == '!' {
		i++
	}
	if i < len(runes) && runes[i] == ']' {
		i++
	}
	for i < len(runes) {
		if runes[i] == ']' {
			return i
		}
		i++
	}
	return -1
}
