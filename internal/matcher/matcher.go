// Package matcher checks extracted text against master sheet expectations.
//
// For a key "entity:field" the text is searched, case-insensitively, for the
// entity, whitespace, the field, optional whitespace, an optional ':' or '=',
// optional whitespace, then a captured token. The token is the expected value
// itself when the text carries it verbatim followed by a token boundary, and
// otherwise the run of word characters, dots and hyphens found there.
package matcher

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"dealcheck/internal/mastersheet"
	"dealcheck/internal/models"
)

type rule struct {
	key      string
	expected string
	prefix   *regexp.Regexp
}

// Matcher holds the compiled patterns for one mapping and is safe for concurrent use.
type Matcher struct {
	rules []rule
}

// New compiles one pattern per mapping key, in mapping order.
func New(m *mastersheet.Mapping) *Matcher {
	entries := m.Entries()
	rules := make([]rule, 0, len(entries))
	for _, e := range entries {
		rules = append(rules, rule{
			key:      e.Key(),
			expected: e.ExpectedValue,
			prefix:   compilePrefix(e.Entity, e.Field),
		})
	}
	return &Matcher{rules: rules}
}

func compilePrefix(entity, field string) *regexp.Regexp {
	// regexp rejects invalid UTF-8 even when quoted
	entity = strings.ToValidUTF8(entity, "�")
	field = strings.ToValidUTF8(field, "�")
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(entity) + `\s+` + regexp.QuoteMeta(field) + `\s*[:=]?\s*`)
}

// Len is the number of keys checked per text.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// Match returns one result per key, in mapping order.
func (m *Matcher) Match(text string) []models.MatchResult {
	results := make([]models.MatchResult, 0, len(m.rules))
	for _, r := range m.rules {
		results = append(results, r.match(text))
	}
	return results
}

// Match is a convenience for a single text.
func Match(text string, m *mastersheet.Mapping) []models.MatchResult {
	return New(m).Match(text)
}

func (r rule) match(text string) models.MatchResult {
	found := r.capture(text)
	res := models.MatchResult{Key: r.key, Expected: r.expected, Found: found}
	switch {
	case len(found) == 0:
		res.Status = models.MatchMissing
		res.Found = []string{}
	case allEqual(found, r.expected):
		res.Status = models.MatchCorrect
	default:
		res.Status = models.MatchMismatch
	}
	return res
}

// capture scans left to right for non-overlapping occurrences.
func (r rule) capture(text string) []string {
	var found []string
	pos := 0
	for pos <= len(text) {
		loc := r.prefix.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		token := tokenAt(text, end, r.expected)
		if token == "" {
			// no value after the label; retry one rune further on
			_, size := utf8.DecodeRuneInString(text[start:])
			if size == 0 {
				break
			}
			pos = start + size
			continue
		}
		found = append(found, token)
		pos = end + len(token)
	}
	return found
}

func tokenAt(text string, at int, expected string) string {
	rest := text[at:]
	if expected != "" && strings.HasPrefix(rest, expected) && !startsWithTokenChar(rest[len(expected):]) {
		return expected
	}
	n := 0
	for n < len(rest) && isTokenByte(rest[n]) {
		n++
	}
	return rest[:n]
}

func startsWithTokenChar(s string) bool {
	return s != "" && isTokenByte(s[0])
}

// isTokenByte matches [A-Za-z0-9_.-].
func isTokenByte(b byte) bool {
	return b == '_' || b == '.' || b == '-' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

func allEqual(found []string, expected string) bool {
	for _, f := range found {
		if f != expected {
			return false
		}
	}
	return true
}
