// Package redact masks personal data in user text before it is logged or archived.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Text replaces emails, card numbers and phone numbers with placeholders.
// Cards go before phones since a card number also matches the phone pattern.
func Text(s string) string {
	s = emailRe.ReplaceAllString(s, "[email]")
	s = cardRe.ReplaceAllString(s, "[card]")
	return phoneRe.ReplaceAllString(s, "[phone]")
}

// Map redacts every value of m into a new map and reports whether any changed.
func Map(m map[string]string) (map[string]string, bool) {
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(m))
	changed := false
	for k, v := range m {
		out[k] = Text(v)
		changed = changed || out[k] != v
	}
	return out, changed
}

// Preview redacts s, folds whitespace and cuts the result to at most max runes.
func Preview(s string, max int) string {
	s = strings.Join(strings.Fields(Text(s)), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
