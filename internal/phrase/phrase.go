// Package phrase implements substring matching against a configured list of
// trigger phrases (redirection and terminate lists), normalizing both sides
// of the comparison so that Unicode look-alikes and case differences don't
// cause a missed trigger.
package phrase

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Matcher holds a normalized, lower-cased phrase list and matches
// transcripts against it by substring.
type Matcher struct {
	phrases []string
}

// New builds a Matcher from a raw phrase list. Phrases are normalized with
// NFKC and lower-cased once at construction time so Match never re-does the
// work per call.
func New(phrases []string) *Matcher {
	m := &Matcher{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		if norm := normalize(p); norm != "" {
			m.phrases = append(m.phrases, norm)
		}
	}
	return m
}

// Match reports whether transcript contains any configured phrase as a
// substring, after NFKC normalization and lower-casing. It returns the
// matched phrase in its normalized (NFKC, lower-cased) form for logging.
func (m *Matcher) Match(transcript string) (phrase string, ok bool) {
	if m == nil || len(m.phrases) == 0 {
		return "", false
	}
	normalized := normalize(transcript)
	for _, p := range m.phrases {
		if strings.Contains(normalized, p) {
			return p, true
		}
	}
	return "", false
}

// Empty reports whether the matcher has no phrases configured.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.phrases) == 0
}

func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
