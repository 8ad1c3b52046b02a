// Package sentence turns a streamed token sequence into speakable
// sentences: it detects sentence boundaries and strips artifacts that a
// synthesis voice should not read aloud.
package sentence

import (
	"regexp"
	"strings"
)

var (
	tildeRuns      = regexp.MustCompile(`~+`)
	parentheticals = regexp.MustCompile(`\(.*?\)`)
	emphasisSpans  = regexp.MustCompile(`(\*[^*]+\*)|(_[^_]+_)`)
	nonASCII       = regexp.MustCompile(`[^\x00-\x7F]+`)
)

// Sanitize strips non-speakable artifacts from a text fragment before it
// is handed to speech synthesis: parenthetical asides, *emphasis* and
// _emphasis_ spans, runs of tildes (collapsed to a single exclamation
// mark), and anything outside 7-bit ASCII. The result is trimmed.
//
// Sanitize is total and idempotent.
func Sanitize(fragment string) string {
	fragment = tildeRuns.ReplaceAllString(fragment, "!")
	fragment = parentheticals.ReplaceAllString(fragment, "")
	fragment = emphasisSpans.ReplaceAllString(fragment, "")
	fragment = nonASCII.ReplaceAllString(fragment, "")
	return strings.TrimSpace(fragment)
}
