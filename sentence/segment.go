package sentence

import "strings"

// Segmenter accumulates streamed text fragments and emits a sentence
// whenever a fragment ends in a sentence terminator. One Segmenter is
// used per generation stream; it is not safe for concurrent use.
type Segmenter struct {
	buf strings.Builder
}

// Feed appends a fragment to the running buffer. When the fragment ends
// a sentence, the accumulated buffer is returned and the accumulator is
// reset.
func (s *Segmenter) Feed(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}
	s.buf.WriteString(fragment)
	if !EndsSentence(fragment) {
		return "", false
	}
	out := s.buf.String()
	s.buf.Reset()
	return out, true
}

// Flush returns whatever has accumulated since the last emitted
// sentence. A non-empty remainder after stream exhaustion is treated as
// a final, possibly unterminated sentence.
func (s *Segmenter) Flush() string {
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// Pending reports whether any text is buffered.
func (s *Segmenter) Pending() bool {
	return s.buf.Len() > 0
}

// EndsSentence reports whether the fragment ends in '.', '!' or '?'.
func EndsSentence(fragment string) bool {
	return strings.HasSuffix(fragment, ".") ||
		strings.HasSuffix(fragment, "!") ||
		strings.HasSuffix(fragment, "?")
}
