// Package segmenter consumes a lazy sequence of LLM tokens and produces
// a lazy sequence of complete sentences, per spec.md §4.4.
package segmenter

import (
	"strings"
)

// terminators close a sentence inclusive of the terminator itself.
var terminators = map[rune]bool{
	'。': true,
	'！': true,
	'？': true,
	'!': true,
	'?': true,
}

// TokenFunc pulls the next token from an upstream lazy sequence. It
// returns ok=false with a nil error on clean end-of-stream, or a
// non-nil error on failure.
type TokenFunc func() (token string, ok bool, err error)

// SentenceFunc is handed each complete sentence as it closes.
type SentenceFunc func(sentence string) error

// Run drains next, emitting each complete sentence to emit in
// generation order. It is Unicode-safe: all split positions are
// computed over runes, never raw byte offsets, so a sentence never
// splits inside a multi-byte code point.
func Run(next TokenFunc, emit SentenceFunc) error {
	var buf strings.Builder

	flushResidual := func() error {
		s := strings.TrimSpace(buf.String())
		buf.Reset()
		if s == "" {
			return nil
		}
		return emit(s)
	}

	for {
		token, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			return flushResidual()
		}

		buf.WriteString(token)

		for {
			cut, consumed, found := nextBoundary(buf.String())
			if !found {
				break
			}
			sentence := strings.TrimSpace(buf.String()[:cut])
			rest := buf.String()[consumed:]
			buf.Reset()
			buf.WriteString(rest)
			if sentence != "" {
				if err := emit(sentence); err != nil {
					return err
				}
			}
		}
	}
}

// nextBoundary scans s for the first sentence boundary, by rune. cut is
// the byte offset where the sentence text ends (inclusive of a
// terminator, exclusive of a paragraph break); consumed is the byte
// offset to resume scanning from (skips the paragraph break itself).
func nextBoundary(s string) (cut, consumed int, found bool) {
	runes := []rune(s)
	byteOffsets := make([]int, len(runes)+1)
	offset := 0
	for i, r := range runes {
		byteOffsets[i] = offset
		offset += len(string(r))
	}
	byteOffsets[len(runes)] = offset

	for i, r := range runes {
		if terminators[r] {
			end := byteOffsets[i+1]
			return end, end, true
		}
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			end := byteOffsets[i]
			skip := byteOffsets[i+2]
			return end, skip, true
		}
	}
	return 0, 0, false
}

// Collect is a convenience wrapper over Run for callers that want a
// slice instead of a callback, used by tests and by small batch tools.
func Collect(tokens []string) ([]string, error) {
	i := 0
	next := func() (string, bool, error) {
		if i >= len(tokens) {
			return "", false, nil
		}
		t := tokens[i]
		i++
		return t, true, nil
	}
	var out []string
	emit := func(sentence string) error {
		out = append(out, sentence)
		return nil
	}
	if err := Run(next, emit); err != nil {
		return nil, err
	}
	return out, nil
}
