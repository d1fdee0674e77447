package companion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceEnd returns the byte offset just past the first sentence boundary in
// s, or -1. Japanese full-width terminators end a sentence on their own; ASCII
// '.', '!' and '?' only when followed by whitespace, so decimals and
// abbreviations mid-token are left alone. A newline always ends a sentence.
func sentenceEnd(s string) int {
	for i, r := range s {
		next := i + utf8.RuneLen(r)
		switch r {
		case '。', '！', '？', '♪', '\n':
			return next
		case '.', '!', '?':
			if next < len(s) {
				nr, _ := utf8.DecodeRuneInString(s[next:])
				if unicode.IsSpace(nr) {
					return next
				}
			}
		}
	}
	return -1
}

// splitter accumulates streamed text and yields complete sentences.
type splitter struct {
	buf strings.Builder
}

// push appends text and returns the sentences it completed, trimmed and
// non-empty.
func (sp *splitter) push(text string) []string {
	sp.buf.WriteString(text)
	var out []string
	rest := sp.buf.String()
	for {
		idx := sentenceEnd(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx:]
	}
	sp.buf.Reset()
	sp.buf.WriteString(strings.TrimLeftFunc(rest, unicode.IsSpace))
	return out
}

// flush returns whatever text is left.
func (sp *splitter) flush() string {
	s := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return s
}
