// Package scrub strips string literals and comments out of a source buffer,
// replacing each with a synthetic label so that regex-based scanners further
// down the pipeline never have to worry about matching inside a string or a
// comment body.
package scrub

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the label prefix cimport/include scanning uses.
const DefaultPrefix = "__Pyx_L"

// Strip normalizes every string literal and line comment body in code to a
// label of the form "<prefix><n>_", returning the rewritten text and a
// mapping from label to the original contents it replaced. Quote delimiters
// are preserved around string labels; '#' is preserved before comment
// labels.
//
// Malformed (unterminated) literals are not reported as an error: Strip
// yields whatever partial output it has reached and lets the downstream
// compiler raise the authoritative diagnostic.
func Strip(code string) (string, map[string]string) {
	return StripWithPrefix(code, DefaultPrefix)
}

func StripWithPrefix(code, prefix string) (string, map[string]string) {
	var out strings.Builder
	literals := make(map[string]string)
	counter := 0

	start := 0
	q := 0
	inQuote := false
	var quoteType byte
	quoteLen := 0
	hashMark, singleQ, doubleQ := -1, -1, -1
	codeLen := len(code)

	nextLabel := func() string {
		counter++
		return fmt.Sprintf("%s%d_", prefix, counter)
	}

	for {
		if hashMark < q {
			hashMark = indexFrom(code, '#', q)
		}
		if singleQ < q {
			singleQ = indexFrom(code, '\'', q)
		}
		if doubleQ < q {
			doubleQ = indexFrom(code, '"', q)
		}
		q = minNonNegative(singleQ, doubleQ)

		if q == -1 && hashMark == -1 {
			out.WriteString(code[start:])
			break
		}

		switch {
		case inQuote:
			if q == -1 {
				// Unterminated literal: emit what we have and stop. The
				// downstream compiler raises the authoritative error.
				out.WriteString(code[start:])
				goto done
			}
			if code[q-1] == '\\' {
				k := 2
				for q-k >= 0 && code[q-k] == '\\' {
					k++
				}
				if k%2 == 0 {
					q++
					continue
				}
			}
			closes := code[q] == quoteType &&
				(quoteLen == 1 || (codeLen > q+2 && quoteType == code[q+1] && quoteType == code[q+2]))
			if closes {
				label := nextLabel()
				literals[label] = code[start+quoteLen : q]
				fullQuote := code[q : q+quoteLen]
				out.WriteString(fullQuote)
				out.WriteString(label)
				out.WriteString(fullQuote)
				q += quoteLen
				inQuote = false
				start = q
			} else {
				q++
			}

		case hashMark != -1 && (hashMark < q || q == -1):
			out.WriteString(code[start : hashMark+1])
			end := indexFrom(code, '\n', hashMark)
			label := nextLabel()
			if end == -1 {
				literals[label] = code[hashMark+1:]
				out.WriteString(label)
				start = codeLen
				q = codeLen
				goto done
			}
			literals[label] = code[hashMark+1 : end]
			out.WriteString(label)
			start = end
			q = end

		default:
			if codeLen >= q+3 && code[q] == code[q+1] && code[q] == code[q+2] {
				quoteLen = 3
			} else {
				quoteLen = 1
			}
			inQuote = true
			quoteType = code[q]
			out.WriteString(code[start:q])
			start = q
			q += quoteLen
		}
	}
done:
	return out.String(), literals
}

func indexFrom(s string, b byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from > len(s) {
		return -1
	}
	idx := strings.IndexByte(s[from:], b)
	if idx == -1 {
		return -1
	}
	return from + idx
}

func minNonNegative(a, b int) int {
	if a == -1 {
		return b
	}
	if b == -1 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
