package privacy

import (
	"strings"
	"unicode/utf8"
)

// StreamRedactor redacts a response that arrives in fragments. It keeps the
// last holdback bytes buffered so a value split across fragments is still
// seen whole before it is emitted. With a holdback of zero every fragment is
// redacted on its own and a value split across a fragment boundary leaks.
type StreamRedactor struct {
	holdback int
	buf      strings.Builder
	redacted int
	seen     map[Category]bool
}

// NewStreamRedactor returns a redactor that holds back the given number of bytes.
func NewStreamRedactor(holdback int) *StreamRedactor {
	if holdback < 0 {
		holdback = 0
	}
	return &StreamRedactor{holdback: holdback, seen: make(map[Category]bool)}
}

// Write appends a fragment and returns the redacted text that is now safe to emit.
// The result may be empty while the buffer fills.
func (r *StreamRedactor) Write(fragment string) string {
	r.buf.WriteString(fragment)
	return r.emit(false)
}

// Flush returns whatever remains buffered, redacted.
func (r *StreamRedactor) Flush() string {
	return r.emit(true)
}

// Redactions reports how many values have been replaced so far.
func (r *StreamRedactor) Redactions() int { return r.redacted }

// Categories returns the categories redacted so far, in priority order.
func (r *StreamRedactor) Categories() []Category {
	var out []Category
	for _, p := range patterns {
		if r.seen[p.category] {
			out = append(out, p.category)
		}
	}
	return out
}

func (r *StreamRedactor) emit(final bool) string {
	text := r.buf.String()
	if text == "" {
		return ""
	}
	matches := scan(text)

	cut := len(text)
	if !final {
		cut = len(text) - r.holdback
		if cut <= 0 {
			return ""
		}
		// Never split a match; pull the cut back to the start of any match
		// that crosses it, until stable.
		for moved := true; moved; {
			moved = false
			for _, m := range matches {
				if m.Start < cut && m.End > cut {
					cut = m.Start
					moved = true
				}
			}
		}
		for cut > 0 && cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			return ""
		}
	}

	var head []Match
	for _, m := range matches {
		if m.End <= cut {
			head = append(head, m)
			r.seen[m.Category] = true
		}
	}
	r.redacted += len(head)
	out := redact(text[:cut], head)

	rest := text[cut:]
	r.buf.Reset()
	r.buf.WriteString(rest)
	return out
}
