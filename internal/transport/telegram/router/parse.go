package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID returns a short id that ties together the log lines of one
// request.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// closingQuote maps the quote characters accepted around multi-word
// arguments to their closing form. Phone keyboards often type curly quotes.
var closingQuote = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'“':  '”',
	'„':  '“',
	'«':  '»',
}

// tokenizeCommandLine splits command text into words. Quotes group words
// and a backslash escapes the next character:
//
//	/add "call mom" remind tomorrow
//	/add “call mom” remind tomorrow
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		word    strings.Builder
		started bool
		closeQ  rune
		escaped bool
	)
	emit := func() {
		if started {
			out = append(out, word.String())
			word.Reset()
			started = false
		}
	}
	for _, r := range s {
		switch {
		case escaped:
			word.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, started = true, true
		case closeQ != 0:
			if r == closeQ {
				closeQ = 0
			} else {
				word.WriteRune(r)
			}
		case unicode.IsSpace(r):
			emit()
		default:
			if c, ok := closingQuote[r]; ok && !started {
				closeQ, started = c, true
				continue
			}
			word.WriteRune(r)
			started = true
		}
	}
	emit()
	return out
}

// commandWord extracts the command name from the first word of a slash
// message: "/Add@remind_bot" -> "add".
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
