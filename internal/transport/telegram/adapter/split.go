package adapter

import "strings"

// textLimit stays under Telegram's 4096 character cap to leave room for
// entity expansion.
const textLimit = 4000

func isHTML(parseMode string) bool { return strings.EqualFold(parseMode, "HTML") }

// splitText cuts s into chunks of at most limit runes. Whole lines are
// packed together; a line longer than limit is cut, and in HTML mode the
// cut is moved before an unfinished tag. The result is never empty.
func splitText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = textLimit
	}
	var (
		out []string
		cur []rune
	)
	flush := func() {
		if c := strings.Trim(string(cur), "\n"); c != "" {
			out = append(out, c)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		rs := []rune(line)
		if len(cur)+len(rs) <= limit {
			cur = append(cur, rs...)
			continue
		}
		flush()
		for len(rs) > limit {
			cut := hardCut(rs, limit, html)
			out = append(out, string(rs[:cut]))
			rs = rs[cut:]
		}
		cur = append(cur, rs...)
	}
	flush()
	if len(out) == 0 {
		return []string{s}
	}
	return out
}

// hardCut picks where to cut rs, which is longer than limit: the last space
// in the window when there is one, never inside an HTML tag.
func hardCut(rs []rune, limit int, html bool) int {
	cut := limit
	if html {
		for i := limit - 1; i > 0; i-- {
			if rs[i] == '>' {
				break
			}
			if rs[i] == '<' {
				cut = i
				break
			}
		}
	}
	for i := cut - 1; i > cut/2; i-- {
		if rs[i] == ' ' {
			return i + 1
		}
	}
	return cut
}
