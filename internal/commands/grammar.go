package commands

import (
	"regexp"
	"strconv"
	"strings"
)

// Action is a recognized chat command.
type Action int

const (
	ActionNone Action = iota
	ActionAdd
	ActionEdit
	ActionComplete
	ActionDelete
	ActionDeleteAll
	ActionRemind
	ActionSnooze
	ActionList
	ActionSetTimezone
	ActionSetName
	ActionSetTheme
	ActionProfile
	ActionHelp
)

var actionNames = map[Action]string{
	ActionAdd:         "add",
	ActionEdit:        "edit",
	ActionComplete:    "complete",
	ActionDelete:      "delete",
	ActionDeleteAll:   "delete_all",
	ActionRemind:      "remind",
	ActionSnooze:      "snooze",
	ActionList:        "list",
	ActionSetTimezone: "set_timezone",
	ActionSetName:     "set_name",
	ActionSetTheme:    "set_theme",
	ActionProfile:     "profile",
	ActionHelp:        "help",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "none"
}

// Parsed is a chat message decoded by Parse.
type Parsed struct {
	Action Action
	Seq    int
	// Text is the description (add, edit), the time (remind), the duration
	// (snooze) or the profile value (set_*).
	Text string
	When string // add only
}

type rule struct {
	re    *regexp.Regexp
	build func(m []string) (Parsed, bool)
}

// In plain text the word "task" is required after the verb (and profile
// commands start with "tasks") so ordinary chat is not mistaken for
// commands. After a slash both are optional.
const (
	numPat = `#?(\d+)`
	tailWS = `(?:\s+(.+))?`
)

func compileRules(taskWord, tasksPrefix string) []rule {
	seqOnly := func(a Action) func([]string) (Parsed, bool) {
		return func(m []string) (Parsed, bool) {
			n, ok := atoi(m[1])
			return Parsed{Action: a, Seq: n}, ok
		}
	}
	seqText := func(a Action, need bool) func([]string) (Parsed, bool) {
		return func(m []string) (Parsed, bool) {
			n, ok := atoi(m[1])
			text := strings.TrimSpace(m[2])
			if need && text == "" {
				return Parsed{}, false
			}
			return Parsed{Action: a, Seq: n, Text: text}, ok
		}
	}
	value := func(a Action) func([]string) (Parsed, bool) {
		return func(m []string) (Parsed, bool) {
			return Parsed{Action: a, Text: strings.TrimSpace(m[1])}, true
		}
	}
	fixed := func(a Action) func([]string) (Parsed, bool) {
		return func([]string) (Parsed, bool) { return Parsed{Action: a}, true }
	}
	rx := func(p string) *regexp.Regexp { return regexp.MustCompile(`(?is)^(?:` + p + `)$`) }

	return []rule{
		{rx(`(?:del|delete|remove)\s+all` + taskWord), fixed(ActionDeleteAll)},
		{rx(`add` + taskWord + `\s+(.+?)(?:\s+remind(?:\s+me)?\s+(.+))?`), func(m []string) (Parsed, bool) {
			return Parsed{Action: ActionAdd, Text: strings.TrimSpace(m[1]), When: strings.TrimSpace(m[2])}, true
		}},
		{rx(`edit` + taskWord + `\s+` + numPat + tailWS), seqText(ActionEdit, false)},
		{rx(`(?:complete|done|finish)` + taskWord + `\s+` + numPat), seqOnly(ActionComplete)},
		{rx(`(?:del|delete|remove)` + taskWord + `\s+` + numPat), seqOnly(ActionDelete)},
		{rx(`remind(?:er)?` + taskWord + `\s+` + numPat + tailWS), seqText(ActionRemind, true)},
		{rx(`snooze` + taskWord + `\s+` + numPat + tailWS), seqText(ActionSnooze, false)},
		{rx(`(?:(?:list|view)(?:\s+my)?` + taskWord + `|(?:my\s+)?tasks)`), fixed(ActionList)},
		{rx(tasksPrefix + `set\s+(?:timezone|tz)\s+(\S.*)`), value(ActionSetTimezone)},
		{rx(tasksPrefix + `set\s+name\s+(\S.*)`), value(ActionSetName)},
		{rx(tasksPrefix + `set\s+theme\s+(\S.*)`), value(ActionSetTheme)},
		{rx(tasksPrefix + `profile`), fixed(ActionProfile)},
		{rx(`help\s+tasks|tasks\s+help`), fixed(ActionHelp)},
	}
}

var (
	plainRules = compileRules(`\s+tasks?`, `tasks\s+`)
	slashRules = append(compileRules(`(?:\s+tasks?)?`, `(?:tasks\s+)?`),
		rule{regexp.MustCompile(`(?is)^(?:help|start)(?:\s+.*)?$`), func([]string) (Parsed, bool) {
			return Parsed{Action: ActionHelp}, true
		}},
	)
)

// Parse decodes a chat message. slash says the message was a slash command
// (its leading "/" and any "@botname" already removed), which relaxes the
// grammar. ok is false when nothing matched.
func Parse(text string, slash bool) (Parsed, bool) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return Parsed{}, false
	}
	rules := plainRules
	if slash {
		rules = slashRules
	}
	for _, r := range rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if p, ok := r.build(m); ok {
			return p, true
		}
	}
	return Parsed{}, false
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
