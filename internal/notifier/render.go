package notifier

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/timeparse"
	kit "remindbot/internal/transport"
)

// Callback data prefixes of the reminder buttons; the task id follows.
const (
	CallbackComplete = "rem:done:"
	CallbackSnooze   = "rem:snooze:"
)

// CallbackAction is a parsed reminder button press.
type CallbackAction struct {
	Complete bool // otherwise snooze
	TaskID   string
}

// ParseCallback decodes reminder button data. ok is false for data that did
// not come from a reminder card.
func ParseCallback(data string) (CallbackAction, bool) {
	switch {
	case strings.HasPrefix(data, CallbackComplete):
		id := strings.TrimPrefix(data, CallbackComplete)
		return CallbackAction{Complete: true, TaskID: id}, id != ""
	case strings.HasPrefix(data, CallbackSnooze):
		id := strings.TrimPrefix(data, CallbackSnooze)
		return CallbackAction{TaskID: id}, id != ""
	}
	return CallbackAction{}, false
}

// Buttons returns the inline keyboard attached to a reminder card.
func Buttons(taskID string, plain bool) [][]kit.Button {
	done, snooze := "✅ Complete", "⏰ Snooze"
	if plain {
		done, snooze = "Complete", "Snooze"
	}
	return [][]kit.Button{{
		{Text: done, Data: CallbackComplete + taskID},
		{Text: snooze, Data: CallbackSnooze + taskID},
	}}
}

// PlainTheme reports whether a profile theme asks for text without emoji.
func PlainTheme(theme string) bool {
	switch strings.ToLower(strings.TrimSpace(theme)) {
	case "plain", "minimal", "text":
		return true
	}
	return false
}

// Render builds the reminder card text.
func Render(task domain.Task, r domain.Reminder, p domain.Profile, loc *time.Location, now time.Time) string {
	plain := PlainTheme(p.Theme)
	var b strings.Builder
	if plain {
		b.WriteString("Task Reminder\n\n")
	} else {
		b.WriteString("🔔 Task Reminder\n\n")
	}
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		fmt.Fprintf(&b, "Hi %s!\n", name)
	}
	fmt.Fprintf(&b, "Task #%d: %s\n", task.Seq, task.Description)
	b.WriteString("This task is still pending completion!\n\n")
	fmt.Fprintf(&b, "Due %s", timeparse.Describe(r.FireAt, now, loc))
	switch r.SnoozeCount {
	case 0:
	case 1:
		b.WriteString(" · snoozed once")
	default:
		fmt.Fprintf(&b, " · snoozed %d times", r.SnoozeCount)
	}
	if !task.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\nTask created %s", task.CreatedAt.In(loc).Format("2006-01-02"))
	}
	return b.String()
}
