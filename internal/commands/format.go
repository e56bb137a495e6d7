package commands

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/notifier"
	"remindbot/internal/task/store"
	"remindbot/internal/timeparse"
)

// style renders replies for one profile: HTML, with or without emoji.
type style struct {
	plain bool
	loc   *time.Location
	now   time.Time
}

func newStyle(p domain.Profile, loc *time.Location, now time.Time) style {
	if loc == nil {
		loc = time.UTC
	}
	return style{plain: notifier.PlainTheme(p.Theme), loc: loc, now: now}
}

func (st style) title(emoji, text string) string {
	if st.plain || emoji == "" {
		return "<b>" + text + "</b>"
	}
	return "<b>" + emoji + " " + text + "</b>"
}

func (st style) emoji(e string) string {
	if st.plain {
		return ""
	}
	return " " + e
}

func (st style) when(t time.Time) string {
	return timeparse.Describe(t, st.now, st.loc)
}

func card(title string, lines ...string) string {
	return title + "\n" + strings.Join(lines, "\n")
}

func esc(s string) string { return html.EscapeString(s) }

func taskLine(t domain.Task) string {
	return fmt.Sprintf("Task #%d: %s", t.Seq, esc(t.Description))
}

func (st style) added(a Added) string {
	lines := []string{taskLine(a.Task)}
	if a.Reminder != nil {
		lines = append(lines, "I'll remind you "+st.when(a.Reminder.FireAt)+".")
	}
	return card(st.title("✅", "Task Added"), lines...)
}

func (st style) edited(t domain.Task) string {
	return card(st.title("✅", "Task Updated"), taskLine(t))
}

func (st style) completed(t domain.Task) string {
	return card(st.title("✅", "Task Completed"),
		fmt.Sprintf("Task #%d has been marked as complete.", t.Seq),
		"Great job!"+st.emoji("🎉"))
}

func (st style) deleted(t domain.Task) string {
	return card(st.title("🗑", "Task Deleted"), taskLine(t))
}

func (st style) deletedAll(n int) string {
	if n == 0 {
		return card(st.title("ℹ️", "No Tasks"), "You don't have any tasks to delete.")
	}
	return card(st.title("✅", "All Tasks Deleted"), fmt.Sprintf("Deleted %d %s from your list.", n, plural(n, "task", "tasks")))
}

func (st style) reminderSet(seq int, r domain.Reminder) string {
	return card(st.title("⏰", "Reminder Set"),
		fmt.Sprintf("I'll remind you about task #%d %s.", seq, st.when(r.FireAt)))
}

func (st style) snoozed(seq int, r domain.Reminder) string {
	about := "this task"
	if seq > 0 {
		about = fmt.Sprintf("task #%d", seq)
	}
	line := fmt.Sprintf("I'll remind you about %s %s", about, st.when(r.FireAt))
	if d := r.FireAt.Sub(st.now); d > 0 {
		line += " (in " + timeparse.DescribeDuration(d) + ")"
	}
	return card(st.title("⏰", "Reminder Snoozed"), line+".")
}

func (st style) list(p domain.Profile, views []store.TaskView) string {
	heading := "Your Tasks"
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		heading = esc(name) + "'s Tasks"
	}
	if len(views) == 0 {
		return card(st.title("📝", heading), "<i>No tasks in your list.</i>")
	}
	lines := make([]string, 0, len(views)+2)
	done := 0
	for _, v := range views {
		t := v.Task
		line := fmt.Sprintf("<code>%d</code> • ", t.Seq)
		if t.Completed {
			done++
			if !st.plain {
				line += "✅ "
			}
			line += "<s>" + esc(t.Description) + "</s>"
		} else {
			line += esc(t.Description)
		}
		if v.Reminder != nil {
			line += " <i>(" + st.when(v.Reminder.FireAt) + ")</i>"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", fmt.Sprintf("<i>%d total • %d completed</i>", len(views), done))
	return card(st.title("📝", heading), lines...)
}

func (st style) timezoneSet(p domain.Profile) string {
	return card(st.title("✅", "Timezone Updated"),
		"Your timezone is now <code>"+esc(p.Timezone)+"</code>.",
		"Local time: "+st.now.In(st.loc).Format("Mon Jan 2, 3:04 PM")+".")
}

func (st style) nameSet(p domain.Profile) string {
	if p.DisplayName == "" {
		return card(st.title("✅", "Display Name Cleared"), "I'll use your chat name.")
	}
	return card(st.title("✅", "Display Name Updated"), "I'll call you "+esc(p.DisplayName)+".")
}

func (st style) themeSet(p domain.Profile) string {
	return card(st.title("✅", "Theme Updated"), "Theme: <code>"+esc(p.Theme)+"</code>")
}

func (st style) profile(p domain.Profile) string {
	name := p.DisplayName
	if name == "" {
		name = "(not set)"
	}
	theme := p.Theme
	if theme == "" {
		theme = "default"
	}
	return card(st.title("👤", "Your Task Profile"),
		"<b>Display Name:</b> "+esc(name),
		"<b>Timezone:</b> "+esc(p.Timezone),
		"<b>Theme:</b> "+esc(theme),
		"",
		"<b>Change settings:</b>",
		"• <code>tasks set name &lt;name&gt;</code>",
		"• <code>tasks set timezone &lt;zone&gt;</code>",
		"• <code>tasks set theme plain|default</code>")
}

func (st style) editPrompt(t domain.Task, ttl time.Duration) string {
	return card(st.title("✏️", "Edit Task"),
		taskLine(t),
		"Send the new description within "+timeparse.DescribeDuration(ttl)+", or <code>/cancel</code>.")
}

// timeFormats documents the accepted reminder times. Shared by the guide
// and time parse errors.
const timeFormats = "• Relative: <code>in 5m</code>, <code>2h</code>, <code>in 3 days</code>\n" +
	"• Clock: <code>3:30pm</code>, <code>tomorrow at 2pm</code>, <code>next friday 9am</code>\n" +
	"• Date: <code>dec 25 at 9am</code>, <code>2024-12-25 09:00</code>"

func (st style) guide() string {
	return card(st.title("📋", "Task Commands"),
		"<code>add task &lt;description&gt; [remind &lt;when&gt;]</code>",
		"<code>edit task #&lt;n&gt; [new description]</code>",
		"<code>complete task #&lt;n&gt;</code>",
		"<code>del task #&lt;n&gt;</code> · <code>del all tasks</code>",
		"<code>remind task #&lt;n&gt; &lt;when&gt;</code>",
		"<code>snooze task #&lt;n&gt; [duration]</code>",
		"<code>view tasks</code>",
		"<code>tasks set timezone|name|theme &lt;value&gt;</code> · <code>tasks profile</code>",
		"",
		"Every command also works as a slash command, e.g. <code>/add buy milk remind in 1h</code>.",
		"",
		"<b>Times</b>",
		timeFormats)
}

// failure renders err for the user. Internal errors get a generic message.
func (st style) failure(err error) string {
	switch domain.CodeOf(err) {
	case domain.CodeLimit:
		var le *domain.LimitExceededError
		limit := 0
		if errors.As(err, &le) {
			limit = le.Limit
		}
		return card(st.title("❌", "Task Limit Reached"),
			fmt.Sprintf("You can have at most %d tasks. Complete or delete some first.", limit))
	case domain.CodeValidation:
		var ve *domain.ValidationError
		if errors.As(err, &ve) && ve.Field == "timezone" {
			return card(st.title("❌", "Invalid Timezone"),
				"Use an IANA zone name, for example:",
				"• <code>America/New_York</code>",
				"• <code>Europe/London</code>",
				"• <code>Asia/Tokyo</code>",
				"• <code>UTC</code>")
		}
		return card(st.title("❌", "Invalid Input"), esc(sentence(err.Error())))
	case domain.CodeParse:
		return card(st.title("❌", "Invalid Time Format"), esc(sentence(err.Error())), "Try:", timeFormats)
	case domain.CodeNotFound:
		return card(st.title("❌", "Not Found"), esc(sentence(err.Error())),
			"It may have been completed or deleted. Send <code>view tasks</code> to see your list.")
	}
	return card(st.title("❌", "Something Went Wrong"), "Please try again in a moment.")
}

func sentence(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToUpper(s[:1]) + s[1:]
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
