package timeparse

import (
	"strconv"
	"time"
)

// Describe renders t for a chat reply relative to now, both shown in loc:
// "today at 3:04 PM", "tomorrow at 9:00 AM", "Mon Jan 8 at 2:00 PM", or
// with the year when t is not in now's year.
func Describe(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	t, now = t.In(loc), now.In(loc)
	clock := t.Format("3:04 PM")
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, loc)
	day := time.Date(ty, tm, td, 0, 0, 0, 0, loc)
	switch {
	case day.Equal(today):
		return "today at " + clock
	case day.Equal(today.AddDate(0, 0, 1)):
		return "tomorrow at " + clock
	case day.Equal(today.AddDate(0, 0, -1)):
		return "yesterday at " + clock
	case ty == ny:
		return t.Format("Mon Jan 2") + " at " + clock
	}
	return t.Format("Mon Jan 2, 2006") + " at " + clock
}

// DescribeDuration renders d in the largest whole units, e.g. "1h 30m".
func DescribeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	d = d.Round(time.Minute)
	days := d / day
	d -= days * day
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute

	out := ""
	add := func(n time.Duration, unit string) {
		if n == 0 {
			return
		}
		if out != "" {
			out += " "
		}
		out += strconv.FormatInt(int64(n), 10) + unit
	}
	add(days, "d")
	add(h, "h")
	add(m, "m")
	return out
}
