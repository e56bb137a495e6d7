// Package timeparse turns freeform reminder times ("in 2h", "tomorrow at
// 2pm", "next friday", "dec 25th 4pm") into absolute UTC instants relative to
// a user's timezone.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/domain"
)

const (
	day = 24 * time.Hour

	// maxAhead bounds relative offsets so unit multiplication cannot overflow.
	maxAhead = 10 * 365 * day
)

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": day, "day": day, "days": day,
	"w": 7 * day, "wk": 7 * day, "wks": 7 * day, "week": 7 * day, "weeks": 7 * day,
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// Words that are meaningful on their own but only in combination with
// others; used to find the offending token of a bad input.
var connectives = map[string]bool{
	"in": true, "at": true, "on": true, "next": true, "this": true, "and": true,
	"a": true, "an": true, "of": true, "the": true, "after": true,
	"today": true, "tomorrow": true, "tmr": true, "tmrw": true, "week": true,
	"noon": true, "midnight": true, "am": true, "pm": true,
}

var (
	relPart    = regexp.MustCompile(`^(?:(\d{1,9})\s*|(an?)\s+)([a-z]+)(?:\s+and\s+|\s+)?`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	monthDayRe = regexp.MustCompile(`^([a-z]+)\s+(\d{1,2})(?:st|nd|rd|th)?(?:\s+(\d{4}))?$`)
	dayMonthRe = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?([a-z]+)(?:\s+(\d{4}))?$`)
	isoDateRe  = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	numericTok = regexp.MustCompile(`^\d+(?:st|nd|rd|th|:\d{2}(?:am|pm)?|am|pm|[a-z]{1,7}(?:\d+[a-z]{1,7})*)?$|^\d{4}-\d{2}-\d{2}$`)
)

// roll says how a resolved instant that is not after now moves forward.
type roll int

const (
	rollNone roll = iota // past is an error
	rollDay
	rollWeek
	rollYear
)

type dayRef struct {
	y     int
	m     time.Month
	d     int
	roll  roll
	today bool
}

// Parser resolves times against per-user timezones. Loaded locations are
// cached; a Parser is safe for concurrent use.
type Parser struct {
	mu   sync.Mutex
	locs map[string]*time.Location
}

func New() *Parser {
	return &Parser{locs: map[string]*time.Location{}}
}

// Parse resolves input in timezone tz relative to now and returns a UTC
// instant strictly after now. An unknown timezone is a ValidationError;
// anything the grammar does not cover is a ParseError.
func (p *Parser) Parse(input, tz string, now time.Time) (time.Time, error) {
	loc, err := p.location(tz)
	if err != nil {
		return time.Time{}, err
	}
	return ParseIn(input, loc, now)
}

func (p *Parser) location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if loc, ok := p.locs[tz]; ok {
		return loc, nil
	}
	if tz == "Local" {
		return nil, domain.NewValidation("timezone", "\"Local\" is not a timezone name")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.NewValidation("timezone", "unknown timezone "+strconv.Quote(tz))
	}
	p.locs[tz] = loc
	return loc, nil
}

// ParseIn is Parse with an already loaded location.
func ParseIn(input string, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw := strings.TrimSpace(input)
	if raw == "" {
		return time.Time{}, &domain.ParseError{Input: input, Reason: "empty time"}
	}
	if t, ok := parseISO(raw, loc); ok {
		return finish(input, t, now)
	}

	s := normalize(raw)
	toks := strings.Fields(s)
	if len(toks) == 0 {
		return time.Time{}, &domain.ParseError{Input: input, Reason: "empty time"}
	}

	if toks[0] == "in" {
		d, ok, err := relative(input, toks[1:])
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return finish(input, now.Add(d), now)
		}
	} else if d, ok, err := relative(input, toks); err != nil {
		return time.Time{}, err
	} else if ok {
		return finish(input, now.Add(d), now)
	}

	local := now.In(loc)

	// Bare clock: "9pm", "at 21:00", "noon".
	if h, m, ok := clockTokens(toks); ok {
		return finish(input, resolve(todayRef(local), h, m, loc, now), now)
	}

	// Date alone means local midnight.
	if ref, ok := parseDay(toks, local); ok {
		if ref.today {
			return time.Time{}, &domain.ParseError{Input: input, Fragment: "today", Reason: "\"today\" needs a time, e.g. \"today at 5pm\""}
		}
		return finish(input, resolve(ref, 0, 0, loc, now), now)
	}

	for i := 1; i < len(toks); i++ {
		left, right := toks[:i], toks[i:]
		// <day> [at] <clock>
		if ref, ok := parseDay(left, local); ok {
			if h, m, ok := clockTokens(right); ok {
				return finish(input, resolve(ref, h, m, loc, now), now)
			}
		}
		// [at] <clock> [on] <day>
		if h, m, ok := clockTokens(left); ok {
			if ref, ok := parseDay(right, local); ok {
				return finish(input, resolve(ref, h, m, loc, now), now)
			}
		}
	}

	return time.Time{}, &domain.ParseError{Input: input, Fragment: offending(toks, s)}
}

// ParseDuration parses a snooze length: "15m", "1h30m", "2 hours", "in 10
// minutes", or a bare number of minutes.
func ParseDuration(input string) (time.Duration, error) {
	s := normalize(input)
	if s == "" {
		return 0, &domain.ParseError{Input: input, Reason: "empty duration"}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || time.Duration(n) > maxAhead/time.Minute {
			return 0, domain.NewValidation("duration", "must be a positive number of minutes")
		}
		return time.Duration(n) * time.Minute, nil
	}
	toks := strings.Fields(s)
	if toks[0] == "in" {
		toks = toks[1:]
	}
	d, ok, err := relative(input, toks)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &domain.ParseError{Input: input, Fragment: offending(toks, s)}
	}
	if d <= 0 {
		return 0, domain.NewValidation("duration", "must be positive")
	}
	return d, nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(",", " ", "a.m.", "am", "p.m.", "pm").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func finish(input string, t, now time.Time) (time.Time, error) {
	if t.Equal(now) {
		t = t.Add(time.Minute)
	}
	if t.Before(now) {
		return time.Time{}, &domain.ParseError{Input: input, Reason: "that time is in the past"}
	}
	return t.UTC(), nil
}

func parseISO(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// relative parses a sequence of "<n> <unit>" pairs. ok is false when toks is
// not a duration at all; err is set when it is one but out of range.
func relative(input string, toks []string) (time.Duration, bool, error) {
	rest := strings.Join(toks, " ")
	if rest == "" {
		return 0, false, nil
	}
	var total time.Duration
	for rest != "" {
		m := relPart.FindStringSubmatch(rest)
		if m == nil {
			return 0, false, nil
		}
		unit, ok := units[m[3]]
		if !ok {
			return 0, false, nil
		}
		n := 1
		if m[1] != "" {
			n, _ = strconv.Atoi(m[1])
		}
		if time.Duration(n) > (maxAhead-total)/unit {
			return 0, false, &domain.ParseError{Input: input, Reason: "too far in the future"}
		}
		total += time.Duration(n) * unit
		rest = rest[len(m[0]):]
	}
	return total, true, nil
}

// clockTokens parses "[at] <clock>". A bare hour without am/pm or minutes is
// accepted only after "at".
func clockTokens(toks []string) (h, m int, ok bool) {
	bare := false
	if len(toks) > 0 && toks[0] == "at" {
		toks, bare = toks[1:], true
	}
	if len(toks) == 0 {
		return 0, 0, false
	}
	return parseClock(strings.Join(toks, " "), bare)
}

func parseClock(s string, bareHour bool) (h, m int, ok bool) {
	switch s {
	case "noon":
		return 12, 0, true
	case "midnight":
		return 0, 0, true
	}
	g := clockRe.FindStringSubmatch(s)
	if g == nil {
		return 0, 0, false
	}
	if g[2] == "" && g[3] == "" && !bareHour {
		return 0, 0, false
	}
	h, _ = strconv.Atoi(g[1])
	if g[2] != "" {
		m, _ = strconv.Atoi(g[2])
	}
	if m > 59 {
		return 0, 0, false
	}
	switch g[3] {
	case "am", "pm":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h == 12 {
			h = 0
		}
		if g[3] == "pm" {
			h += 12
		}
	default:
		if h > 23 {
			return 0, 0, false
		}
	}
	return h, m, true
}

func todayRef(local time.Time) dayRef {
	y, m, d := local.Date()
	return dayRef{y: y, m: m, d: d, roll: rollDay, today: true}
}

func parseDay(toks []string, local time.Time) (dayRef, bool) {
	if len(toks) > 0 && toks[0] == "on" {
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return dayRef{}, false
	}
	s := strings.Join(toks, " ")
	y, m, d := local.Date()
	at := func(offset int, r roll) (dayRef, bool) {
		return dayRef{y: y, m: m, d: d + offset, roll: r}, true
	}

	switch s {
	case "today":
		return todayRef(local), true
	case "tomorrow", "tmr", "tmrw":
		return at(1, rollNone)
	case "day after tomorrow", "the day after tomorrow":
		return at(2, rollNone)
	case "next week":
		return at(7, rollNone)
	}

	if len(toks) <= 2 {
		next := false
		name := toks[len(toks)-1]
		if len(toks) == 2 {
			switch toks[0] {
			case "next":
				next = true
			case "this":
			default:
				return monthDay(s, local)
			}
		}
		if wd, ok := weekdays[name]; ok {
			offset := (int(wd) - int(local.Weekday()) + 7) % 7
			if next {
				if offset == 0 {
					offset = 7
				}
				return at(offset, rollNone)
			}
			return at(offset, rollWeek)
		}
	}
	return monthDay(s, local)
}

func monthDay(s string, local time.Time) (dayRef, bool) {
	var (
		mon      time.Month
		dd, year int
	)
	if g := isoDateRe.FindStringSubmatch(s); g != nil {
		year, _ = strconv.Atoi(g[1])
		mi, _ := strconv.Atoi(g[2])
		dd, _ = strconv.Atoi(g[3])
		if mi < 1 || mi > 12 {
			return dayRef{}, false
		}
		mon = time.Month(mi)
	} else if g := monthDayRe.FindStringSubmatch(s); g != nil {
		var ok bool
		if mon, ok = months[g[1]]; !ok {
			return dayRef{}, false
		}
		dd, _ = strconv.Atoi(g[2])
		year, _ = strconv.Atoi(g[3])
	} else if g := dayMonthRe.FindStringSubmatch(s); g != nil {
		var ok bool
		if mon, ok = months[g[2]]; !ok {
			return dayRef{}, false
		}
		dd, _ = strconv.Atoi(g[1])
		year, _ = strconv.Atoi(g[3])
	} else {
		return dayRef{}, false
	}

	r := rollNone
	if year == 0 {
		year, r = local.Year(), rollYear
	}
	// Reject dates time.Date would normalize, like "feb 30".
	probe := time.Date(year, mon, dd, 12, 0, 0, 0, time.UTC)
	if dd < 1 || probe.Month() != mon || probe.Day() != dd {
		if r != rollYear || mon != time.February || dd != 29 {
			return dayRef{}, false
		}
	}
	return dayRef{y: year, m: mon, d: dd, roll: r}, true
}

// resolve builds the wall-clock instant for ref in loc and moves it forward
// according to ref.roll when it is not after now.
func resolve(ref dayRef, h, m int, loc *time.Location, now time.Time) time.Time {
	t := time.Date(ref.y, ref.m, ref.d, h, m, 0, 0, loc)
	if t.After(now) && (ref.roll != rollYear || t.Month() == ref.m) {
		return t
	}
	switch ref.roll {
	case rollDay:
		return time.Date(ref.y, ref.m, ref.d+1, h, m, 0, 0, loc)
	case rollWeek:
		return time.Date(ref.y, ref.m, ref.d+7, h, m, 0, 0, loc)
	case rollYear:
		// Feb 29 waits for the next leap year.
		for y := ref.y + 1; y <= ref.y+8; y++ {
			t = time.Date(y, ref.m, ref.d, h, m, 0, 0, loc)
			if t.Month() == ref.m {
				return t
			}
		}
	}
	return t
}

// offending returns the first token no grammar rule knows, or the whole
// normalized input when each token is known but the combination is not.
func offending(toks []string, whole string) string {
	for _, t := range toks {
		if connectives[t] || numericTok.MatchString(t) {
			continue
		}
		if _, ok := units[t]; ok {
			continue
		}
		if _, ok := weekdays[t]; ok {
			continue
		}
		if _, ok := months[t]; ok {
			continue
		}
		return t
	}
	return whole
}
