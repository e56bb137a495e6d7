package housekeeping

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a job schedule: a cron expression or a fixed interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "every " + p.Every.String()
	}
	return p.Cron
}

// ParseSchedule accepts
//
//	0 4 * * *   @daily   @every 15m    cron syntax (anything with a space or '@')
//	15m   2h30m                        Go durations
//	06:00                              HH:MM as an interval (6 hours)
//
// A "cron:" or "every:" prefix forces the kind.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if kind, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(kind) {
		case "cron":
			if rest = strings.TrimSpace(rest); rest == "" {
				return ParsedSpec{}, errors.New("cron: needs an expression")
			}
			return cronSpec(rest)
		case "every":
			d, err := parseInterval(rest)
			return ParsedSpec{Kind: SpecInterval, Every: d}, err
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return cronSpec(s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want cron ('0 4 * * *'), HH:MM ('06:00') or a duration ('15m')", raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func cronSpec(expr string) (ParsedSpec, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	d, err := hhmm(v)
	if err != nil {
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}

func hhmm(v string) (time.Duration, error) {
	h, m, ok := strings.Cut(v, ":")
	if !ok || len(m) != 2 || h == "" || len(h) > 3 {
		return 0, errors.New("not HH:MM")
	}
	hours, err1 := strconv.ParseUint(h, 10, 16)
	mins, err2 := strconv.ParseUint(m, 10, 8)
	if err1 != nil || err2 != nil || mins > 59 {
		return 0, errors.New("not HH:MM")
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}

const maxStartupSpread = 30 * time.Second

// delayedStart holds back the first run of an interval job by a random
// offset so jobs registered together do not fire together.
type delayedStart struct {
	cron.Schedule
	first time.Time
}

func (d delayedStart) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.Schedule.Next(t)
}

// intervalSchedule runs every `every`, first at now + every + a jitter of
// up to min(every, 30s). It also returns the jitter.
func intervalSchedule(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(min(every, maxStartupSpread))))
	return delayedStart{Schedule: cron.Every(every), first: now.Add(every + jitter)}, jitter
}
