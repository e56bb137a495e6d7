// Package commands is the user-facing surface of the task engine: a typed
// API over the task store and profile registry, the chat grammar that maps
// messages onto it, and the router registration that ties both to the bot.
package commands

import (
	"context"
	"strings"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/profile"
	"remindbot/internal/task/store"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

// Tasks is the task store as seen by commands.
type Tasks interface {
	CreateTask(ctx context.Context, owner int64, desc string) (domain.Task, error)
	CreateTaskWithReminder(ctx context.Context, owner int64, desc string, fireAt time.Time) (domain.Task, domain.Reminder, error)
	EditTask(ctx context.Context, owner int64, seq int, edit store.TaskEdit) (domain.Task, error)
	CompleteTask(ctx context.Context, owner int64, seq int) (domain.Task, error)
	CompleteByID(ctx context.Context, owner int64, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, owner int64, seq int) (domain.Task, error)
	DeleteAllTasks(ctx context.Context, owner int64) (int, error)
	SetReminder(ctx context.Context, owner int64, seq int, fireAt time.Time) (domain.Reminder, error)
	Snooze(ctx context.Context, owner int64, seq int, d time.Duration) (domain.Reminder, error)
	SnoozeByID(ctx context.Context, owner int64, taskID string, d time.Duration) (domain.Reminder, error)
	Overview(ctx context.Context, owner int64) ([]store.TaskView, error)
	GetTask(ctx context.Context, owner int64, seq int) (store.TaskView, error)
}

// Profiles is the profile registry as seen by commands.
type Profiles interface {
	Get(ctx context.Context, userID int64) (domain.Profile, error)
	Upsert(ctx context.Context, userID int64, fields map[string]string) (domain.Profile, error)
	Location(ctx context.Context, userID int64) (*time.Location, error)
}

// Service executes task commands on behalf of one owner per call. Times are
// parsed in the owner's profile timezone.
type Service struct {
	tasks    Tasks
	profiles Profiles
	parser   *timeparse.Parser
	log      logx.Logger
	now      func() time.Time
}

func NewService(tasks Tasks, profiles Profiles, parser *timeparse.Parser, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if parser == nil {
		parser = timeparse.New()
	}
	return &Service{tasks: tasks, profiles: profiles, parser: parser, log: log, now: time.Now}
}

// Added is the result of Add.
type Added struct {
	Task     domain.Task
	Reminder *domain.Reminder
}

// Add creates a task. When is optional; if set it must resolve to a future
// instant or nothing is created.
func (s *Service) Add(ctx context.Context, owner int64, desc, when string) (Added, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		t, err := s.tasks.CreateTask(ctx, owner, desc)
		return Added{Task: t}, err
	}
	at, err := s.parseTime(ctx, owner, when)
	if err != nil {
		return Added{}, err
	}
	t, r, err := s.tasks.CreateTaskWithReminder(ctx, owner, desc, at)
	if err != nil {
		return Added{}, err
	}
	return Added{Task: t, Reminder: &r}, nil
}

// Edit replaces the description of task #seq.
func (s *Service) Edit(ctx context.Context, owner int64, seq int, desc string) (domain.Task, error) {
	return s.tasks.EditTask(ctx, owner, seq, store.TaskEdit{Description: &desc})
}

func (s *Service) Complete(ctx context.Context, owner int64, seq int) (domain.Task, error) {
	return s.tasks.CompleteTask(ctx, owner, seq)
}

func (s *Service) CompleteByID(ctx context.Context, owner int64, taskID string) (domain.Task, error) {
	return s.tasks.CompleteByID(ctx, owner, taskID)
}

func (s *Service) Delete(ctx context.Context, owner int64, seq int) (domain.Task, error) {
	return s.tasks.DeleteTask(ctx, owner, seq)
}

func (s *Service) DeleteAll(ctx context.Context, owner int64) (int, error) {
	return s.tasks.DeleteAllTasks(ctx, owner)
}

// Remind sets or replaces the reminder of task #seq.
func (s *Service) Remind(ctx context.Context, owner int64, seq int, when string) (domain.Reminder, error) {
	// Resolve the task first so a missing task wins over a bad time.
	if _, err := s.tasks.GetTask(ctx, owner, seq); err != nil {
		return domain.Reminder{}, err
	}
	at, err := s.parseTime(ctx, owner, when)
	if err != nil {
		return domain.Reminder{}, err
	}
	return s.tasks.SetReminder(ctx, owner, seq, at)
}

// Snooze pushes the reminder of task #seq back. An empty duration uses the
// scheduler default.
func (s *Service) Snooze(ctx context.Context, owner int64, seq int, duration string) (domain.Reminder, error) {
	var d time.Duration
	if strings.TrimSpace(duration) != "" {
		var err error
		if d, err = timeparse.ParseDuration(duration); err != nil {
			return domain.Reminder{}, err
		}
	}
	return s.tasks.Snooze(ctx, owner, seq, d)
}

func (s *Service) SnoozeByID(ctx context.Context, owner int64, taskID string, d time.Duration) (domain.Reminder, error) {
	return s.tasks.SnoozeByID(ctx, owner, taskID, d)
}

// Get returns task #seq with its pending reminder.
func (s *Service) Get(ctx context.Context, owner int64, seq int) (store.TaskView, error) {
	return s.tasks.GetTask(ctx, owner, seq)
}

// seqOf returns the current number of a task, 0 when it is gone.
func (s *Service) seqOf(ctx context.Context, owner int64, taskID string) int {
	views, err := s.tasks.Overview(ctx, owner)
	if err != nil {
		return 0
	}
	for _, v := range views {
		if v.Task.ID == taskID {
			return v.Task.Seq
		}
	}
	return 0
}

// List returns the owner's tasks by number with their pending reminders.
func (s *Service) List(ctx context.Context, owner int64) ([]store.TaskView, error) {
	return s.tasks.Overview(ctx, owner)
}

func (s *Service) SetTimezone(ctx context.Context, owner int64, tz string) (domain.Profile, error) {
	return s.profiles.Upsert(ctx, owner, map[string]string{profile.FieldTimezone: tz})
}

func (s *Service) SetName(ctx context.Context, owner int64, name string) (domain.Profile, error) {
	return s.profiles.Upsert(ctx, owner, map[string]string{profile.FieldDisplayName: name})
}

func (s *Service) SetTheme(ctx context.Context, owner int64, theme string) (domain.Profile, error) {
	return s.profiles.Upsert(ctx, owner, map[string]string{profile.FieldTheme: theme})
}

func (s *Service) Profile(ctx context.Context, owner int64) (domain.Profile, error) {
	return s.profiles.Get(ctx, owner)
}

// Location returns the owner's timezone, UTC when it cannot be resolved.
func (s *Service) Location(ctx context.Context, owner int64) *time.Location {
	loc, err := s.profiles.Location(ctx, owner)
	if err != nil || loc == nil {
		s.log.Debug("location lookup failed", logx.Int64("user_id", owner), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) parseTime(ctx context.Context, owner int64, when string) (time.Time, error) {
	p, err := s.profiles.Get(ctx, owner)
	if err != nil {
		return time.Time{}, err
	}
	return s.parser.Parse(when, p.Timezone, s.now())
}
