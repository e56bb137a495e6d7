package scheduler

import (
	"context"
	"time"

	"remindbot/internal/domain"
)

// Config controls retries and defaults of the reminder scheduler.
type Config struct {
	// DefaultSnooze is used when Snooze is called with a zero duration.
	DefaultSnooze time.Duration

	// Persistence retries for loading, claiming and snoozing.
	PersistRetries   int
	PersistRetryBase time.Duration

	// Delivery retries after the first attempt.
	DispatchRetries   int
	DispatchRetryBase time.Duration
	DispatchTimeout   time.Duration // per attempt

	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.3 = ±30%
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.DefaultSnooze <= 0 {
		c.DefaultSnooze = 15 * time.Minute
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	} else if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
	if c.PersistRetryBase <= 0 {
		c.PersistRetryBase = 200 * time.Millisecond
	}
	if c.DispatchRetries < 0 {
		c.DispatchRetries = 0
	} else if c.DispatchRetries == 0 {
		c.DispatchRetries = 3
	}
	if c.DispatchRetryBase <= 0 {
		c.DispatchRetryBase = time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Backend is the persistent side of the scheduler (the task store).
type Backend interface {
	PendingReminders(ctx context.Context) ([]domain.Reminder, error)
	// ClaimReminder moves a pending reminder to fired. ok is false when the
	// reminder is no longer pending.
	ClaimReminder(ctx context.Context, reminderID string) (task domain.Task, r domain.Reminder, ok bool, err error)
	RescheduleReminder(ctx context.Context, taskID string, fireAt time.Time) (domain.Reminder, error)
}

// Dispatcher delivers a fired reminder to its owner.
type Dispatcher interface {
	Deliver(ctx context.Context, userID int64, task domain.Task, r domain.Reminder) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, userID int64, task domain.Task, r domain.Reminder) error

func (f DispatcherFunc) Deliver(ctx context.Context, userID int64, task domain.Task, r domain.Reminder) error {
	return f(ctx, userID, task, r)
}

// HistoryItem records one dispatch.
type HistoryItem struct {
	ReminderID string
	TaskID     string
	OwnerID    int64
	FireAt     time.Time
	Started    time.Time
	Lateness   time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// ReminderEvent is published on the event bus as "reminder.fired",
// "reminder.failed" and "reminder.snoozed".
type ReminderEvent struct {
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	OwnerID    int64     `json:"owner_id"`
	FireAt     time.Time `json:"fire_at"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running   bool
	Pending   int
	NextFire  time.Time
	InFlight  int64
	Fired     uint64
	Failed    uint64
	Cancelled uint64
	Snoozed   uint64
	Requeued  uint64
	History   []HistoryItem
}
