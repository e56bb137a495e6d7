package storage

import (
	"errors"
	"fmt"
	"time"

	"remindbot/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a task write would duplicate (owner, seq).
	ErrConflict = errors.New("storage: conflict")
	ErrReadOnly = errors.New("storage: read-only transaction")
	ErrClosed   = errors.New("storage: closed")
)

// TransitionError rejects a reminder write that would leave a terminal status.
type TransitionError struct {
	ID       string
	From, To domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("storage: reminder %s: invalid status transition %s -> %s", e.ID, e.From, e.To)
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "bolt", "postgres".
// Path is used by file-backed drivers, DSN by postgres.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Tx is the set of reads and writes available inside View/Update.
//
// Lists are returned in a stable order: tasks by Seq, reminders of a task
// by CreatedAt, pending reminders by (FireAt, TaskID).
type Tx interface {
	Task(id string) (domain.Task, error)
	TaskBySeq(ownerID int64, seq int) (domain.Task, error)
	TasksByOwner(ownerID int64) ([]domain.Task, error)
	PutTask(t domain.Task) error
	DeleteTask(id string) error

	Reminder(id string) (domain.Reminder, error)
	RemindersByTask(taskID string) ([]domain.Reminder, error)
	PendingReminders() ([]domain.Reminder, error)
	PutReminder(r domain.Reminder) error
	// PruneReminders deletes terminal reminders last updated before the cutoff.
	PruneReminders(before time.Time) (int, error)

	Profile(userID int64) (domain.Profile, error)
	PutProfile(p domain.Profile) error
}

// checkReminder normalizes r and validates it against the stored version
// (prev is nil when r is new).
func checkReminder(prev *domain.Reminder, r *domain.Reminder) error {
	if r.ID == "" || r.TaskID == "" {
		return fmt.Errorf("storage: reminder id and task id are required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("storage: reminder %s: unknown status %q", r.ID, r.Status)
	}
	r.FireAt = r.FireAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if prev != nil && !prev.Status.CanTransition(r.Status) {
		return &TransitionError{ID: r.ID, From: prev.Status, To: r.Status}
	}
	return nil
}

func checkTask(t *domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("storage: task id is required")
	}
	if t.Seq <= 0 {
		return fmt.Errorf("storage: task %s: seq must be positive", t.ID)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if !t.CompletedAt.IsZero() {
		t.CompletedAt = t.CompletedAt.UTC()
	}
	return nil
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		// tolerate rows written by hand or older tools
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
