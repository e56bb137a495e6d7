package domain

import "time"

// Status is the lifecycle state of a Reminder. Pending is the only
// non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFired, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusFired || s == StatusCancelled }

// CanTransition reports whether a reminder in state s may be rewritten with
// state to. Terminal states only accept themselves (idempotent rewrites).
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	return s == StatusPending && to.Terminal()
}

// Task is a user-owned to-do item. Seq is the user-facing number and is
// contiguous per owner; ID never changes.
type Task struct {
	ID          string    `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Seq         int       `json:"seq"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Reminder is a scheduled notification bound to a task by TaskID.
// FireAt is always UTC.
type Reminder struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	OwnerID     int64     `json:"owner_id"`
	FireAt      time.Time `json:"fire_at"`
	Status      Status    `json:"status"`
	SnoozeCount int       `json:"snooze_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Reminder) Pending() bool { return r.Status == StatusPending }

// Profile holds per-user display preferences.
type Profile struct {
	UserID      int64  `json:"user_id"`
	Timezone    string `json:"timezone"`
	DisplayName string `json:"display_name,omitempty"`
	Theme       string `json:"theme,omitempty"`
}

// DefaultTimezone is used for users without a stored profile.
const DefaultTimezone = "UTC"
