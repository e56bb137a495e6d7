package notifier

import (
	"context"
	"time"

	"remindbot/internal/domain"
)

// Config controls reminder delivery.
type Config struct {
	RatePerSec  int           // default 20
	SendTimeout time.Duration // per send; default 10s
	HistorySize int           // default 300
	// DedupWindow suppresses a second delivery of the same reminder id.
	// Default 10m; negative disables.
	DedupWindow     time.Duration
	DedupMaxEntries int // default 2000
	// MirrorChatID, when set, also receives every reminder (best-effort).
	MirrorChatID int64
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Profiles resolves the display settings of a reminder's owner.
type Profiles interface {
	Get(ctx context.Context, userID int64) (domain.Profile, error)
	Location(ctx context.Context, userID int64) (*time.Location, error)
}

type HistoryItem struct {
	At         time.Time
	ReminderID string
	ChatID     int64
	Text       string
	Error      string
}

// NotificationEvent is published as "notifier.sent", "notifier.failed" and
// "notifier.deduped".
type NotificationEvent struct {
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	ChatID     int64     `json:"chat_id"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
