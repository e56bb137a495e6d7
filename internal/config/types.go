// Package config loads the bot configuration from JSON or YAML and
// republishes it on file changes.
package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "15m") or whole days and weeks ("30d", "2w"); empty
// means the component default.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Tasks        TasksConfig        `json:"tasks"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Notifier     NotifierConfig     `json:"notifier"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Commands     CommandsConfig     `json:"commands"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via REMINDBOT_TELEGRAM_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// AlertChat receives operator log alerts and, when notifier.mirror is
	// set, a copy of every reminder.
	AlertChat int64 `json:"alert_chat,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
//
// Drivers: memory, file, sqlite, bolt, postgres (dsn).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TasksConfig struct {
	MaxPerOwner    int `json:"max_per_owner,omitempty"`
	MaxDescription int `json:"max_description,omitempty"`
}

type SchedulerConfig struct {
	DefaultSnooze     string `json:"default_snooze,omitempty"`
	PersistRetries    int    `json:"persist_retries,omitempty"`
	PersistRetryBase  string `json:"persist_retry_base,omitempty"`
	DispatchRetries   int    `json:"dispatch_retries,omitempty"`
	DispatchRetryBase string `json:"dispatch_retry_base,omitempty"`
	DispatchTimeout   string `json:"dispatch_timeout,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	// DedupWindow suppresses a repeated delivery of one reminder. "off"
	// disables it.
	DedupWindow string `json:"dedup_window,omitempty"`
	// Mirror copies every delivered reminder to telegram.alert_chat.
	Mirror bool `json:"mirror,omitempty"`
}

type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// PruneSchedule is a cron spec ("0 4 * * *"), "every:<duration>" or
	// "HH:MM".
	PruneSchedule string `json:"prune_schedule,omitempty"`
	Retention     string `json:"retention,omitempty"`
	// ResyncSchedule rebuilds the scheduler from storage; "off" disables.
	ResyncSchedule string `json:"resync_schedule,omitempty"`
}

type CommandsConfig struct {
	Timeout      string  `json:"timeout,omitempty"`
	Workers      int     `json:"workers,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	EditTimeout  string  `json:"edit_timeout,omitempty"`
	// RatePerUser caps commands per user per second; 0 disables.
	RatePerUser  float64 `json:"rate_per_user,omitempty"`
	BurstPerUser int     `json:"burst_per_user,omitempty"`
}
