package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/notifier"
	"remindbot/internal/storage"
	"remindbot/internal/task/housekeeping"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/store"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

const helpFooter = "Plain text works too: <code>add task buy milk remind me tomorrow 9am</code>"

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			// Alerts need a target chat.
			Enabled:    l.Alert.Enabled && cfg.Telegram.AlertChat != 0,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "sqlite", "sqlite3", "bolt", "bbolt":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTasks(cfg *config.Config) (store.Config, error) {
	t := cfg.Tasks
	if t.MaxPerOwner < 0 {
		return store.Config{}, fmt.Errorf("tasks.max_per_owner must be >= 0")
	}
	if t.MaxDescription < 0 {
		return store.Config{}, fmt.Errorf("tasks.max_description must be >= 0")
	}
	return store.Config{MaxTasks: t.MaxPerOwner, MaxDescription: t.MaxDescription}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	if s.PersistRetries < 0 || s.DispatchRetries < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler retries must be >= 0")
	}
	if s.HistorySize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	var (
		out scheduler.Config
		err error
	)
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.default_snooze", s.DefaultSnooze, &out.DefaultSnooze},
		{"scheduler.persist_retry_base", s.PersistRetryBase, &out.PersistRetryBase},
		{"scheduler.dispatch_retry_base", s.DispatchRetryBase, &out.DispatchRetryBase},
		{"scheduler.dispatch_timeout", s.DispatchTimeout, &out.DispatchTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationField(d.key, d.raw); err != nil {
			return scheduler.Config{}, err
		}
	}
	out.PersistRetries = s.PersistRetries
	out.DispatchRetries = s.DispatchRetries
	out.HistorySize = s.HistorySize
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if n.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.history_size must be >= 0")
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{RatePerSec: n.RatePerSec, SendTimeout: sendTimeout, HistorySize: n.HistorySize}
	if strings.EqualFold(strings.TrimSpace(n.DedupWindow), "off") {
		out.DedupWindow = -1
	} else if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if n.Mirror {
		out.MirrorChatID = cfg.Telegram.AlertChat
	}
	return out, nil
}

func mapHousekeeping(cfg *config.Config) (housekeeping.Config, error) {
	h := cfg.Housekeeping
	out := housekeeping.Config{
		Enabled:        h.Enabled,
		Timezone:       strings.TrimSpace(h.Timezone),
		PruneSchedule:  strings.TrimSpace(h.PruneSchedule),
		ResyncSchedule: strings.TrimSpace(h.ResyncSchedule),
	}
	var err error
	if out.Retention, err = config.ParseDurationField("housekeeping.retention", h.Retention); err != nil {
		return housekeeping.Config{}, err
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return housekeeping.Config{}, fmt.Errorf("housekeeping.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	if out.PruneSchedule != "" {
		if _, err := housekeeping.ParseSchedule(out.PruneSchedule); err != nil {
			return housekeeping.Config{}, fmt.Errorf("housekeeping.prune_schedule: %w", err)
		}
	}
	if out.ResyncSchedule != "" && !strings.EqualFold(out.ResyncSchedule, "off") {
		if _, err := housekeeping.ParseSchedule(out.ResyncSchedule); err != nil {
			return housekeeping.Config{}, fmt.Errorf("housekeeping.resync_schedule: %w", err)
		}
	}
	return out, nil
}

func mapRouter(cfg *config.Config) (router.Config, error) {
	c := cfg.Commands
	if c.Workers < 0 {
		return router.Config{}, fmt.Errorf("commands.workers must be >= 0")
	}
	if c.RatePerUser < 0 || c.BurstPerUser < 0 {
		return router.Config{}, fmt.Errorf("commands.rate_per_user and commands.burst_per_user must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("commands.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Workers:    c.Workers,
		Timeout:    timeout,
		Owners:     append([]int64(nil), c.OwnerUserIDs...),
		UserRate:   c.RatePerUser,
		UserBurst:  c.BurstPerUser,
		HelpFooter: helpFooter,
	}, nil
}

func mapBot(cfg *config.Config) (commands.BotConfig, error) {
	ttl, err := config.ParseDurationField("commands.edit_timeout", cfg.Commands.EditTimeout)
	if err != nil {
		return commands.BotConfig{}, err
	}
	return commands.BotConfig{EditTTL: ttl}, nil
}

// validate rejects a config that one of the component mappings would
// refuse. It runs before the first start and before every hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapTasks(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeeping(cfg); err != nil {
		return err
	}
	if _, err := mapRouter(cfg); err != nil {
		return err
	}
	_, err := mapBot(cfg)
	return err
}
