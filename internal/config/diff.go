package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attributes for
// logging (never tokens or DSNs) and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if needsRestart {
			restart = append(restart, section)
		}
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) {
		mark("telegram", true,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
	}
	if o.AlertChat != n.AlertChat {
		mark("telegram.alert_chat", false, logx.Bool("telegram.alert_chat_set", n.AlertChat != 0))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		mark("logging", false,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alert_enabled", l.Alert.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oldS.Driver), strings.TrimSpace(newS.Driver)) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		oldS.DSN != newS.DSN ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", newS.DSN != ""),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		mark("tasks", false,
			logx.Int("tasks.max_per_owner", newCfg.Tasks.MaxPerOwner),
			logx.Int("tasks.max_description", newCfg.Tasks.MaxDescription),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		mark("scheduler", false,
			logx.String("scheduler.default_snooze", s.DefaultSnooze),
			logx.Int("scheduler.persist_retries", s.PersistRetries),
			logx.Int("scheduler.dispatch_retries", s.DispatchRetries),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		s := newCfg.Notifier
		mark("notifier", false,
			logx.Int("notifier.rate_per_sec", s.RatePerSec),
			logx.String("notifier.send_timeout", s.SendTimeout),
			logx.Bool("notifier.mirror", s.Mirror),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		h := newCfg.Housekeeping
		mark("housekeeping", false,
			logx.Bool("housekeeping.enabled", h.Enabled),
			logx.String("housekeeping.prune_schedule", h.PruneSchedule),
			logx.String("housekeeping.resync_schedule", h.ResyncSchedule),
		)
	}

	oc, nc := oldCfg.Commands, newCfg.Commands
	if !reflect.DeepEqual(oc, nc) {
		mark("commands", oc.Workers != nc.Workers,
			logx.String("commands.timeout", nc.Timeout),
			logx.Int("commands.owner_count", len(nc.OwnerUserIDs)),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
