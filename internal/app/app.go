// Package app wires the reminder bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/profile"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/housekeeping"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/store"
	"remindbot/internal/timeparse"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   storage.Store

	adapter kit.Adapter

	tasks    *store.Store
	sched    *scheduler.Service
	profiles *profile.Registry
	notif    *notifier.Service
	house    *housekeeping.Service
	cmdm     *router.CommandManager
	bot      *commands.Bot

	updates chan kit.Update
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// The alert target is set before Apply enables alerts so Apply does not
	// warn about a missing chat.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetAlertTarget(cfg.Telegram.AlertChat)
	logSvc.Apply(logCfg)

	a, err := build(cfg, ad, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build constructs the components on top of an adapter. It is split from
// NewApp so the wiring can run against a fake adapter.
func build(cfg *config.Config, ad kit.Adapter, log logx.Logger) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	scfg, _ := mapStorage(cfg)
	db, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", scfg.Driver))

	tcfg, _ := mapTasks(cfg)
	schedCfg, _ := mapScheduler(cfg)
	ncfg, _ := mapNotifier(cfg)
	hcfg, _ := mapHousekeeping(cfg)
	rcfg, _ := mapRouter(cfg)
	bcfg, _ := mapBot(cfg)

	bus := eventbus.New()
	tasks := store.New(db, tcfg, log.With(logx.String("comp", "store")))
	profiles := profile.New(db, log.With(logx.String("comp", "profile")))
	notif := notifier.New(ncfg, ad, profiles, log.With(logx.String("comp", "notifier")), bus)
	sched := scheduler.New(schedCfg, tasks, notif, log.With(logx.String("comp", "scheduler")), bus)
	tasks.SetScheduler(sched)
	house := housekeeping.New(hcfg, tasks, sched, log.With(logx.String("comp", "housekeeping")))

	a := &App{
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		db:       db,
		adapter:  ad,
		tasks:    tasks,
		sched:    sched,
		profiles: profiles,
		notif:    notif,
		house:    house,
		updates:  make(chan kit.Update, 256),
	}

	svc := commands.NewService(tasks, profiles, timeparse.New(), log)
	a.bot = commands.NewBot(svc, bcfg, a.status, log)
	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "router")), ad, rcfg)
	a.bot.Register(a.cmdm)
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start reconciles pending reminders, then starts polling, command dispatch,
// housekeeping and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.house.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.watchEvents()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validate)
		sub, unsub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer unsub()
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					a.reload(last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started")
	return nil
}

// watchEvents logs bus traffic at debug level.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// reload applies the hot-reloadable sections of next.
func (a *App) reload(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.SetAlertTarget(next.Telegram.AlertChat)
		a.logs.Apply(mapLogging(next))
	}
	// validate already accepted next, so the mapping errors are nil.
	if c, err := mapTasks(next); err == nil {
		a.tasks.Apply(c)
	}
	if c, err := mapScheduler(next); err == nil {
		a.sched.Apply(c)
	}
	if c, err := mapNotifier(next); err == nil {
		a.notif.Apply(c)
	}
	if c, err := mapHousekeeping(next); err == nil {
		a.house.Apply(c)
	}
	if c, err := mapRouter(next); err == nil {
		a.cmdm.Apply(c)
	}
	if c, err := mapBot(next); err == nil {
		a.bot.Apply(c)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStorage()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	a.step(ctx, "scheduler", 3*time.Second, a.sched.Stop)
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStorage() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeStorage() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
