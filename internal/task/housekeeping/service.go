// Package housekeeping runs periodic maintenance for the reminder engine:
// pruning old fired and cancelled reminders and resyncing the scheduler's
// pending set with storage.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	Timezone       string        // IANA zone for cron expressions; default UTC
	PruneSchedule  string        // default "0 4 * * *"
	Retention      time.Duration // terminal reminders older than this are pruned; default 30 days
	ResyncSchedule string        // default "15m"; "off" disables
	JobTimeout     time.Duration // default 1m
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PruneSchedule) == "" {
		c.PruneSchedule = "0 4 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if strings.TrimSpace(c.ResyncSchedule) == "" {
		c.ResyncSchedule = "15m"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// Pruner deletes terminal reminders last updated before a cutoff.
type Pruner interface {
	PruneReminders(ctx context.Context, before time.Time) (int, error)
}

// Resyncer reloads the scheduler's pending set.
type Resyncer interface {
	Resync(ctx context.Context) (int, error)
}

// Stats counts job runs.
type Stats struct {
	Running   bool
	PruneRuns uint64
	Pruned    uint64
	Resyncs   uint64
	Errors    uint64
	LastPrune time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	pruner   Pruner
	resyncer Resyncer
	now      func() time.Time

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	pruneRuns atomic.Uint64
	pruned    atomic.Uint64
	resyncs   atomic.Uint64
	errs      atomic.Uint64
	lastPrune atomic.Int64
}

func New(cfg Config, pruner Pruner, resyncer Resyncer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		pruner:   pruner,
		resyncer: resyncer,
		now:      time.Now,
	}
}

// Start registers the jobs and starts cron. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	now := s.now().In(loc)
	if err := s.addJob(c, "prune", cfg.PruneSchedule, now, s.runPrune); err != nil {
		return err
	}
	if s.resyncer != nil && !strings.EqualFold(strings.TrimSpace(cfg.ResyncSchedule), "off") {
		if err := s.addJob(c, "resync", cfg.ResyncSchedule, now, s.runResync); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(c.Entries())))
	return nil
}

func (s *Service) addJob(c *cron.Cron, name, raw string, now time.Time, run func(ctx context.Context) error) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("housekeeping %s: %w", name, err)
	}
	var sched cron.Schedule
	var spread time.Duration
	switch ps.Kind {
	case SpecInterval:
		sched, spread = intervalSchedule(ps.Every, now)
	default:
		if sched, err = cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("housekeeping %s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}
	c.Schedule(sched, cron.FuncJob(func() { s.runJob(name, run) }))
	s.log.Debug("job registered", logx.String("name", name), logx.String("schedule", ps.String()), logx.Time("next", sched.Next(now)), logx.Duration("spread", spread))
	return nil
}

func (s *Service) runJob(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	base, timeout := s.ctx, s.cfg.JobTimeout
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	start := time.Now()
	if err := run(ctx); err != nil {
		s.errs.Add(1)
		s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}

// Stop stops cron and waits for a running job until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped")
}

// Apply swaps the config and re-registers the jobs when running.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil || old == cfg {
		return
	}
	s.c.Stop()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("housekeeping restart failed, keeping previous schedule", logx.Err(err))
		s.cfg = old
		if err := s.startLocked(); err != nil {
			s.log.Error("housekeeping restore failed", logx.Err(err))
		}
	}
}

// Prune deletes terminal reminders older than the retention period.
func (s *Service) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	before := s.now().Add(-retention)
	n, err := s.pruner.PruneReminders(ctx, before)
	s.pruneRuns.Add(1)
	if err != nil {
		return 0, err
	}
	s.pruned.Add(uint64(n))
	s.lastPrune.Store(s.now().UnixNano())
	if n > 0 {
		s.log.Info("reminders pruned", logx.Int("count", n), logx.Time("before", before))
	}
	return n, nil
}

func (s *Service) runPrune(ctx context.Context) error {
	_, err := s.Prune(ctx)
	return err
}

func (s *Service) runResync(ctx context.Context) error {
	n, err := s.resyncer.Resync(ctx)
	if err != nil {
		return err
	}
	s.resyncs.Add(1)
	s.log.Debug("scheduler resynced", logx.Int("pending", n))
	return nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	st := Stats{
		Running:   running,
		PruneRuns: s.pruneRuns.Load(),
		Pruned:    s.pruned.Load(),
		Resyncs:   s.resyncs.Load(),
		Errors:    s.errs.Load(),
	}
	if ns := s.lastPrune.Load(); ns != 0 {
		st.LastPrune = time.Unix(0, ns)
	}
	return st
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("housekeeping timezone %q: %w", tz, err)
	}
	return loc, nil
}

// cronLogger routes robfig/cron's internal logging to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
