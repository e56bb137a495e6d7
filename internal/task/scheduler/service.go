package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

type opKind int

const (
	opInsert opKind = iota
	opCancel
	opSnooze
	opResync
	opRequeue
)

func (o opKind) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opCancel:
		return "cancel"
	case opSnooze:
		return "snooze"
	case opResync:
		return "resync"
	case opRequeue:
		return "requeue"
	}
	return "unknown"
}

type request struct {
	ctx    context.Context
	op     opKind
	rem    domain.Reminder
	taskID string
	d      time.Duration
	due    time.Time
	reply  chan reply // buffered(1)
}

type reply struct {
	rem domain.Reminder
	n   int
	err error
}

// Service is the reminder scheduler. It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	backend Backend
	disp    Dispatcher
	now     func() time.Time

	reqs    chan request
	started atomic.Bool
	quit    chan struct{}
	sup     *rtsup.Supervisor

	// Owned by the worker goroutine.
	q *queue

	// Mirrors for Snapshot.
	smu      sync.Mutex
	pending  int
	nextFire time.Time
	history  []HistoryItem

	inFlight  atomic.Int64
	fired     atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	snoozed   atomic.Uint64
	requeued  atomic.Uint64
}

func New(cfg Config, backend Backend, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		backend: backend,
		disp:    disp,
		now:     time.Now,
		reqs:    make(chan request),
		quit:    make(chan struct{}),
		q:       newQueue(),
	}
}

// Apply swaps retry settings at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start loads every pending reminder from the backend and starts the worker.
// Reminders already due fire right away. A load failure (after retries)
// aborts Start.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()
	pending, err := s.loadPending(ctx)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("scheduler start: %w", err)
	}
	s.q.reset(pending)

	overdue := 0
	now := s.now()
	for _, r := range pending {
		if !r.FireAt.After(now) {
			overdue++
		}
	}
	s.publishState()

	s.mu.Lock()
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("reminder.worker", s.run,
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
	s.log.Info("service started", logx.Int("pending", len(pending)), logx.Int("overdue", overdue), logx.Duration("took", time.Since(start)))
	return nil
}

// Stop stops the worker and waits for in-flight dispatches until ctx ends.
// Pending reminders stay in the backend.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.mu.Lock()
	sup := s.sup
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested", logx.Int64("in_flight", s.inFlight.Load()))
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Insert adds or replaces the pending entry of r's task. An entry holding a
// newer reminder of the same task is kept.
func (s *Service) Insert(ctx context.Context, r domain.Reminder) error {
	if !r.Pending() {
		return domain.NewValidation("reminder", "only pending reminders can be scheduled")
	}
	_, err := s.send(ctx, request{op: opInsert, rem: r})
	return err
}

// Cancel drops the pending entry of a task. Cancelling a task without an
// entry is a no-op.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	_, err := s.send(ctx, request{op: opCancel, taskID: taskID})
	return err
}

// Snooze moves the reminder of a task to now+d and persists it through the
// backend. Zero d means the configured default.
func (s *Service) Snooze(ctx context.Context, taskID string, d time.Duration) (domain.Reminder, error) {
	if d < 0 {
		return domain.Reminder{}, domain.NewValidation("snooze duration", "must be positive")
	}
	if d == 0 {
		d = s.config().DefaultSnooze
	}
	rep, err := s.send(ctx, request{op: opSnooze, taskID: taskID, d: d})
	return rep.rem, err
}

// Resync rebuilds the pending set from the backend and returns its size.
func (s *Service) Resync(ctx context.Context) (int, error) {
	rep, err := s.send(ctx, request{op: opResync})
	return rep.n, err
}

func (s *Service) send(ctx context.Context, req request) (reply, error) {
	if !s.started.Load() {
		return reply{}, ErrNotStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req.ctx = ctx
	req.reply = make(chan reply, 1)
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-s.quit:
		return reply{}, ErrStopped
	}
	select {
	case rep := <-req.reply:
		return rep, rep.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-s.quit:
		return reply{}, ErrStopped
	}
}

// run is the worker loop: fire what is due, sleep until the next fire time
// or the next request, repeat.
func (s *Service) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.fireDue(ctx)
		s.publishState()

		var wake <-chan time.Time
		if it, ok := s.q.peek(); ok {
			timer.Reset(max(it.due.Sub(s.now()), 0))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case req := <-s.reqs:
			timer.Stop()
			s.handle(req)
		case <-wake:
		}
	}
}

func (s *Service) fireDue(ctx context.Context) {
	for {
		it, ok := s.q.popDue(s.now())
		if !ok {
			return
		}
		s.fire(ctx, it)
	}
}

// handle applies one request. A panic is recovered and reported to the
// caller so one bad request cannot take the worker down.
func (s *Service) handle(req request) {
	var rep reply
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("request panicked", logx.String("op", req.op.String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			rep = reply{err: fmt.Errorf("scheduler %s: panic: %v", req.op, r)}
		}
		req.reply <- rep
	}()

	switch req.op {
	case opInsert:
		if s.q.upsert(req.rem, req.rem.FireAt) {
			s.log.Debug("reminder scheduled", logx.String("task", req.rem.TaskID), logx.Time("fire_at", req.rem.FireAt))
		} else {
			s.log.Debug("stale reminder ignored", logx.String("task", req.rem.TaskID), logx.String("reminder", req.rem.ID))
		}
	case opRequeue:
		s.q.upsert(req.rem, req.due)
	case opCancel:
		if s.q.remove(req.taskID) {
			s.cancelled.Add(1)
			s.log.Debug("reminder unscheduled", logx.String("task", req.taskID))
		}
	case opSnooze:
		rep.rem, rep.err = s.snooze(req.ctx, req.taskID, req.d)
	case opResync:
		rep.n, rep.err = s.resync(req.ctx)
	}
}

func (s *Service) snooze(ctx context.Context, taskID string, d time.Duration) (domain.Reminder, error) {
	fireAt := s.now().Add(d)
	var r domain.Reminder
	err := s.persist(ctx, "snooze", func(ctx context.Context) error {
		var err error
		r, err = s.backend.RescheduleReminder(ctx, taskID, fireAt)
		return err
	})
	if err != nil {
		return domain.Reminder{}, err
	}
	s.q.upsert(r, r.FireAt)
	s.snoozed.Add(1)
	s.log.Debug("reminder snoozed", logx.String("task", taskID), logx.Duration("by", d), logx.Int("snooze_count", r.SnoozeCount))
	s.publish("reminder.snoozed", ReminderEvent{ReminderID: r.ID, TaskID: r.TaskID, OwnerID: r.OwnerID, FireAt: r.FireAt})
	return r, nil
}

func (s *Service) resync(ctx context.Context) (int, error) {
	pending, err := s.loadPending(ctx)
	if err != nil {
		// Keep what we have.
		return s.q.Len(), err
	}
	before := s.q.Len()
	s.q.reset(pending)
	if before != s.q.Len() {
		s.log.Info("pending set resynced", logx.Int("before", before), logx.Int("after", s.q.Len()))
	}
	return s.q.Len(), nil
}

func (s *Service) loadPending(ctx context.Context) ([]domain.Reminder, error) {
	var out []domain.Reminder
	err := s.persist(ctx, "load pending", func(ctx context.Context) error {
		var err error
		out, err = s.backend.PendingReminders(ctx)
		return err
	})
	return out, err
}

// persist runs fn and retries persistence failures with backoff.
func (s *Service) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := s.config()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.IsPersistence(err) || attempt > cfg.PersistRetries {
			return err
		}
		delay := backoff(cfg.PersistRetryBase, cfg.RetryMaxDelay, cfg.RetryJitter, attempt)
		s.log.Debug("persistence retry scheduled", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !sleep(ctx, delay) {
			return err
		}
	}
}

func (s *Service) publishState() {
	n := s.q.Len()
	var next time.Time
	if it, ok := s.q.peek(); ok {
		next = it.due
	}
	s.smu.Lock()
	s.pending, s.nextFire = n, next
	s.smu.Unlock()
}

func (s *Service) publish(typ string, ev ReminderEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) Snapshot() Snapshot {
	s.smu.Lock()
	snap := Snapshot{
		Pending:  s.pending,
		NextFire: s.nextFire,
		History:  append([]HistoryItem(nil), s.history...),
	}
	s.smu.Unlock()
	snap.Running = s.started.Load()
	select {
	case <-s.quit:
		snap.Running = false
	default:
	}
	snap.InFlight = s.inFlight.Load()
	snap.Fired = s.fired.Load()
	snap.Failed = s.failed.Load()
	snap.Cancelled = s.cancelled.Load()
	snap.Snoozed = s.snoozed.Load()
	snap.Requeued = s.requeued.Load()
	return snap
}

// Supervisor returns the scheduler's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
