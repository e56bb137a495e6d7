// Package store manages user tasks and their reminders on top of
// storage.Store. It keeps per-owner sequence numbers contiguous and tells
// the reminder scheduler about every committed reminder change.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"remindbot/internal/domain"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Config limits what a single owner can store.
type Config struct {
	MaxTasks       int // per owner; default 50
	MaxDescription int // runes; longer descriptions are truncated; default 500
}

func (c Config) withDefaults() Config {
	if c.MaxTasks <= 0 {
		c.MaxTasks = 50
	}
	if c.MaxDescription <= 0 {
		c.MaxDescription = 500
	}
	return c
}

// Scheduler is the part of the reminder scheduler the store drives.
type Scheduler interface {
	Insert(ctx context.Context, r domain.Reminder) error
	Cancel(ctx context.Context, taskID string) error
	Snooze(ctx context.Context, taskID string, d time.Duration) (domain.Reminder, error)
}

// TaskEdit lists the editable task fields. Nil means unchanged.
type TaskEdit struct {
	Description *string
}

// TaskView is a task with its pending reminder, if any.
type TaskView struct {
	Task     domain.Task
	Reminder *domain.Reminder
}

type Store struct {
	db  storage.Store
	log logx.Logger
	now func() time.Time

	mu    sync.RWMutex
	cfg   Config
	sched Scheduler

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(db storage.Store, cfg Config, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		db:    db,
		log:   log,
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		locks: map[int64]*sync.Mutex{},
	}
}

// SetScheduler attaches the scheduler notified after reminder writes.
func (s *Store) SetScheduler(sch Scheduler) {
	s.mu.Lock()
	s.sched = sch
	s.mu.Unlock()
}

// Apply swaps limits at runtime.
func (s *Store) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Store) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) scheduler() Scheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sched
}

// lockOwner serializes writes of one owner, including the scheduler
// notification that follows the commit.
func (s *Store) lockOwner(owner int64) func() {
	s.locksMu.Lock()
	m := s.locks[owner]
	if m == nil {
		m = &sync.Mutex{}
		s.locks[owner] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) cleanDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", domain.NewValidation("description", "must not be empty")
	}
	limit := s.config().MaxDescription
	if utf8.RuneCountInString(desc) > limit {
		desc = strings.TrimSpace(string([]rune(desc)[:limit]))
	}
	return desc, nil
}

func checkSeq(seq int) error {
	if seq <= 0 {
		return domain.NewValidation("task number", "must be a positive number")
	}
	return nil
}

// CreateTask appends a task to the owner's list.
func (s *Store) CreateTask(ctx context.Context, owner int64, desc string) (domain.Task, error) {
	t, _, err := s.create(ctx, owner, desc, time.Time{})
	return t, err
}

// CreateTaskWithReminder creates a task and its pending reminder in one write.
func (s *Store) CreateTaskWithReminder(ctx context.Context, owner int64, desc string, fireAt time.Time) (domain.Task, domain.Reminder, error) {
	if fireAt.IsZero() {
		return domain.Task{}, domain.Reminder{}, domain.NewValidation("remind time", "is required")
	}
	t, r, err := s.create(ctx, owner, desc, fireAt)
	if err != nil {
		return domain.Task{}, domain.Reminder{}, err
	}
	return t, *r, nil
}

func (s *Store) create(ctx context.Context, owner int64, desc string, fireAt time.Time) (domain.Task, *domain.Reminder, error) {
	desc, err := s.cleanDescription(desc)
	if err != nil {
		return domain.Task{}, nil, err
	}
	limit := s.config().MaxTasks

	unlock := s.lockOwner(owner)
	defer unlock()

	now := s.now().UTC()
	var (
		task domain.Task
		rem  *domain.Reminder
	)
	err = s.db.Update(ctx, func(tx storage.Tx) error {
		tasks, err := tx.TasksByOwner(owner)
		if err != nil {
			return err
		}
		if len(tasks) >= limit {
			return &domain.LimitExceededError{OwnerID: owner, Limit: limit}
		}
		seq := 1
		if n := len(tasks); n > 0 {
			seq = tasks[n-1].Seq + 1
		}
		task = domain.Task{ID: uuid.NewString(), OwnerID: owner, Seq: seq, Description: desc, CreatedAt: now}
		if err := tx.PutTask(task); err != nil {
			return err
		}
		if fireAt.IsZero() {
			return nil
		}
		r := newReminder(task, fireAt, now, 0)
		if err := tx.PutReminder(r); err != nil {
			return err
		}
		rem = &r
		return nil
	})
	if err != nil {
		return domain.Task{}, nil, wrap("create task", err)
	}
	s.log.Debug("task created", logx.Int64("owner", owner), logx.Int("seq", task.Seq), logx.Bool("reminder", rem != nil))
	if rem != nil {
		s.notifyInsert(ctx, *rem)
	}
	return task, rem, nil
}

// EditTask updates the editable fields of task #seq.
func (s *Store) EditTask(ctx context.Context, owner int64, seq int, edit TaskEdit) (domain.Task, error) {
	if err := checkSeq(seq); err != nil {
		return domain.Task{}, err
	}
	if edit.Description == nil {
		return domain.Task{}, domain.NewValidation("edit", "nothing to change")
	}
	desc, err := s.cleanDescription(*edit.Description)
	if err != nil {
		return domain.Task{}, err
	}

	unlock := s.lockOwner(owner)
	defer unlock()

	var task domain.Task
	err = s.db.Update(ctx, func(tx storage.Tx) error {
		var err error
		if task, err = taskBySeq(tx, owner, seq); err != nil {
			return err
		}
		task.Description = desc
		return tx.PutTask(task)
	})
	if err != nil {
		return domain.Task{}, wrap("edit task", err)
	}
	return task, nil
}

// CompleteTask marks task #seq done and cancels its pending reminder.
func (s *Store) CompleteTask(ctx context.Context, owner int64, seq int) (domain.Task, error) {
	if err := checkSeq(seq); err != nil {
		return domain.Task{}, err
	}
	return s.complete(ctx, owner, func(tx storage.Tx) (domain.Task, error) {
		return taskBySeq(tx, owner, seq)
	})
}

// CompleteByID is CompleteTask keyed by task id.
func (s *Store) CompleteByID(ctx context.Context, owner int64, taskID string) (domain.Task, error) {
	return s.complete(ctx, owner, func(tx storage.Tx) (domain.Task, error) {
		return taskByID(tx, owner, taskID)
	})
}

func (s *Store) complete(ctx context.Context, owner int64, lookup func(storage.Tx) (domain.Task, error)) (domain.Task, error) {
	unlock := s.lockOwner(owner)
	defer unlock()

	now := s.now().UTC()
	var (
		task      domain.Task
		cancelled bool
	)
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		var err error
		if task, err = lookup(tx); err != nil {
			return err
		}
		if task.Completed {
			return domain.NewValidation("task", "#"+strconv.Itoa(task.Seq)+" is already completed")
		}
		task.Completed = true
		task.CompletedAt = now
		if err := tx.PutTask(task); err != nil {
			return err
		}
		cancelled, err = cancelPending(tx, task.ID, now)
		return err
	})
	if err != nil {
		return domain.Task{}, wrap("complete task", err)
	}
	if cancelled {
		s.notifyCancel(ctx, task.ID)
	}
	return task, nil
}

// DeleteTask removes task #seq, cancels its reminder and shifts every
// higher task of the owner down by one. Reminders stay attached to their
// tasks by id.
func (s *Store) DeleteTask(ctx context.Context, owner int64, seq int) (domain.Task, error) {
	if err := checkSeq(seq); err != nil {
		return domain.Task{}, err
	}

	unlock := s.lockOwner(owner)
	defer unlock()

	now := s.now().UTC()
	var (
		task      domain.Task
		cancelled bool
	)
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		var err error
		if task, err = taskBySeq(tx, owner, seq); err != nil {
			return err
		}
		if cancelled, err = cancelPending(tx, task.ID, now); err != nil {
			return err
		}
		if err := tx.DeleteTask(task.ID); err != nil {
			return err
		}
		rest, err := tx.TasksByOwner(owner)
		if err != nil {
			return err
		}
		// Ascending order: each write moves into the slot freed by the previous one.
		for _, t := range rest {
			if t.Seq <= seq {
				continue
			}
			t.Seq--
			if err := tx.PutTask(t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, wrap("delete task", err)
	}
	s.log.Debug("task deleted", logx.Int64("owner", owner), logx.Int("seq", seq))
	if cancelled {
		s.notifyCancel(ctx, task.ID)
	}
	return task, nil
}

// DeleteAllTasks removes every task of owner and returns how many there were.
func (s *Store) DeleteAllTasks(ctx context.Context, owner int64) (int, error) {
	unlock := s.lockOwner(owner)
	defer unlock()

	now := s.now().UTC()
	var (
		n         int
		cancelled []string
	)
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		tasks, err := tx.TasksByOwner(owner)
		if err != nil {
			return err
		}
		n, cancelled = len(tasks), nil
		for _, t := range tasks {
			ok, err := cancelPending(tx, t.ID, now)
			if err != nil {
				return err
			}
			if ok {
				cancelled = append(cancelled, t.ID)
			}
			if err := tx.DeleteTask(t.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrap("delete all tasks", err)
	}
	for _, id := range cancelled {
		s.notifyCancel(ctx, id)
	}
	return n, nil
}

// ListTasks returns the owner's tasks ordered by sequence number.
func (s *Store) ListTasks(ctx context.Context, owner int64) ([]domain.Task, error) {
	var out []domain.Task
	err := s.db.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.TasksByOwner(owner)
		return err
	})
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	return out, nil
}

// Overview lists the owner's tasks with their pending reminders.
func (s *Store) Overview(ctx context.Context, owner int64) ([]TaskView, error) {
	var out []TaskView
	err := s.db.View(ctx, func(tx storage.Tx) error {
		tasks, err := tx.TasksByOwner(owner)
		if err != nil {
			return err
		}
		out = make([]TaskView, 0, len(tasks))
		for _, t := range tasks {
			r, err := pendingOf(tx, t.ID)
			if err != nil {
				return err
			}
			out = append(out, TaskView{Task: t, Reminder: r})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	return out, nil
}

// GetTask returns task #seq and its pending reminder, if any.
func (s *Store) GetTask(ctx context.Context, owner int64, seq int) (TaskView, error) {
	if err := checkSeq(seq); err != nil {
		return TaskView{}, err
	}
	var v TaskView
	err := s.db.View(ctx, func(tx storage.Tx) error {
		var err error
		if v.Task, err = taskBySeq(tx, owner, seq); err != nil {
			return err
		}
		v.Reminder, err = pendingOf(tx, v.Task.ID)
		return err
	})
	if err != nil {
		return TaskView{}, wrap("get task", err)
	}
	return v, nil
}

// SetReminder replaces the pending reminder of task #seq with one firing
// at fireAt.
func (s *Store) SetReminder(ctx context.Context, owner int64, seq int, fireAt time.Time) (domain.Reminder, error) {
	if err := checkSeq(seq); err != nil {
		return domain.Reminder{}, err
	}
	if fireAt.IsZero() {
		return domain.Reminder{}, domain.NewValidation("remind time", "is required")
	}

	unlock := s.lockOwner(owner)
	defer unlock()

	now := s.now().UTC()
	var rem domain.Reminder
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		task, err := taskBySeq(tx, owner, seq)
		if err != nil {
			return err
		}
		if task.Completed {
			return domain.NewValidation("task", "#"+strconv.Itoa(seq)+" is already completed")
		}
		if _, err := cancelPending(tx, task.ID, now); err != nil {
			return err
		}
		rem = newReminder(task, fireAt, now, 0)
		return tx.PutReminder(rem)
	})
	if err != nil {
		return domain.Reminder{}, wrap("set reminder", err)
	}
	s.notifyInsert(ctx, rem)
	return rem, nil
}

// Snooze pushes the reminder of task #seq back by d (the scheduler default
// when d is zero).
func (s *Store) Snooze(ctx context.Context, owner int64, seq int, d time.Duration) (domain.Reminder, error) {
	if err := checkSeq(seq); err != nil {
		return domain.Reminder{}, err
	}
	var task domain.Task
	err := s.db.View(ctx, func(tx storage.Tx) error {
		var err error
		task, err = taskBySeq(tx, owner, seq)
		return err
	})
	if err != nil {
		return domain.Reminder{}, wrap("snooze", err)
	}
	return s.snooze(ctx, task.ID, d)
}

// SnoozeByID is Snooze keyed by task id.
func (s *Store) SnoozeByID(ctx context.Context, owner int64, taskID string, d time.Duration) (domain.Reminder, error) {
	err := s.db.View(ctx, func(tx storage.Tx) error {
		_, err := taskByID(tx, owner, taskID)
		return err
	})
	if err != nil {
		return domain.Reminder{}, wrap("snooze", err)
	}
	return s.snooze(ctx, taskID, d)
}

func (s *Store) snooze(ctx context.Context, taskID string, d time.Duration) (domain.Reminder, error) {
	sch := s.scheduler()
	if sch == nil {
		return domain.Reminder{}, errors.New("snooze: no scheduler attached")
	}
	return sch.Snooze(ctx, taskID, d)
}

// PendingReminders lists every pending reminder by fire time.
func (s *Store) PendingReminders(ctx context.Context) ([]domain.Reminder, error) {
	var out []domain.Reminder
	err := s.db.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.PendingReminders()
		return err
	})
	if err != nil {
		return nil, wrap("load pending reminders", err)
	}
	return out, nil
}

// ClaimReminder moves a pending reminder to fired and returns it with its
// task. ok is false when the reminder is no longer pending; nothing should be
// delivered then.
func (s *Store) ClaimReminder(ctx context.Context, reminderID string) (domain.Task, domain.Reminder, bool, error) {
	now := s.now().UTC()
	var (
		task domain.Task
		rem  domain.Reminder
		ok   bool
	)
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		ok = false
		var err error
		rem, err = tx.Reminder(reminderID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rem.Pending() {
			return nil
		}
		task, err = tx.Task(rem.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			// Orphaned by an interrupted delete.
			rem.Status, rem.UpdatedAt = domain.StatusCancelled, now
			return tx.PutReminder(rem)
		}
		if err != nil {
			return err
		}
		rem.Status, rem.UpdatedAt = domain.StatusFired, now
		if err := tx.PutReminder(rem); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return domain.Task{}, domain.Reminder{}, false, wrap("claim reminder", err)
	}
	return task, rem, ok, nil
}

// RescheduleReminder persists a snooze: the pending reminder of the task (if
// any) is cancelled and a new pending one at fireAt is written with the
// highest snooze count seen on the task plus one.
func (s *Store) RescheduleReminder(ctx context.Context, taskID string, fireAt time.Time) (domain.Reminder, error) {
	now := s.now().UTC()
	var rem domain.Reminder
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		task, err := tx.Task(taskID)
		if errors.Is(err, storage.ErrNotFound) {
			return &domain.NotFoundError{What: "task", ID: taskID}
		}
		if err != nil {
			return err
		}
		if task.Completed {
			return domain.NewValidation("task", "#"+strconv.Itoa(task.Seq)+" is already completed")
		}
		rems, err := tx.RemindersByTask(taskID)
		if err != nil {
			return err
		}
		if len(rems) == 0 {
			return &domain.NotFoundError{What: "reminder for task", OwnerID: task.OwnerID, Seq: task.Seq}
		}
		count := 0
		for _, r := range rems {
			count = max(count, r.SnoozeCount)
		}
		if _, err := cancelPending(tx, taskID, now); err != nil {
			return err
		}
		rem = newReminder(task, fireAt, now, count+1)
		return tx.PutReminder(rem)
	})
	if err != nil {
		return domain.Reminder{}, wrap("snooze reminder", err)
	}
	return rem, nil
}

// PruneReminders drops fired and cancelled reminders older than before.
func (s *Store) PruneReminders(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.PruneReminders(before)
		return err
	})
	if err != nil {
		return 0, wrap("prune reminders", err)
	}
	return n, nil
}

func (s *Store) notifyInsert(ctx context.Context, r domain.Reminder) {
	sch := s.scheduler()
	if sch == nil {
		return
	}
	if err := sch.Insert(ctx, r); err != nil {
		// Stored state is authoritative; the next resync picks it up.
		s.log.Warn("scheduler insert failed", logx.String("reminder", r.ID), logx.Err(err))
	}
}

func (s *Store) notifyCancel(ctx context.Context, taskID string) {
	sch := s.scheduler()
	if sch == nil {
		return
	}
	if err := sch.Cancel(ctx, taskID); err != nil {
		s.log.Warn("scheduler cancel failed", logx.String("task", taskID), logx.Err(err))
	}
}

func newReminder(t domain.Task, fireAt, now time.Time, snoozes int) domain.Reminder {
	return domain.Reminder{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		OwnerID:     t.OwnerID,
		FireAt:      fireAt.UTC(),
		Status:      domain.StatusPending,
		SnoozeCount: snoozes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// cancelPending cancels every pending reminder of the task.
func cancelPending(tx storage.Tx, taskID string, now time.Time) (bool, error) {
	rems, err := tx.RemindersByTask(taskID)
	if err != nil {
		return false, err
	}
	found := false
	for _, r := range rems {
		if !r.Pending() {
			continue
		}
		r.Status, r.UpdatedAt = domain.StatusCancelled, now
		if err := tx.PutReminder(r); err != nil {
			return false, err
		}
		found = true
	}
	return found, nil
}

func pendingOf(tx storage.Tx, taskID string) (*domain.Reminder, error) {
	rems, err := tx.RemindersByTask(taskID)
	if err != nil {
		return nil, err
	}
	for i := len(rems) - 1; i >= 0; i-- {
		if rems[i].Pending() {
			r := rems[i]
			return &r, nil
		}
	}
	return nil, nil
}

func taskBySeq(tx storage.Tx, owner int64, seq int) (domain.Task, error) {
	t, err := tx.TaskBySeq(owner, seq)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Task{}, &domain.NotFoundError{What: "task", OwnerID: owner, Seq: seq}
	}
	return t, err
}

func taskByID(tx storage.Tx, owner int64, id string) (domain.Task, error) {
	t, err := tx.Task(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && t.OwnerID != owner) {
		return domain.Task{}, &domain.NotFoundError{What: "task", OwnerID: owner, ID: id}
	}
	return t, err
}

// wrap passes typed domain errors and context errors through and turns
// everything else into a PersistenceError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.CodeOf(err) != domain.CodeInternal {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapPersistence(op, err)
}
