package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/store"
	logx "remindbot/pkg/logx"
)

const owner int64 = 42

type delivery struct {
	at       time.Time
	reminder domain.Reminder
	task     domain.Task
}

type recorder struct {
	mu    sync.Mutex
	calls []delivery
	ch    chan delivery
	fail  func(attempt int) error
}

func newRecorder() *recorder { return &recorder{ch: make(chan delivery, 64)} }

func (r *recorder) Deliver(ctx context.Context, userID int64, task domain.Task, rem domain.Reminder) error {
	r.mu.Lock()
	d := delivery{at: time.Now(), reminder: rem, task: task}
	r.calls = append(r.calls, d)
	n := len(r.calls)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(n); err != nil {
			return err
		}
	}
	r.ch <- d
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) delivery {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(timeout):
		t.Fatalf("no delivery within %s", timeout)
		return delivery{}
	}
}

func testConfig() scheduler.Config {
	return scheduler.Config{
		PersistRetries:    2,
		PersistRetryBase:  time.Millisecond,
		DispatchRetries:   2,
		DispatchRetryBase: time.Millisecond,
		DispatchTimeout:   time.Second,
		RetryMaxDelay:     10 * time.Millisecond,
	}
}

func startHarness(t *testing.T, db storage.Store, disp scheduler.Dispatcher, bus eventbus.Bus) (*store.Store, *scheduler.Service) {
	t.Helper()
	ts := store.New(db, store.Config{}, logx.Nop())
	s := scheduler.New(testConfig(), ts, disp, logx.Nop(), bus)
	ts.SetScheduler(s)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = s.Stop(stopCtx)
		cancel()
	})
	return ts, s
}

func TestReminderFiresOnceAtFireTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, s := startHarness(t, storage.NewMemory(), rec, nil)

	fireAt := time.Now().Add(200 * time.Millisecond)
	task, rem, err := ts.CreateTaskWithReminder(ctx, owner, "water plants", fireAt)
	if err != nil {
		t.Fatalf("CreateTaskWithReminder: %v", err)
	}

	d := rec.wait(t, 2*time.Second)
	if d.at.Before(rem.FireAt) {
		t.Fatalf("delivered at %s, before fire_at %s", d.at, rem.FireAt)
	}
	if late := d.at.Sub(rem.FireAt); late > time.Second {
		t.Fatalf("delivered %s late", late)
	}
	if d.task.ID != task.ID || d.reminder.ID != rem.ID {
		t.Fatalf("delivered task %s reminder %s, want %s %s", d.task.ID, d.reminder.ID, task.ID, rem.ID)
	}
	if d.reminder.Status != domain.StatusFired {
		t.Fatalf("delivered status = %s, want fired", d.reminder.Status)
	}

	time.Sleep(300 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	v, err := ts.GetTask(ctx, owner, 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if v.Reminder != nil {
		t.Fatalf("reminder still pending after fire: %+v", v.Reminder)
	}
	snap := s.Snapshot()
	if snap.Fired != 1 || snap.Pending != 0 || len(snap.History) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestEarlierInsertInterruptsSleep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, _ := startHarness(t, storage.NewMemory(), rec, nil)

	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "later", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create later: %v", err)
	}
	// Let the worker arm its timer for the hour-away reminder.
	time.Sleep(50 * time.Millisecond)

	task, rem, err := ts.CreateTaskWithReminder(ctx, owner, "soon", time.Now().Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("create soon: %v", err)
	}
	d := rec.wait(t, 2*time.Second)
	if d.task.ID != task.ID {
		t.Fatalf("delivered %q, want the earlier reminder", d.task.Description)
	}
	if late := d.at.Sub(rem.FireAt); late < 0 || late > time.Second {
		t.Fatalf("delivered %s relative to fire_at", late)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestSnoozeBeforeFireReplacesOriginal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, _ := startHarness(t, storage.NewMemory(), rec, nil)

	start := time.Now()
	_, orig, err := ts.CreateTaskWithReminder(ctx, owner, "call mom", start.Add(300*time.Millisecond))
	if err != nil {
		t.Fatalf("CreateTaskWithReminder: %v", err)
	}
	snoozed, err := ts.Snooze(ctx, owner, 1, 700*time.Millisecond)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if snoozed.ID == orig.ID || snoozed.SnoozeCount != 1 {
		t.Fatalf("snoozed reminder = %+v", snoozed)
	}

	d := rec.wait(t, 3*time.Second)
	if d.reminder.ID != snoozed.ID {
		t.Fatalf("delivered reminder %s, want snoozed %s", d.reminder.ID, snoozed.ID)
	}
	if d.at.Before(snoozed.FireAt) {
		t.Fatalf("delivered at %s, before snoozed fire_at %s", d.at, snoozed.FireAt)
	}
	time.Sleep(300 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestRestartFiresOverdueOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemory()

	// Reminders written while no scheduler is running.
	offline := store.New(db, store.Config{}, logx.Nop())
	now := time.Now()
	if _, _, err := offline.CreateTaskWithReminder(ctx, owner, "A", now.Add(-10*time.Second)); err != nil {
		t.Fatalf("create A: %v", err)
	}
	_, b, err := offline.CreateTaskWithReminder(ctx, owner, "B", now.Add(600*time.Second))
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	rec := newRecorder()
	_, s := startHarness(t, db, rec, nil)

	d := rec.wait(t, time.Second)
	if d.task.Description != "A" {
		t.Fatalf("first delivery = %q, want A", d.task.Description)
	}
	time.Sleep(300 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	snap := s.Snapshot()
	if snap.Pending != 1 || !snap.NextFire.Equal(b.FireAt) {
		t.Fatalf("snapshot pending=%d next=%s, want 1 %s", snap.Pending, snap.NextFire, b.FireAt)
	}

	// A second process start must not deliver A again.
	rec2 := newRecorder()
	startHarness(t, db, rec2, nil)
	time.Sleep(300 * time.Millisecond)
	if n := rec2.count(); n != 0 {
		t.Fatalf("deliveries after second restart = %d, want 0", n)
	}
}

func TestCompleteCancelsPendingReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, s := startHarness(t, storage.NewMemory(), rec, nil)

	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "pay rent", time.Now().Add(200*time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ts.CompleteTask(ctx, owner, 1); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("deliveries after complete = %d, want 0", n)
	}
	snap := s.Snapshot()
	if snap.Cancelled != 1 || snap.Pending != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDeleteCancelsAndKeepsOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, _ := startHarness(t, storage.NewMemory(), rec, nil)

	fireAt := time.Now().Add(250 * time.Millisecond)
	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "one", fireAt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "two", fireAt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ts.DeleteTask(ctx, owner, 1); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	d := rec.wait(t, 2*time.Second)
	if d.task.Description != "two" || d.task.Seq != 1 {
		t.Fatalf("delivered %q seq %d, want two seq 1", d.task.Description, d.task.Seq)
	}
	time.Sleep(200 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestDeliveryFailureMarksFired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	rec.fail = func(int) error { return errors.New("chat unreachable") }
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	ts, s := startHarness(t, storage.NewMemory(), rec, bus)

	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "reminder.failed" {
				continue
			}
			re, ok := ev.Data.(scheduler.ReminderEvent)
			if !ok || re.Attempts != 3 || re.Error == "" {
				t.Fatalf("failed event = %+v", ev.Data)
			}
			if n := rec.count(); n != 3 {
				t.Fatalf("attempts = %d, want 3", n)
			}
			if snap := s.Snapshot(); snap.Failed != 1 || snap.Fired != 1 {
				t.Fatalf("snapshot = %+v", snap)
			}
			v, err := ts.GetTask(ctx, owner, 1)
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if v.Reminder != nil {
				t.Fatalf("reminder pending after failed delivery")
			}
			return
		case <-deadline:
			t.Fatalf("no reminder.failed event")
		}
	}
}

func TestNoRetryStopsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	rec.fail = func(int) error { return scheduler.NoRetry(errors.New("bot blocked")) }
	ts, s := startHarness(t, storage.NewMemory(), rec, nil)

	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "x", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Failed == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery never failed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestDeliveryRetrySucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	rec.fail = func(n int) error {
		if n < 3 {
			return errors.New("timeout")
		}
		return nil
	}
	ts, s := startHarness(t, storage.NewMemory(), rec, nil)
	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "x", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.wait(t, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	snap := s.Snapshot()
	if snap.Failed != 0 || len(snap.History) != 1 || snap.History[0].Attempts != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

type rateLimited struct{ after time.Duration }

func (e rateLimited) Error() string             { return "too many requests" }
func (e rateLimited) RetryAfter() time.Duration { return e.after }

func TestDeliveryHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	var first time.Time
	rec.fail = func(n int) error {
		if n == 1 {
			first = time.Now()
			// Well above RetryMaxDelay in testConfig.
			return rateLimited{after: 150 * time.Millisecond}
		}
		return nil
	}
	ts, _ := startHarness(t, storage.NewMemory(), rec, nil)
	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "x", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	d := rec.wait(t, 2*time.Second)
	if gap := d.at.Sub(first); gap < 150*time.Millisecond {
		t.Fatalf("retried after %s, want at least 150ms", gap)
	}
}

func TestSnoozeErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts, s := startHarness(t, storage.NewMemory(), newRecorder(), nil)

	if _, err := s.Snooze(ctx, "missing", time.Minute); !domain.IsNotFound(err) {
		t.Fatalf("unknown task: err = %v, want NotFound", err)
	}
	if _, err := ts.CreateTask(ctx, owner, "no reminder"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ts.Snooze(ctx, owner, 1, time.Minute); !domain.IsNotFound(err) {
		t.Fatalf("task without reminder: err = %v, want NotFound", err)
	}
	if _, err := ts.Snooze(ctx, owner, 1, -time.Minute); !domain.IsValidation(err) {
		t.Fatalf("negative duration: err = %v, want Validation", err)
	}
	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "done soon", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ts.CompleteTask(ctx, owner, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := ts.Snooze(ctx, owner, 2, time.Minute); !domain.IsValidation(err) {
		t.Fatalf("completed task: err = %v, want Validation", err)
	}
}

func TestSnoozeFiredReminderUsesDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newRecorder()
	ts, s := startHarness(t, storage.NewMemory(), rec, nil)

	if _, _, err := ts.CreateTaskWithReminder(ctx, owner, "stretch", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.wait(t, time.Second)

	before := time.Now()
	r, err := ts.Snooze(ctx, owner, 1, 0)
	if err != nil {
		t.Fatalf("Snooze fired reminder: %v", err)
	}
	if got := r.FireAt.Sub(before); got < 15*time.Minute || got > 15*time.Minute+time.Second {
		t.Fatalf("default snooze moved by %s, want 15m", got)
	}
	if snap := s.Snapshot(); snap.Pending != 1 || snap.Snoozed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestResyncPicksUpExternalWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemory()
	_, s := startHarness(t, db, newRecorder(), nil)

	// Written by a store that is not attached to the scheduler.
	other := store.New(db, store.Config{}, logx.Nop())
	if _, _, err := other.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := s.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if n != 1 || s.Snapshot().Pending != 1 {
		t.Fatalf("resync pending = %d, want 1", n)
	}
}

type flakyBackend struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (b *flakyBackend) PendingReminders(context.Context) ([]domain.Reminder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.fails {
		return nil, domain.WrapPersistence("load", errors.New("database is locked"))
	}
	return nil, nil
}

func (b *flakyBackend) ClaimReminder(context.Context, string) (domain.Task, domain.Reminder, bool, error) {
	return domain.Task{}, domain.Reminder{}, false, nil
}

func (b *flakyBackend) RescheduleReminder(context.Context, string, time.Time) (domain.Reminder, error) {
	return domain.Reminder{}, errors.New("unused")
}

func TestStartRetriesLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		fails   int
		wantErr bool
	}{
		{"recovers", 2, false},
		{"gives up", 10, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &flakyBackend{fails: tc.fails}
			s := scheduler.New(testConfig(), b, newRecorder(), logx.Nop(), nil)
			err := s.Start(context.Background())
			if tc.wantErr {
				if !domain.IsPersistence(err) {
					t.Fatalf("Start err = %v, want persistence error", err)
				}
				if b.calls != 3 {
					t.Fatalf("load calls = %d, want 3", b.calls)
				}
				if err := s.Insert(context.Background(), domain.Reminder{TaskID: "t", Status: domain.StatusPending}); !errors.Is(err, scheduler.ErrNotStarted) {
					t.Fatalf("Insert after failed start: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			_ = s.Stop(context.Background())
		})
	}
}

func TestStoppedSchedulerRejectsRequests(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testConfig(), &flakyBackend{}, newRecorder(), logx.Nop(), nil)
	if err := s.Cancel(context.Background(), "t"); !errors.Is(err, scheduler.ErrNotStarted) {
		t.Fatalf("Cancel before start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Cancel(context.Background(), "t"); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("Cancel after stop: %v", err)
	}
	if s.Snapshot().Running {
		t.Fatalf("snapshot reports running after Stop")
	}
}
