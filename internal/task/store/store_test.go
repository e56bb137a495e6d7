package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

const owner int64 = 7

type fakeScheduler struct {
	mu        sync.Mutex
	inserted  []domain.Reminder
	cancelled []string
	st        *Store
	insertErr error
}

func (f *fakeScheduler) Insert(_ context.Context, r domain.Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, r)
	return f.insertErr
}

func (f *fakeScheduler) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeScheduler) Snooze(ctx context.Context, taskID string, d time.Duration) (domain.Reminder, error) {
	return f.st.RescheduleReminder(ctx, taskID, f.st.now().Add(d))
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeScheduler) {
	t.Helper()
	db := storage.NewMemory()
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, cfg, logx.Nop())
	fs := &fakeScheduler{st: s}
	s.SetScheduler(fs)
	return s, fs
}

func seqsOf(t *testing.T, s *Store) ([]int, []string) {
	t.Helper()
	tasks, err := s.ListTasks(context.Background(), owner)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var seqs []int
	var descs []string
	for _, tk := range tasks {
		seqs = append(seqs, tk.Seq)
		descs = append(descs, tk.Description)
	}
	return seqs, descs
}

func assertContiguous(t *testing.T, s *Store) {
	t.Helper()
	seqs, _ := seqsOf(t, s)
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("seqs = %v, want 1..%d", seqs, len(seqs))
		}
	}
}

func TestCreateAssignsNextSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})

	for i, desc := range []string{"a", "b", "c"} {
		tk, err := s.CreateTask(ctx, owner, desc)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if tk.Seq != i+1 || tk.OwnerID != owner || tk.ID == "" {
			t.Fatalf("task = %+v, want seq %d", tk, i+1)
		}
	}
	// Other owners number independently.
	tk, err := s.CreateTask(ctx, owner+1, "x")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if tk.Seq != 1 {
		t.Fatalf("other owner seq = %d, want 1", tk.Seq)
	}
}

func TestSeqsStayContiguous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{MaxTasks: 1000})
	rng := rand.New(rand.NewSource(1))

	n := 0
	for i := 0; i < 200; i++ {
		if n == 0 || rng.Intn(3) > 0 {
			if _, err := s.CreateTask(ctx, owner, "task"); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			n++
		} else {
			if _, err := s.DeleteTask(ctx, owner, rng.Intn(n)+1); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			n--
		}
		assertContiguous(t, s)
	}
}

func TestListNeverSeesPartialRenumber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{MaxTasks: 100})
	for i := 0; i < 40; i++ {
		if _, err := s.CreateTask(ctx, owner, "task"); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			tasks, err := s.ListTasks(ctx, owner)
			if err != nil {
				t.Errorf("ListTasks: %v", err)
				return
			}
			for i, tk := range tasks {
				if tk.Seq != i+1 {
					t.Errorf("observed seq %d at position %d of %d", tk.Seq, i+1, len(tasks))
					return
				}
			}
		}
	}()

	for i := 0; i < 39; i++ {
		if _, err := s.DeleteTask(ctx, owner, 1); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
	}
	close(done)
	wg.Wait()
	assertContiguous(t, s)
	if seqs, _ := seqsOf(t, s); len(seqs) != 1 {
		t.Fatalf("seqs = %v, want one task left", seqs)
	}
}

func TestDeleteRenumbersAndKeepsReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})
	fireAt := time.Now().Add(time.Hour)

	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "A", fireAt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTask(ctx, owner, "B"); err != nil {
		t.Fatalf("create: %v", err)
	}
	c, rc, err := s.CreateTaskWithReminder(ctx, owner, "C", fireAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, err := s.DeleteTask(ctx, owner, 1)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if deleted.Description != "A" {
		t.Fatalf("deleted %q, want A", deleted.Description)
	}
	seqs, descs := seqsOf(t, s)
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 || descs[0] != "B" || descs[1] != "C" {
		t.Fatalf("after delete: seqs %v descs %v", seqs, descs)
	}
	if len(fs.cancelled) != 1 || fs.cancelled[0] != deleted.ID {
		t.Fatalf("cancelled = %v, want [%s]", fs.cancelled, deleted.ID)
	}

	v, err := s.GetTask(ctx, owner, 2)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if v.Task.ID != c.ID || v.Reminder == nil || v.Reminder.ID != rc.ID {
		t.Fatalf("task #2 = %+v, want C with its reminder", v)
	}

	pending, err := s.PendingReminders(ctx)
	if err != nil {
		t.Fatalf("PendingReminders: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rc.ID {
		t.Fatalf("pending = %+v, want only C's reminder", pending)
	}

	if _, err := s.DeleteTask(ctx, owner, 3); !domain.IsNotFound(err) {
		t.Fatalf("delete missing: err = %v, want NotFound", err)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{MaxTasks: 2})

	if _, err := s.CreateTask(ctx, owner, "   "); !domain.IsValidation(err) {
		t.Fatalf("blank description: err = %v", err)
	}
	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Time{}); !domain.IsValidation(err) {
		t.Fatalf("zero fire time: err = %v", err)
	}
	for _, seq := range []int{0, -1} {
		if _, err := s.CompleteTask(ctx, owner, seq); !domain.IsValidation(err) {
			t.Fatalf("CompleteTask(%d): err = %v", seq, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := s.CreateTask(ctx, owner, "x"); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	_, err := s.CreateTask(ctx, owner, "one too many")
	if !domain.IsValidation(err) || domain.CodeOf(err) != domain.CodeLimit {
		t.Fatalf("over limit: err = %v (code %s)", err, domain.CodeOf(err))
	}
	var le *domain.LimitExceededError
	if !errors.As(err, &le) || le.Limit != 2 {
		t.Fatalf("over limit: err = %#v", err)
	}
	if _, err := s.EditTask(ctx, owner, 1, TaskEdit{}); !domain.IsValidation(err) {
		t.Fatalf("empty edit: err = %v", err)
	}
}

func TestDescriptionTruncated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{MaxDescription: 5})

	tk, err := s.CreateTask(ctx, owner, "  héllo world  ")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if tk.Description != "héllo" {
		t.Fatalf("description = %q, want %q", tk.Description, "héllo")
	}
	long := strings.Repeat("ж", 10)
	edited, err := s.EditTask(ctx, owner, 1, TaskEdit{Description: &long})
	if err != nil {
		t.Fatalf("EditTask: %v", err)
	}
	if edited.Description != strings.Repeat("ж", 5) {
		t.Fatalf("edited = %q", edited.Description)
	}
}

func TestCompleteCancelsReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})

	tk, _, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(fs.inserted))
	}
	done, err := s.CompleteTask(ctx, owner, 1)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !done.Completed || done.CompletedAt.IsZero() {
		t.Fatalf("completed task = %+v", done)
	}
	if len(fs.cancelled) != 1 || fs.cancelled[0] != tk.ID {
		t.Fatalf("cancelled = %v", fs.cancelled)
	}
	v, err := s.GetTask(ctx, owner, 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if v.Reminder != nil {
		t.Fatalf("pending reminder survived completion")
	}

	if _, err := s.CompleteTask(ctx, owner, 1); !domain.IsValidation(err) {
		t.Fatalf("second complete: err = %v, want Validation", err)
	}
	if _, err := s.CompleteByID(ctx, owner, tk.ID); !domain.IsValidation(err) {
		t.Fatalf("complete by id: err = %v, want Validation", err)
	}
	if _, err := s.SetReminder(ctx, owner, 1, time.Now().Add(time.Hour)); !domain.IsValidation(err) {
		t.Fatalf("SetReminder on completed task: err = %v", err)
	}
}

func TestCompleteWithoutReminderSkipsScheduler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})
	if _, err := s.CreateTask(ctx, owner, "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CompleteTask(ctx, owner, 1); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if len(fs.cancelled) != 0 {
		t.Fatalf("cancelled = %v, want none", fs.cancelled)
	}
}

func TestSetReminderReplacesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})
	_, first, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.SetReminder(ctx, owner, 1, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SetReminder: %v", err)
	}
	if second.ID == first.ID || second.SnoozeCount != 0 || !second.Pending() {
		t.Fatalf("new reminder = %+v", second)
	}
	if len(fs.inserted) != 2 || fs.inserted[1].ID != second.ID {
		t.Fatalf("inserted = %+v", fs.inserted)
	}
	pending, err := s.PendingReminders(ctx)
	if err != nil {
		t.Fatalf("PendingReminders: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending = %+v, want only the replacement", pending)
	}
}

func TestSchedulerErrorDoesNotFailWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})
	fs.insertErr = errors.New("scheduler stopped")
	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pending, _ := s.PendingReminders(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestRescheduleReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})

	tk, first, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r1, err := s.Snooze(ctx, owner, 1, 10*time.Minute)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	r2, err := s.SnoozeByID(ctx, owner, tk.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("SnoozeByID: %v", err)
	}
	if r1.SnoozeCount != 1 || r2.SnoozeCount != 2 {
		t.Fatalf("snooze counts = %d, %d, want 1, 2", r1.SnoozeCount, r2.SnoozeCount)
	}
	pending, _ := s.PendingReminders(ctx)
	if len(pending) != 1 || pending[0].ID != r2.ID || pending[0].ID == first.ID {
		t.Fatalf("pending = %+v, want only the latest snooze", pending)
	}

	if _, err := s.RescheduleReminder(ctx, "nope", time.Now()); !domain.IsNotFound(err) {
		t.Fatalf("unknown task: err = %v", err)
	}
	if _, err := s.CreateTask(ctx, owner, "plain"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = s.Snooze(ctx, owner, 2, time.Minute)
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) || nf.What != "reminder for task" || nf.Seq != 2 {
		t.Fatalf("no reminder: err = %#v", err)
	}
	if _, err := s.SnoozeByID(ctx, owner+1, tk.ID, time.Minute); !domain.IsNotFound(err) {
		t.Fatalf("foreign task: err = %v", err)
	}
}

func TestSnoozeCountWithFrozenClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})
	frozen := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "x", frozen.Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Every reminder shares one CreatedAt, so their stored order is arbitrary.
	for want := 1; want <= 6; want++ {
		r, err := s.Snooze(ctx, owner, 1, time.Minute)
		if err != nil {
			t.Fatalf("Snooze #%d: %v", want, err)
		}
		if r.SnoozeCount != want {
			t.Fatalf("snooze #%d count = %d", want, r.SnoozeCount)
		}
	}
}

func TestClaimReminderIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})

	tk, r, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gotTask, claimed, ok, err := s.ClaimReminder(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if gotTask.ID != tk.ID || claimed.Status != domain.StatusFired {
		t.Fatalf("claimed %+v for %+v", claimed, gotTask)
	}
	if _, _, ok, err := s.ClaimReminder(ctx, r.ID); err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v, want not ok", ok, err)
	}
	if _, _, ok, err := s.ClaimReminder(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing claim: ok=%v err=%v", ok, err)
	}

	// A cancelled reminder loses the race.
	_, r2, err := s.CreateTaskWithReminder(ctx, owner, "y", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CompleteTask(ctx, owner, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, ok, err := s.ClaimReminder(ctx, r2.ID); err != nil || ok {
		t.Fatalf("claim after complete: ok=%v err=%v", ok, err)
	}
}

func TestDeleteAllTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fs := newTestStore(t, Config{})
	for i := 0; i < 3; i++ {
		if _, _, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := s.DeleteAllTasks(ctx, owner)
	if err != nil || n != 3 {
		t.Fatalf("DeleteAllTasks = %d, %v", n, err)
	}
	if len(fs.cancelled) != 3 {
		t.Fatalf("cancelled = %d, want 3", len(fs.cancelled))
	}
	if tasks, _ := s.ListTasks(ctx, owner); len(tasks) != 0 {
		t.Fatalf("tasks left: %d", len(tasks))
	}
	tk, err := s.CreateTask(ctx, owner, "fresh")
	if err != nil || tk.Seq != 1 {
		t.Fatalf("after wipe: seq %d err %v", tk.Seq, err)
	}
}

func TestOverview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})
	if _, err := s.CreateTask(ctx, owner, "plain"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "timed", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	views, err := s.Overview(ctx, owner)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(views) != 2 || views[0].Reminder != nil || views[1].Reminder == nil {
		t.Fatalf("views = %+v", views)
	}
}

func TestPruneReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})
	_, r, err := s.CreateTaskWithReminder(ctx, owner, "x", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, _, err := s.ClaimReminder(ctx, r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := s.CreateTaskWithReminder(ctx, owner, "y", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := s.PruneReminders(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneReminders = %d, %v, want 1", n, err)
	}
	if pending, _ := s.PendingReminders(ctx); len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

type brokenStore struct{ storage.Store }

func (brokenStore) Update(context.Context, func(storage.Tx) error) error {
	return errors.New("disk I/O error")
}

func TestStorageErrorsArePersistence(t *testing.T) {
	t.Parallel()
	s := New(brokenStore{storage.NewMemory()}, Config{}, logx.Nop())
	_, err := s.CreateTask(context.Background(), owner, "x")
	if !domain.IsPersistence(err) {
		t.Fatalf("err = %v, want persistence error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(storage.NewMemory(), Config{}, logx.Nop()).ListTasks(ctx, owner); err != nil && domain.IsPersistence(err) {
		t.Fatalf("cancelled context reported as persistence error: %v", err)
	}
}
