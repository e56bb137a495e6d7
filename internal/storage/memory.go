package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindbot/internal/domain"
)

type ownerSeq struct {
	owner int64
	seq   int
}

// memState is the in-memory data set shared by the memory and file drivers.
type memState struct {
	tasks     map[string]domain.Task
	bySeq     map[ownerSeq]string
	reminders map[string]domain.Reminder
	profiles  map[int64]domain.Profile
}

func newMemState() *memState {
	return &memState{
		tasks:     map[string]domain.Task{},
		bySeq:     map[ownerSeq]string{},
		reminders: map[string]domain.Reminder{},
		profiles:  map[int64]domain.Profile{},
	}
}

// journalOp is one committed mutation. The file driver appends these to its
// journal; replaying them in order reproduces the state.
type journalOp struct {
	Op       string           `json:"op"`
	ID       string           `json:"id,omitempty"`
	Task     *domain.Task     `json:"task,omitempty"`
	Reminder *domain.Reminder `json:"reminder,omitempty"`
	Profile  *domain.Profile  `json:"profile,omitempty"`
}

const (
	opPutTask     = "put_task"
	opDelTask     = "del_task"
	opPutReminder = "put_reminder"
	opDelReminder = "del_reminder"
	opPutProfile  = "put_profile"
)

// apply replays a journal op without validation.
func (st *memState) apply(op journalOp) {
	switch op.Op {
	case opPutTask:
		if op.Task != nil {
			st.putTask(*op.Task)
		}
	case opDelTask:
		st.delTask(op.ID)
	case opPutReminder:
		if op.Reminder != nil {
			st.reminders[op.Reminder.ID] = *op.Reminder
		}
	case opDelReminder:
		delete(st.reminders, op.ID)
	case opPutProfile:
		if op.Profile != nil {
			st.profiles[op.Profile.UserID] = *op.Profile
		}
	}
}

func (st *memState) putTask(t domain.Task) {
	if old, ok := st.tasks[t.ID]; ok {
		k := ownerSeq{old.OwnerID, old.Seq}
		if st.bySeq[k] == t.ID {
			delete(st.bySeq, k)
		}
	}
	st.tasks[t.ID] = t
	st.bySeq[ownerSeq{t.OwnerID, t.Seq}] = t.ID
}

func (st *memState) delTask(id string) {
	old, ok := st.tasks[id]
	if !ok {
		return
	}
	k := ownerSeq{old.OwnerID, old.Seq}
	if st.bySeq[k] == id {
		delete(st.bySeq, k)
	}
	delete(st.tasks, id)
}

type memoryStore struct {
	mu     sync.RWMutex
	st     *memState
	closed bool

	// commit persists the ops of a successful Update before it is
	// acknowledged. A failing commit rolls the transaction back.
	commit func(ops []journalOp) error
	close  func() error
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{st: newMemState()}
}

func (s *memoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&memTx{st: s.st, readOnly: true})
}

func (s *memoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := &memTx{st: s.st}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if s.commit != nil && len(tx.ops) > 0 {
		if err := s.commit(tx.ops); err != nil {
			tx.rollback()
			return err
		}
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

// memTx writes through to the shared state and keeps an undo log.
type memTx struct {
	st       *memState
	readOnly bool
	ops      []journalOp
	undo     []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.ops = nil
}

func (tx *memTx) Task(id string) (domain.Task, error) {
	t, ok := tx.st.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (tx *memTx) TaskBySeq(ownerID int64, seq int) (domain.Task, error) {
	id, ok := tx.st.bySeq[ownerSeq{ownerID, seq}]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return tx.Task(id)
}

func (tx *memTx) TasksByOwner(ownerID int64) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range tx.st.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (tx *memTx) PutTask(t domain.Task) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if err := checkTask(&t); err != nil {
		return err
	}
	if id, ok := tx.st.bySeq[ownerSeq{t.OwnerID, t.Seq}]; ok && id != t.ID {
		return ErrConflict
	}
	old, existed := tx.st.tasks[t.ID]
	tx.st.putTask(t)
	tx.undo = append(tx.undo, func() {
		tx.st.delTask(t.ID)
		if existed {
			tx.st.putTask(old)
		}
	})
	tx.ops = append(tx.ops, journalOp{Op: opPutTask, Task: &t})
	return nil
}

func (tx *memTx) DeleteTask(id string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	old, ok := tx.st.tasks[id]
	if !ok {
		return ErrNotFound
	}
	tx.st.delTask(id)
	tx.undo = append(tx.undo, func() { tx.st.putTask(old) })
	tx.ops = append(tx.ops, journalOp{Op: opDelTask, ID: id})
	return nil
}

func (tx *memTx) Reminder(id string) (domain.Reminder, error) {
	r, ok := tx.st.reminders[id]
	if !ok {
		return domain.Reminder{}, ErrNotFound
	}
	return r, nil
}

func (tx *memTx) RemindersByTask(taskID string) ([]domain.Reminder, error) {
	var out []domain.Reminder
	for _, r := range tx.st.reminders {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (tx *memTx) PendingReminders() ([]domain.Reminder, error) {
	var out []domain.Reminder
	for _, r := range tx.st.reminders {
		if r.Pending() {
			out = append(out, r)
		}
	}
	sortByFireAt(out)
	return out, nil
}

func (tx *memTx) PutReminder(r domain.Reminder) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	old, existed := tx.st.reminders[r.ID]
	var prev *domain.Reminder
	if existed {
		prev = &old
	}
	if err := checkReminder(prev, &r); err != nil {
		return err
	}
	tx.st.reminders[r.ID] = r
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.st.reminders[r.ID] = old
		} else {
			delete(tx.st.reminders, r.ID)
		}
	})
	tx.ops = append(tx.ops, journalOp{Op: opPutReminder, Reminder: &r})
	return nil
}

func (tx *memTx) PruneReminders(before time.Time) (int, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	n := 0
	for id, r := range tx.st.reminders {
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			old := r
			delete(tx.st.reminders, id)
			tx.undo = append(tx.undo, func() { tx.st.reminders[old.ID] = old })
			tx.ops = append(tx.ops, journalOp{Op: opDelReminder, ID: id})
			n++
		}
	}
	return n, nil
}

func (tx *memTx) Profile(userID int64) (domain.Profile, error) {
	p, ok := tx.st.profiles[userID]
	if !ok {
		return domain.Profile{}, ErrNotFound
	}
	return p, nil
}

func (tx *memTx) PutProfile(p domain.Profile) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	old, existed := tx.st.profiles[p.UserID]
	tx.st.profiles[p.UserID] = p
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.st.profiles[p.UserID] = old
		} else {
			delete(tx.st.profiles, p.UserID)
		}
	})
	tx.ops = append(tx.ops, journalOp{Op: opPutProfile, Profile: &p})
	return nil
}

func sortByCreated(rs []domain.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func sortByFireAt(rs []domain.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].FireAt.Equal(rs[j].FireAt) {
			return rs[i].FireAt.Before(rs[j].FireAt)
		}
		return rs[i].TaskID < rs[j].TaskID
	})
}
