package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"remindbot/internal/domain"
	logx "remindbot/pkg/logx"
)

var (
	bucketTasks         = []byte("tasks")          // id -> task json
	bucketTaskSeq       = []byte("task_seq")       // owner|seq -> id
	bucketReminders     = []byte("reminders")      // id -> reminder json
	bucketTaskReminders = []byte("task_reminders") // task_id|created|id -> id
	bucketPending       = []byte("pending")        // fire_at|task_id|id -> id
	bucketProfiles      = []byte("profiles")       // user_id -> profile json
)

type boltStore struct {
	db  *bolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketTaskSeq, bucketReminders, bucketTaskReminders, bucketPending, bucketProfiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("bolt store opened", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (s *boltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) writable() error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	return nil
}

func ownerPrefix(owner int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(owner))
	return k
}

func seqKey(owner int64, seq int) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint64(k, uint64(owner))
	binary.BigEndian.PutUint32(k[8:], uint32(seq))
	return k
}

func userKey(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) }

func pendingKey(r domain.Reminder) []byte {
	return []byte(formatTS(r.FireAt) + "|" + r.TaskID + "|" + r.ID)
}

func taskReminderKey(r domain.Reminder) []byte {
	return []byte(r.TaskID + "|" + formatTS(r.CreatedAt) + "|" + r.ID)
}

func getJSON[T any](b *bolt.Bucket, key []byte) (T, error) {
	var v T
	raw := b.Get(key)
	if raw == nil {
		return v, ErrNotFound
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func (t *boltTx) Task(id string) (domain.Task, error) {
	return getJSON[domain.Task](t.tx.Bucket(bucketTasks), []byte(id))
}

func (t *boltTx) TaskBySeq(ownerID int64, seq int) (domain.Task, error) {
	id := t.tx.Bucket(bucketTaskSeq).Get(seqKey(ownerID, seq))
	if id == nil {
		return domain.Task{}, ErrNotFound
	}
	return t.Task(string(id))
}

func (t *boltTx) TasksByOwner(ownerID int64) ([]domain.Task, error) {
	prefix := ownerPrefix(ownerID)
	tasks := t.tx.Bucket(bucketTasks)
	c := t.tx.Bucket(bucketTaskSeq).Cursor()
	var out []domain.Task
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		task, err := getJSON[domain.Task](tasks, v)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (t *boltTx) PutTask(task domain.Task) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := checkTask(&task); err != nil {
		return err
	}
	seqs := t.tx.Bucket(bucketTaskSeq)
	key := seqKey(task.OwnerID, task.Seq)
	if id := seqs.Get(key); id != nil && string(id) != task.ID {
		return ErrConflict
	}
	if old, err := t.Task(task.ID); err == nil {
		oldKey := seqKey(old.OwnerID, old.Seq)
		if string(seqs.Get(oldKey)) == task.ID {
			if err := seqs.Delete(oldKey); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := seqs.Put(key, []byte(task.ID)); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketTasks), []byte(task.ID), task)
}

func (t *boltTx) DeleteTask(id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, err := t.Task(id)
	if err != nil {
		return err
	}
	seqs := t.tx.Bucket(bucketTaskSeq)
	oldKey := seqKey(old.OwnerID, old.Seq)
	if string(seqs.Get(oldKey)) == id {
		if err := seqs.Delete(oldKey); err != nil {
			return err
		}
	}
	return t.tx.Bucket(bucketTasks).Delete([]byte(id))
}

func (t *boltTx) Reminder(id string) (domain.Reminder, error) {
	return getJSON[domain.Reminder](t.tx.Bucket(bucketReminders), []byte(id))
}

func (t *boltTx) remindersFromIndex(bucket, prefix []byte) ([]domain.Reminder, error) {
	rems := t.tx.Bucket(bucketReminders)
	c := t.tx.Bucket(bucket).Cursor()
	var out []domain.Reminder
	k, v := c.First()
	if prefix != nil {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		r, err := getJSON[domain.Reminder](rems, v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *boltTx) RemindersByTask(taskID string) ([]domain.Reminder, error) {
	return t.remindersFromIndex(bucketTaskReminders, []byte(taskID+"|"))
}

func (t *boltTx) PendingReminders() ([]domain.Reminder, error) {
	out, err := t.remindersFromIndex(bucketPending, nil)
	if err != nil {
		return nil, err
	}
	// Keys already sort by (fire_at, task_id); keep the shared tie-break anyway.
	sortByFireAt(out)
	return out, nil
}

func (t *boltTx) PutReminder(r domain.Reminder) error {
	if err := t.writable(); err != nil {
		return err
	}
	var prev *domain.Reminder
	old, err := t.Reminder(r.ID)
	switch {
	case err == nil:
		prev = &old
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if err := checkReminder(prev, &r); err != nil {
		return err
	}
	pending := t.tx.Bucket(bucketPending)
	byTask := t.tx.Bucket(bucketTaskReminders)
	if prev != nil {
		if err := pending.Delete(pendingKey(*prev)); err != nil {
			return err
		}
		if err := byTask.Delete(taskReminderKey(*prev)); err != nil {
			return err
		}
	}
	if r.Pending() {
		if err := pending.Put(pendingKey(r), []byte(r.ID)); err != nil {
			return err
		}
	}
	if err := byTask.Put(taskReminderKey(r), []byte(r.ID)); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketReminders), []byte(r.ID), r)
}

func (t *boltTx) PruneReminders(before time.Time) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	rems := t.tx.Bucket(bucketReminders)
	var doomed []domain.Reminder
	err := rems.ForEach(func(_, v []byte) error {
		var r domain.Reminder
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			doomed = append(doomed, r)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// Never mutate a bucket inside its own ForEach.
	byTask := t.tx.Bucket(bucketTaskReminders)
	for _, r := range doomed {
		if err := byTask.Delete(taskReminderKey(r)); err != nil {
			return 0, err
		}
		if err := rems.Delete([]byte(r.ID)); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (t *boltTx) Profile(userID int64) (domain.Profile, error) {
	return getJSON[domain.Profile](t.tx.Bucket(bucketProfiles), userKey(userID))
}

func (t *boltTx) PutProfile(p domain.Profile) error {
	if err := t.writable(); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketProfiles), userKey(p.UserID), p)
}
