package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/domain"
	logx "remindbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// dialect captures the differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered  bool
	txOptions *sql.TxOptions
	// unique reports a unique constraint violation.
	unique func(err error) bool
	// retryable reports a transaction that may succeed when rerun.
	retryable func(err error) bool
}

// sqlStore implements Store on database/sql for sqlite and postgres.
type sqlStore struct {
	db      *sql.DB
	d       dialect
	log     logx.Logger
	retries int
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *sqlStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.run(ctx, false, fn)
		if err == nil || s.d.retryable == nil || !s.d.retryable(err) {
			return err
		}
		s.log.Debug("transaction conflict; retrying", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return err
}

func (s *sqlStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, s.d.txOptions)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, d: s.d, readOnly: readOnly}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	return tx.Commit()
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	d        dialect
	readOnly bool
}

// q rewrites ? placeholders for dialects with numbered parameters.
func (t *sqlTx) q(query string) string {
	if !t.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const taskCols = `id, owner_id, seq, description, created_at, completed, completed_at`

func scanTask(sc interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                    domain.Task
		created, completedAt string
		completed            int
	)
	if err := sc.Scan(&t.ID, &t.OwnerID, &t.Seq, &t.Description, &created, &completed, &completedAt); err != nil {
		return domain.Task{}, err
	}
	var err error
	if t.CreatedAt, err = parseTS(created); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseTS(completedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s completed_at: %w", t.ID, err)
	}
	t.Completed = completed != 0
	return t, nil
}

func (t *sqlTx) oneTask(query string, args ...any) (domain.Task, error) {
	row := t.tx.QueryRowContext(t.ctx, t.q(query), args...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return task, err
}

func (t *sqlTx) Task(id string) (domain.Task, error) {
	return t.oneTask(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
}

func (t *sqlTx) TaskBySeq(ownerID int64, seq int) (domain.Task, error) {
	return t.oneTask(`SELECT `+taskCols+` FROM tasks WHERE owner_id = ? AND seq = ?`, ownerID, seq)
}

func (t *sqlTx) TasksByOwner(ownerID int64) ([]domain.Task, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.q(`SELECT `+taskCols+` FROM tasks WHERE owner_id = ? ORDER BY seq`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *sqlTx) PutTask(task domain.Task) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := checkTask(&task); err != nil {
		return err
	}
	completed := 0
	if task.Completed {
		completed = 1
	}
	_, err := t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO tasks(`+taskCols+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, seq=excluded.seq,
		   description=excluded.description, created_at=excluded.created_at,
		   completed=excluded.completed, completed_at=excluded.completed_at`),
		task.ID, task.OwnerID, task.Seq, task.Description, formatTS(task.CreatedAt), completed, formatTS(task.CompletedAt),
	)
	if err != nil && t.d.unique != nil && t.d.unique(err) {
		return ErrConflict
	}
	return err
}

func (t *sqlTx) DeleteTask(id string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, t.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const reminderCols = `id, task_id, owner_id, fire_at, status, snooze_count, created_at, updated_at`

func scanReminder(sc interface{ Scan(...any) error }) (domain.Reminder, error) {
	var (
		r                        domain.Reminder
		fireAt, created, updated string
		status                   string
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &r.OwnerID, &fireAt, &status, &r.SnoozeCount, &created, &updated); err != nil {
		return domain.Reminder{}, err
	}
	r.Status = domain.Status(status)
	var err error
	if r.FireAt, err = parseTS(fireAt); err != nil {
		return domain.Reminder{}, fmt.Errorf("reminder %s fire_at: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return domain.Reminder{}, fmt.Errorf("reminder %s created_at: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTS(updated); err != nil {
		return domain.Reminder{}, fmt.Errorf("reminder %s updated_at: %w", r.ID, err)
	}
	return r, nil
}

func (t *sqlTx) reminders(query string, args ...any) ([]domain.Reminder, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) Reminder(id string) (domain.Reminder, error) {
	row := t.tx.QueryRowContext(t.ctx, t.q(`SELECT `+reminderCols+` FROM reminders WHERE id = ?`), id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, ErrNotFound
	}
	return r, err
}

func (t *sqlTx) RemindersByTask(taskID string) ([]domain.Reminder, error) {
	return t.reminders(`SELECT `+reminderCols+` FROM reminders WHERE task_id = ? ORDER BY created_at, id`, taskID)
}

func (t *sqlTx) PendingReminders() ([]domain.Reminder, error) {
	return t.reminders(`SELECT `+reminderCols+` FROM reminders WHERE status = ? ORDER BY fire_at, task_id`, string(domain.StatusPending))
}

func (t *sqlTx) PutReminder(r domain.Reminder) error {
	if t.readOnly {
		return ErrReadOnly
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
	_, err = t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET task_id=excluded.task_id, owner_id=excluded.owner_id,
		   fire_at=excluded.fire_at, status=excluded.status, snooze_count=excluded.snooze_count,
		   created_at=excluded.created_at, updated_at=excluded.updated_at`),
		r.ID, r.TaskID, r.OwnerID, formatTS(r.FireAt), string(r.Status), r.SnoozeCount, formatTS(r.CreatedAt), formatTS(r.UpdatedAt),
	)
	return err
}

func (t *sqlTx) PruneReminders(before time.Time) (int, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, t.q(`DELETE FROM reminders WHERE status <> ? AND updated_at < ?`),
		string(domain.StatusPending), formatTS(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqlTx) Profile(userID int64) (domain.Profile, error) {
	var p domain.Profile
	err := t.tx.QueryRowContext(t.ctx, t.q(`SELECT user_id, timezone, display_name, theme FROM profiles WHERE user_id = ?`), userID).
		Scan(&p.UserID, &p.Timezone, &p.DisplayName, &p.Theme)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, ErrNotFound
	}
	return p, err
}

func (t *sqlTx) PutProfile(p domain.Profile) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO profiles(user_id, timezone, display_name, theme) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET timezone=excluded.timezone,
		   display_name=excluded.display_name, theme=excluded.theme`),
		p.UserID, p.Timezone, p.DisplayName, p.Theme,
	)
	return err
}
