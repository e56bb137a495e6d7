package scheduler

import (
	"container/heap"
	"time"

	"remindbot/internal/domain"
)

type item struct {
	rem   domain.Reminder
	due   time.Time // normally rem.FireAt; later when a claim is retried
	index int
}

// queue is a min-heap by (due, task id) with an index by task id. A task
// has at most one entry. Only the worker goroutine touches it.
type queue struct {
	items  []*item
	byTask map[string]*item
}

func newQueue() *queue {
	return &queue{byTask: map[string]*item{}}
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return a.rem.TaskID < b.rem.TaskID
}

func (q *queue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *queue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	it.index = -1
	return it
}

// upsert adds r due at due, replacing the entry of the same task unless that
// entry holds a newer reminder. It reports whether the queue changed.
func (q *queue) upsert(r domain.Reminder, due time.Time) bool {
	if cur, ok := q.byTask[r.TaskID]; ok {
		if r.ID != cur.rem.ID && r.CreatedAt.Before(cur.rem.CreatedAt) {
			return false
		}
		cur.rem, cur.due = r, due
		heap.Fix(q, cur.index)
		return true
	}
	it := &item{rem: r, due: due}
	heap.Push(q, it)
	q.byTask[r.TaskID] = it
	return true
}

func (q *queue) remove(taskID string) bool {
	it, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	heap.Remove(q, it.index)
	delete(q.byTask, taskID)
	return true
}

func (q *queue) peek() (*item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// popDue removes and returns the earliest entry if it is due at now.
func (q *queue) popDue(now time.Time) (*item, bool) {
	it, ok := q.peek()
	if !ok || it.due.After(now) {
		return nil, false
	}
	heap.Pop(q)
	delete(q.byTask, it.rem.TaskID)
	return it, true
}

func (q *queue) reset(rems []domain.Reminder) {
	q.items = q.items[:0]
	q.byTask = make(map[string]*item, len(rems))
	for _, r := range rems {
		if !r.Pending() {
			continue
		}
		q.upsert(r, r.FireAt)
	}
}
