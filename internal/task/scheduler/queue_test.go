package scheduler

import (
	"testing"
	"time"

	"remindbot/internal/domain"
)

func rem(id, task string, fireAt, created time.Time) domain.Reminder {
	return domain.Reminder{ID: id, TaskID: task, FireAt: fireAt, CreatedAt: created, Status: domain.StatusPending}
}

func TestQueueOrder(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	q := newQueue()
	q.reset([]domain.Reminder{
		rem("r3", "t3", base.Add(2*time.Minute), base),
		rem("r2", "tb", base.Add(time.Minute), base),
		rem("r1", "ta", base.Add(time.Minute), base),
		{ID: "r4", TaskID: "t4", FireAt: base, Status: domain.StatusFired},
	})
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (fired reminders skipped)", q.Len())
	}

	if _, ok := q.popDue(base); ok {
		t.Fatalf("popDue returned an entry before anything is due")
	}
	var got []string
	for {
		it, ok := q.popDue(base.Add(time.Hour))
		if !ok {
			break
		}
		got = append(got, it.rem.ID)
	}
	want := []string{"r1", "r2", "r3"}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
}

func TestQueueUpsert(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		next    domain.Reminder
		changed bool
		wantID  string
		wantDue time.Time
	}{
		{
			name:    "newer reminder replaces",
			next:    rem("r2", "t", base.Add(time.Hour), base.Add(time.Second)),
			changed: true,
			wantID:  "r2",
			wantDue: base.Add(time.Hour),
		},
		{
			name:    "older reminder ignored",
			next:    rem("r0", "t", base.Add(time.Hour), base.Add(-time.Second)),
			wantID:  "r1",
			wantDue: base.Add(time.Minute),
		},
		{
			name:    "same reminder moves",
			next:    rem("r1", "t", base.Add(2*time.Minute), base),
			changed: true,
			wantID:  "r1",
			wantDue: base.Add(2 * time.Minute),
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := newQueue()
			q.upsert(rem("r1", "t", base.Add(time.Minute), base), base.Add(time.Minute))
			if changed := q.upsert(tc.next, tc.next.FireAt); changed != tc.changed {
				t.Fatalf("upsert changed = %v, want %v", changed, tc.changed)
			}
			if q.Len() != 1 {
				t.Fatalf("Len = %d, want 1", q.Len())
			}
			it, _ := q.peek()
			if it.rem.ID != tc.wantID || !it.due.Equal(tc.wantDue) {
				t.Fatalf("head = %s due %s, want %s due %s", it.rem.ID, it.due, tc.wantID, tc.wantDue)
			}
		})
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	q := newQueue()
	for i, id := range []string{"a", "b", "c"} {
		q.upsert(rem("r"+id, id, base.Add(time.Duration(i)*time.Minute), base), base.Add(time.Duration(i)*time.Minute))
	}
	if !q.remove("a") {
		t.Fatalf("remove(a) = false")
	}
	if q.remove("a") {
		t.Fatalf("second remove(a) = true")
	}
	it, ok := q.peek()
	if !ok || it.rem.TaskID != "b" {
		t.Fatalf("head after remove = %+v", it)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range tests {
		if got := backoff(100*time.Millisecond, time.Second, 0, tc.attempt); got != tc.want {
			t.Fatalf("backoff(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
	for i := 0; i < 50; i++ {
		got := backoff(100*time.Millisecond, time.Second, 0.5, 1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered backoff = %s, want within ±50%%", got)
		}
	}
}
