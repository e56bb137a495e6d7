package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"remindbot/internal/notifier"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/task/housekeeping"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/timeparse"
)

func (a *App) status(_ context.Context) string {
	out := renderStatus(a.sched.Snapshot(), a.notif.Snapshot(), a.house.Stats(), time.Now())
	return out + renderRuntime(a.sup.Stats(), a.bus.Dropped())
}

func renderRuntime(st rtsup.Stats, dropped uint64) string {
	return fmt.Sprintf("\n<b>Runtime</b>: %d goroutines · %d restarts · %d panics · %d events dropped\n",
		st.Active, st.Restarts, st.Panics, dropped)
}

// renderStatus formats the owner /status report as HTML.
func renderStatus(s scheduler.Snapshot, sent []notifier.HistoryItem, hk housekeeping.Stats, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>Status</b>\n\n")

	state := "stopped"
	if s.Running {
		state = "running"
	}
	fmt.Fprintf(&b, "<b>Scheduler</b>: %s\n", state)
	fmt.Fprintf(&b, "pending %d · in flight %d\n", s.Pending, s.InFlight)
	if !s.NextFire.IsZero() {
		fmt.Fprintf(&b, "next fire in %s\n", timeparse.DescribeDuration(max(s.NextFire.Sub(now), 0)))
	}
	fmt.Fprintf(&b, "fired %d · failed %d · snoozed %d · cancelled %d\n\n", s.Fired, s.Failed, s.Snoozed, s.Cancelled)

	failed := 0
	var lastErr string
	for _, h := range sent {
		if h.Error != "" {
			failed++
			lastErr = h.Error
		}
	}
	fmt.Fprintf(&b, "<b>Delivery</b>: %d recent, %d failed\n", len(sent), failed)
	if lastErr != "" {
		fmt.Fprintf(&b, "last error: <code>%s</code>\n", html.EscapeString(lastErr))
	}

	b.WriteString("\n<b>Housekeeping</b>: ")
	if !hk.Running {
		b.WriteString("off\n")
		return b.String()
	}
	fmt.Fprintf(&b, "prune runs %d (pruned %d) · resyncs %d · errors %d", hk.PruneRuns, hk.Pruned, hk.Resyncs, hk.Errors)
	if !hk.LastPrune.IsZero() {
		fmt.Fprintf(&b, "\nlast prune %s", hk.LastPrune.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")
	return b.String()
}
