package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"remindbot/internal/domain"
	logx "remindbot/pkg/logx"
)

// fire hands a due reminder to a supervised dispatch goroutine. The worker
// never waits for delivery.
func (s *Service) fire(ctx context.Context, it *item) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	r := it.rem
	s.inFlight.Add(1)
	sup.Go("reminder.dispatch", func(ctx context.Context) error {
		defer s.inFlight.Add(-1)
		s.dispatch(ctx, r)
		return nil
	})
}

func (s *Service) dispatch(ctx context.Context, r domain.Reminder) {
	started := s.now()
	var (
		task    domain.Task
		claimed domain.Reminder
		ok      bool
	)
	err := s.persist(ctx, "claim", func(ctx context.Context) error {
		var err error
		task, claimed, ok, err = s.backend.ClaimReminder(ctx, r.ID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cfg := s.config()
		delay := backoff(cfg.PersistRetryBase, cfg.RetryMaxDelay, cfg.RetryJitter, cfg.PersistRetries+1)
		s.requeued.Add(1)
		s.log.Warn("reminder claim failed; requeued", logx.String("reminder", r.ID), logx.Duration("retry_in", delay), logx.Err(err))
		if _, err := s.send(ctx, request{op: opRequeue, rem: r, due: s.now().Add(delay)}); err != nil && !errors.Is(err, ErrStopped) {
			s.log.Error("reminder requeue failed", logx.String("reminder", r.ID), logx.Err(err))
		}
		return
	}
	if !ok {
		// Cancelled or snoozed after it was popped.
		s.log.Debug("reminder no longer pending; skipped", logx.String("reminder", r.ID))
		return
	}
	s.fired.Add(1)

	attempts, err := s.deliver(ctx, task, claimed)
	hi := HistoryItem{
		ReminderID: claimed.ID,
		TaskID:     claimed.TaskID,
		OwnerID:    claimed.OwnerID,
		FireAt:     claimed.FireAt,
		Started:    started,
		Lateness:   max(started.Sub(claimed.FireAt), 0),
		Duration:   s.now().Sub(started),
		Attempts:   attempts,
	}
	ev := ReminderEvent{ReminderID: claimed.ID, TaskID: claimed.TaskID, OwnerID: claimed.OwnerID, FireAt: claimed.FireAt, Attempts: attempts}
	if err != nil {
		// The reminder stays fired: an unreachable user must not cause a
		// fire loop.
		derr := &domain.DispatchError{ReminderID: claimed.ID, Attempts: attempts, Err: err}
		hi.Error, ev.Error = derr.Error(), derr.Error()
		s.failed.Add(1)
		s.log.Error("reminder delivery failed", logx.String("reminder", claimed.ID), logx.Int64("owner", claimed.OwnerID), logx.Int("attempts", attempts), logx.Err(err))
		s.publish("reminder.failed", ev)
	} else {
		s.log.Info("reminder delivered", logx.String("reminder", claimed.ID), logx.Int64("owner", claimed.OwnerID), logx.Duration("late", hi.Lateness), logx.Int("attempts", attempts))
		s.publish("reminder.fired", ev)
	}
	s.record(hi)
}

func (s *Service) deliver(ctx context.Context, task domain.Task, r domain.Reminder) (int, error) {
	if s.disp == nil {
		return 0, errors.New("no dispatcher configured")
	}
	cfg := s.config()
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
		err := s.disp.Deliver(actx, task.OwnerID, task, r)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if IsNoRetry(err) || ctx.Err() != nil || attempt > cfg.DispatchRetries {
			return attempt, err
		}
		delay := backoff(cfg.DispatchRetryBase, cfg.RetryMaxDelay, cfg.RetryJitter, attempt)
		if hint, ok := suggestedDelay(err); ok {
			// Honor the remote back-off even past RetryMaxDelay.
			delay = max(delay, hint)
		}
		s.log.Debug("delivery retry scheduled", logx.String("reminder", r.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !sleep(ctx, delay) {
			return attempt, err
		}
	}
}

func (s *Service) record(hi HistoryItem) {
	size := s.config().HistorySize
	s.smu.Lock()
	s.history = append(s.history, hi)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.smu.Unlock()
}

// backoff returns base*2^(attempt-1) capped at maxD with ±jitter.
func backoff(base, maxD time.Duration, jitter float64, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if jitter > 0 {
		r := (rand.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
