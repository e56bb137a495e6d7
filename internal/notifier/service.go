package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/domain"
	"remindbot/internal/eventbus"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrNoAdapter = errors.New("notifier: no transport adapter")

// Service implements scheduler.Dispatcher on top of a transport adapter.
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter kit.Adapter

	log      logx.Logger
	bus      eventbus.Bus
	profiles Profiles
	now      func() time.Time

	// reminder id -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ scheduler.Dispatcher = (*Service)(nil)

func New(cfg Config, adapter kit.Adapter, profiles Profiles, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter:  adapter,
		profiles: profiles,
		log:      log,
		bus:      bus,
		now:      time.Now,
		dedup:    map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		// Burst = rate so a short spike does not block.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// SetAdapter swaps the transport adapter.
func (s *Service) SetAdapter(a kit.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

// Deliver sends the reminder card for r to its owner's private chat.
func (s *Service) Deliver(ctx context.Context, userID int64, task domain.Task, r domain.Reminder) error {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()

	if ad == nil {
		return scheduler.NoRetry(ErrNoAdapter)
	}
	if cfg.DedupWindow > 0 && s.seen(r.ID) {
		s.log.Debug("duplicate delivery suppressed", logx.String("reminder", r.ID))
		s.publish("notifier.deduped", NotificationEvent{ReminderID: r.ID, TaskID: task.ID, ChatID: userID, At: s.now()})
		return nil
	}

	prof, loc := s.profile(ctx, userID)
	text := Render(task, r, prof, loc, s.now())
	opt := &kit.SendOptions{DisablePreview: true, Buttons: Buttons(task.ID, PlainTheme(prof.Theme))}

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	_, err := ad.SendText(sctx, kit.ChatTarget{ChatID: userID}, text, opt)
	cancel()

	at := s.now()
	if err != nil {
		s.appendHistory(cfg, HistoryItem{At: at, ReminderID: r.ID, ChatID: userID, Text: text, Error: err.Error()})
		s.publish("notifier.failed", NotificationEvent{ReminderID: r.ID, TaskID: task.ID, ChatID: userID, At: at, Error: err.Error()})
		if errors.Is(err, kit.ErrUnreachable) {
			return scheduler.NoRetry(err)
		}
		return err
	}
	if cfg.DedupWindow > 0 {
		s.remember(r.ID, at.Add(cfg.DedupWindow), cfg.DedupMaxEntries)
	}
	s.appendHistory(cfg, HistoryItem{At: at, ReminderID: r.ID, ChatID: userID, Text: text})
	s.publish("notifier.sent", NotificationEvent{ReminderID: r.ID, TaskID: task.ID, ChatID: userID, At: at})

	if cfg.MirrorChatID != 0 && cfg.MirrorChatID != userID {
		s.mirror(ctx, cfg, lim, ad, text)
	}
	return nil
}

// profile resolves display settings; lookup failures fall back to defaults
// rather than blocking delivery.
func (s *Service) profile(ctx context.Context, userID int64) (domain.Profile, *time.Location) {
	p := domain.Profile{UserID: userID, Timezone: domain.DefaultTimezone}
	if s.profiles == nil {
		return p, time.UTC
	}
	if got, err := s.profiles.Get(ctx, userID); err == nil {
		p = got
	} else {
		s.log.Debug("profile lookup failed", logx.Int64("user_id", userID), logx.Err(err))
	}
	loc, err := s.profiles.Location(ctx, userID)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return p, loc
}

func (s *Service) mirror(ctx context.Context, cfg Config, lim *rate.Limiter, ad kit.Adapter, text string) {
	if err := lim.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if _, err := ad.SendText(sctx, kit.ChatTarget{ChatID: cfg.MirrorChatID}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("reminder mirror failed", logx.Int64("chat_id", cfg.MirrorChatID), logx.Err(err))
	}
}

func (s *Service) seen(reminderID string) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[reminderID]
	return ok && s.now().Before(until)
}

func (s *Service) remember(reminderID string, until time.Time, maxEntries int) {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[reminderID] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(cfg Config, hi HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, hi)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
