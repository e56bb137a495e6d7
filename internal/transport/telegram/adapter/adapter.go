// Package adapter connects the bot to Telegram through telebot long polling.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
}

// Adapter implements transport.Adapter and transport.CommandMenuUpdater.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// out is the current update sink; nil while stopped.
	out atomic.Pointer[chan<- kit.Update]

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// Updates are handled by the router's worker pool.
		Synchronous: true,
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	b.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		FromID:   m.Sender.ID,
		FromName: strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		Text:     m.Text,
		Private:  m.Private(),
	}})
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Sender == nil {
		return nil
	}
	up := &kit.Callback{ID: cb.ID, FromID: cb.Sender.ID, Data: cb.Data}
	if m := cb.Message; m != nil {
		up.ChatID, up.MessageID = m.Chat.ID, m.ID
	} else {
		// Inline-mode messages carry no chat; reply privately.
		up.ChatID = cb.Sender.ID
	}
	a.forward(kit.Update{Kind: kit.UpdateCallback, Callback: up})
	return nil
}

// forward hands up to the consumer without blocking the poll loop.
func (a *Adapter) forward(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling and forwards updates to out. Calling Start on a
// running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start returns only after Stop; restart it if it exits early.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It waits at most 2s (or until ctx ends) for the poll
// loop; a stuck long poll never blocks shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
