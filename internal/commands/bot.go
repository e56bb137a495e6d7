package commands

import (
	"context"
	"strings"
	"sync"
	"time"

	"remindbot/internal/domain"
	"remindbot/internal/notifier"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

// StatusFunc renders the operator status report for /status.
type StatusFunc func(ctx context.Context) string

// Bot connects the Service to the chat router.
type Bot struct {
	svc      *Service
	status   StatusFunc
	log      logx.Logger
	sessions *editSessions
}

// BotConfig tunes chat behavior.
type BotConfig struct {
	// EditTTL is how long "edit task #n" waits for the new description.
	// Default 5m.
	EditTTL time.Duration
}

func NewBot(svc *Service, cfg BotConfig, status StatusFunc, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.EditTTL <= 0 {
		cfg.EditTTL = 5 * time.Minute
	}
	return &Bot{
		svc:      svc,
		status:   status,
		log:      log.With(logx.String("comp", "commands")),
		sessions: newEditSessions(cfg.EditTTL),
	}
}

// Apply updates the edit prompt timeout for new prompts.
func (b *Bot) Apply(cfg BotConfig) {
	if cfg.EditTTL <= 0 {
		cfg.EditTTL = 5 * time.Minute
	}
	b.sessions.mu.Lock()
	b.sessions.ttl = cfg.EditTTL
	b.sessions.mu.Unlock()
}

// Register installs commands, button callbacks and the plain text handler.
func (b *Bot) Register(m *router.CommandManager) {
	m.SetRegistry(b.Commands(), b.Callbacks())
	m.SetTextHandler(b.HandleText)
}

func (b *Bot) Commands() []router.Command {
	cmd := func(route, desc, usage string, aliases ...string) router.Command {
		return router.Command{
			Route:       route,
			Aliases:     aliases,
			Description: desc,
			Usage:       usage,
			Handle:      b.slash(usage),
		}
	}
	cmds := []router.Command{
		cmd("add", "add a task", "/add <description> [remind <when>]", "new"),
		cmd("edit", "change a task description", "/edit <n> [new description]"),
		cmd("complete", "mark a task complete", "/complete <n>", "done", "finish"),
		cmd("delete", "delete a task", "/delete <n>", "del", "remove"),
		cmd("delete all", "delete all your tasks", "/delete all"),
		cmd("remind", "set a reminder on a task", "/remind <n> <when>", "reminder"),
		cmd("snooze", "push a reminder back", "/snooze <n> [duration]"),
		cmd("list", "show your tasks", "/list", "tasks", "view"),
		cmd("set timezone", "set your timezone", "/set timezone <zone>", "tz", "timezone"),
		cmd("set name", "set your display name", "/set name <name>", "name"),
		cmd("set theme", "set the message theme", "/set theme plain|default", "theme"),
		cmd("profile", "show your settings", "/profile"),
		cmd("start", "introduction", "/start"),
		{
			Route:       "cancel",
			Description: "cancel a pending edit",
			Usage:       "/cancel",
			Handle:      b.cancel,
		},
	}
	if b.status != nil {
		cmds = append(cmds, router.Command{
			Route:       "status",
			Description: "scheduler and delivery status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, b.status(ctx), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			},
		})
	}
	return cmds
}

// Callbacks handles the buttons of reminder cards.
func (b *Bot) Callbacks() []router.CallbackRoute {
	ns, done, snooze := callbackParts()
	return []router.CallbackRoute{
		{Namespace: ns, Action: done, Handle: b.button},
		{Namespace: ns, Action: snooze, Handle: b.button},
	}
}

// callbackParts splits the notifier's "ns:action:" prefixes.
func callbackParts() (ns, done, snooze string) {
	d := strings.Split(notifier.CallbackComplete, ":")
	s := strings.Split(notifier.CallbackSnooze, ":")
	return d[0], d[1], s[1]
}

func (b *Bot) slash(usage string) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		text := req.Command
		if req.Text != "" {
			text += " " + req.Text
		}
		p, ok := Parse(text, true)
		if !ok {
			return req.Reply(ctx, "Usage: <code>"+esc(usage)+"</code>", htmlOpts())
		}
		return b.respond(ctx, req, p)
	}
}

// HandleText handles plain messages. Text that is not a command either
// completes a pending edit or is ignored.
func (b *Bot) HandleText(ctx context.Context, req *router.Request) error {
	key := sessionKey{chat: req.Chat.ChatID, user: req.FromID}
	p, ok := Parse(req.Text, false)
	if !ok {
		seq, pending := b.sessions.take(key, time.Now())
		if !pending {
			return nil
		}
		p = Parsed{Action: ActionEdit, Seq: seq, Text: req.Text}
	} else {
		b.sessions.drop(key)
	}
	return b.respond(ctx, req, p)
}

func (b *Bot) cancel(ctx context.Context, req *router.Request) error {
	if b.sessions.drop(sessionKey{chat: req.Chat.ChatID, user: req.FromID}) {
		return req.Reply(ctx, "Edit cancelled.", nil)
	}
	return req.Reply(ctx, "Nothing to cancel.", nil)
}

func (b *Bot) respond(ctx context.Context, req *router.Request, p Parsed) error {
	// Execute already logged an internal failure and rendered it as text.
	text, _ := b.Execute(ctx, req.FromID, req.Chat.ChatID, p)
	return req.Reply(ctx, text, htmlOpts())
}

// Execute runs p for owner and returns the HTML reply. User errors
// (validation, parse, not found) become the reply; the returned error is
// set only for internal failures, and a reply is still produced.
func (b *Bot) Execute(ctx context.Context, owner, chat int64, p Parsed) (string, error) {
	st := b.style(ctx, owner)
	text, err := b.execute(ctx, st, owner, chat, p)
	if err == nil {
		return text, nil
	}
	reply := st.failure(err)
	switch domain.CodeOf(err) {
	case domain.CodeValidation, domain.CodeLimit, domain.CodeParse, domain.CodeNotFound:
		b.log.Debug("command rejected", logx.Int64("user_id", owner), logx.String("action", p.Action.String()), logx.Err(err))
		return reply, nil
	}
	b.log.Error("command failed", logx.Int64("user_id", owner), logx.String("action", p.Action.String()), logx.Err(err))
	return reply, err
}

func (b *Bot) execute(ctx context.Context, st style, owner, chat int64, p Parsed) (string, error) {
	s := b.svc
	switch p.Action {
	case ActionAdd:
		a, err := s.Add(ctx, owner, p.Text, p.When)
		if err != nil {
			return "", err
		}
		return st.added(a), nil
	case ActionEdit:
		if p.Text == "" {
			v, err := s.Get(ctx, owner, p.Seq)
			if err != nil {
				return "", err
			}
			b.sessions.start(sessionKey{chat: chat, user: owner}, p.Seq, time.Now())
			return st.editPrompt(v.Task, b.sessions.ttl), nil
		}
		t, err := s.Edit(ctx, owner, p.Seq, p.Text)
		if err != nil {
			return "", err
		}
		return st.edited(t), nil
	case ActionComplete:
		t, err := s.Complete(ctx, owner, p.Seq)
		if err != nil {
			return "", err
		}
		return st.completed(t), nil
	case ActionDelete:
		t, err := s.Delete(ctx, owner, p.Seq)
		if err != nil {
			return "", err
		}
		return st.deleted(t), nil
	case ActionDeleteAll:
		n, err := s.DeleteAll(ctx, owner)
		if err != nil {
			return "", err
		}
		return st.deletedAll(n), nil
	case ActionRemind:
		r, err := s.Remind(ctx, owner, p.Seq, p.Text)
		if err != nil {
			return "", err
		}
		return st.reminderSet(p.Seq, r), nil
	case ActionSnooze:
		r, err := s.Snooze(ctx, owner, p.Seq, p.Text)
		if err != nil {
			return "", err
		}
		return st.snoozed(p.Seq, r), nil
	case ActionList:
		views, err := s.List(ctx, owner)
		if err != nil {
			return "", err
		}
		prof, _ := s.Profile(ctx, owner)
		return st.list(prof, views), nil
	case ActionSetTimezone:
		prof, err := s.SetTimezone(ctx, owner, p.Text)
		if err != nil {
			return "", err
		}
		st.loc = s.Location(ctx, owner)
		return st.timezoneSet(prof), nil
	case ActionSetName:
		prof, err := s.SetName(ctx, owner, p.Text)
		if err != nil {
			return "", err
		}
		return st.nameSet(prof), nil
	case ActionSetTheme:
		prof, err := s.SetTheme(ctx, owner, p.Text)
		if err != nil {
			return "", err
		}
		return b.style(ctx, owner).themeSet(prof), nil
	case ActionProfile:
		prof, err := s.Profile(ctx, owner)
		if err != nil {
			return "", err
		}
		return st.profile(prof), nil
	case ActionHelp:
		return st.guide(), nil
	}
	return "", domain.NewValidation("command", "not recognized")
}

// button handles "Complete" and "Snooze" presses on a reminder card. Only
// the task owner can act on it since lookups are scoped to the presser.
func (b *Bot) button(ctx context.Context, req *router.Request, _ string) error {
	if req.Update.Callback == nil {
		return nil
	}
	act, ok := notifier.ParseCallback(req.Update.Callback.Data)
	if !ok {
		return nil
	}
	owner := req.FromID
	st := b.style(ctx, owner)

	var text string
	if act.Complete {
		t, err := b.svc.CompleteByID(ctx, owner, act.TaskID)
		if err != nil {
			text = b.buttonFailure(st, owner, err)
		} else {
			text = st.completed(t)
		}
	} else {
		r, err := b.svc.SnoozeByID(ctx, owner, act.TaskID, 0)
		if err != nil {
			text = b.buttonFailure(st, owner, err)
		} else {
			text = st.snoozed(b.svc.seqOf(ctx, owner, r.TaskID), r)
		}
	}
	return req.Reply(ctx, text, htmlOpts())
}

func (b *Bot) buttonFailure(st style, owner int64, err error) string {
	if domain.IsNotFound(err) {
		return card(st.title("❌", "Task Not Found"), "This task may have already been completed or deleted.")
	}
	b.log.Warn("reminder button failed", logx.Int64("user_id", owner), logx.Err(err))
	return st.failure(err)
}

// style loads the owner's display settings; lookup failures fall back to
// defaults.
func (b *Bot) style(ctx context.Context, owner int64) style {
	prof, err := b.svc.Profile(ctx, owner)
	if err != nil {
		prof = domain.Profile{UserID: owner, Timezone: domain.DefaultTimezone}
	}
	return newStyle(prof, b.svc.Location(ctx, owner), b.svc.now())
}

func htmlOpts() *kit.SendOptions {
	return &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"}
}

type sessionKey struct {
	chat, user int64
}

type editSession struct {
	seq     int
	expires time.Time
}

// editSessions tracks "edit task #n" prompts waiting for the new text.
type editSessions struct {
	ttl time.Duration

	mu sync.Mutex
	m  map[sessionKey]editSession
}

func newEditSessions(ttl time.Duration) *editSessions {
	return &editSessions{ttl: ttl, m: map[sessionKey]editSession{}}
}

func (e *editSessions) start(k sessionKey, seq int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.m {
		if !now.Before(s.expires) {
			delete(e.m, key)
		}
	}
	e.m[k] = editSession{seq: seq, expires: now.Add(e.ttl)}
}

// take consumes the session for k if it has not expired.
func (e *editSessions) take(k sessionKey, now time.Time) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.m[k]
	if !ok {
		return 0, false
	}
	delete(e.m, k)
	if !now.Before(s.expires) {
		return 0, false
	}
	return s.seq, true
}

func (e *editSessions) drop(k sessionKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.m[k]
	delete(e.m, k)
	return ok
}
