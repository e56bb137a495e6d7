package router

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// DispatchLoop routes updates until ctx ends or updates is closed. Routing
// happens on the calling goroutine; handlers run on the worker pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	cfg, _ := m.config()
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = max(workers, 2)

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.work,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(m.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

// work runs queued jobs until ctx ends. Jobs left in the queue at shutdown
// are dropped.
func (m *CommandManager) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			job()
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		// Plain text is only a command in a private chat.
		if !msg.Private {
			return
		}
		m.mu.RLock()
		h := m.text
		m.mu.RUnlock()
		if h != nil {
			m.submit(ctx, m.newRequest(up, "text", nil, nil, text), AccessEveryone, 0, h)
		}
		return
	}

	words := tokenizeCommandLine(text)
	if len(words) == 0 {
		return
	}
	name, args := commandWord(words[0]), words[1:]
	rest := afterWords(text, 1)

	m.mu.RLock()
	tree, alias := m.tree, m.alias
	m.mu.RUnlock()

	if leaf := alias[name]; leaf != nil && leaf.cmd != nil {
		c := leaf.cmd
		m.submit(ctx, m.newRequest(up, c.Route, routeWords(c.Route), args, rest), c.Access, c.Timeout, c.Handle)
		return
	}
	top := tree.kid(name)
	if top == nil {
		_ = m.reply(ctx, msg.ChatID, "Unknown command. Try /help", nil)
		return
	}
	node, used := top.descend(args)
	path := append([]string{name}, lowerAll(args[:used])...)
	if node.cmd == nil {
		_ = m.reply(ctx, msg.ChatID, m.helpText(path), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	c := node.cmd
	m.submit(ctx, m.newRequest(up, c.Route, path, args[used:], afterWords(text, 1+used)), c.Access, c.Timeout, c.Handle)
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	ns, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, ok := m.callbacks[ns][action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	req := m.newRequest(up, "cb:"+ns+":"+action, nil, nil, "")
	req.Payload = payload
	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	m.submit(ctx, req, route.Access, route.Timeout, h)
}

func (m *CommandManager) newRequest(up kit.Update, name string, path, args []string, text string) *Request {
	req := &Request{Update: up, Command: name, Path: path, Args: args, Text: text, ReqID: newReqID(), Adapter: m.adapter}
	switch {
	case up.Message != nil:
		req.Chat, req.FromID = kit.ChatTarget{ChatID: up.Message.ChatID}, up.Message.FromID
	case up.Callback != nil:
		req.Chat, req.FromID = kit.ChatTarget{ChatID: up.Callback.ChatID}, up.Callback.FromID
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("kind", string(up.Kind)),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", name),
	)
	return req
}

// submit checks access and queues h for the worker pool. Callback requests
// are always answered so the client stops its spinner.
func (m *CommandManager) submit(ctx context.Context, req *Request, access Access, timeout time.Duration, h HandlerFunc) {
	cfg, lim := m.config()
	cb := req.Update.Callback
	answer := func(text string) {
		if cb != nil {
			_ = m.adapter.AnswerCallback(ctx, cb.ID, text)
		}
	}
	if access == AccessOwnerOnly && !isOwner(req.FromID, cfg.Owners) {
		if cb != nil {
			answer("forbidden")
		} else {
			_ = req.Reply(ctx, "unauthorized", nil)
		}
		return
	}
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	run := Chain(h, logRequests(), recoverPanics(), limitPerUser(lim), withTimeout(timeout))
	job := func() {
		_ = run(ctx, req)
		answer("")
	}
	select {
	case m.jobs <- job:
	default:
		req.Logger.Warn("command queue full; request rejected")
		if cb != nil {
			answer("busy, try again")
		} else {
			_ = req.Reply(ctx, "busy, try again", nil)
		}
	}
}

func (m *CommandManager) reply(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) error {
	_, err := m.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt)
	return err
}

// afterWords drops the first n whitespace-separated words of s.
func afterWords(s string, n int) string {
	s = strings.TrimSpace(s)
	for ; n > 0 && s != ""; n-- {
		i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
		if i < 0 {
			return ""
		}
		s = strings.TrimSpace(s[i+1:])
	}
	return s
}

func lowerAll(ws []string) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = strings.ToLower(w)
	}
	return out
}
