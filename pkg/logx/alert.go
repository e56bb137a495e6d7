package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
)

// Sender is the part of the chat adapter the alert sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	maxAlertLen = 3500
	maxFieldLen = 600
)

// alertSink is a zerolog.LevelWriter that forwards lines at or above a
// level to the operator chat. Writes never block: lines over the rate or
// past a full queue are dropped.
type alertSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	chatID   int64
	minLevel Level
	limiter  *rate.Limiter
	rps      int
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlertSink(sender Sender) *alertSink {
	return &alertSink{sender: sender, queue: make(chan string, 256), minLevel: LevelWarn}
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(cfg.RatePerSec, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	if a.limiter == nil || a.rps != rps {
		a.limiter, a.rps = rate.NewLimiter(rate.Limit(rps), rps), rps
	}
}

func (a *alertSink) setTarget(chatID int64) {
	a.mu.Lock()
	a.chatID = chatID
	a.mu.Unlock()
}

func (a *alertSink) target() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

func (a *alertSink) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel, a.done = cancel, make(chan struct{})
	go a.deliver(ctx, a.done)
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alertSink) deliver(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			chat := a.target()
			if chat == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = a.sender.SendText(sctx, kit.ChatTarget{ChatID: chat}, text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	skip := a.chatID == 0 || level < a.minLevel || level == zerolog.NoLevel || !a.limiter.Allow()
	a.mu.Unlock()
	if skip {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert turns one JSON log line into
//
//	[WARN] message
//	- key=value
//
// with keys sorted. Lines that are not JSON are passed through trimmed.
func formatAlert(p []byte) string {
	var rec map[string]any
	if json.Unmarshal(bytes.TrimSpace(p), &rec) != nil {
		return clip(strings.TrimSpace(string(p)), maxAlertLen)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), maxFieldLen))
	}
	return clip(b.String(), maxAlertLen)
}

// clip shortens s to at most n bytes on a rune boundary, marking the cut
// with "...".
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
