package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text, Private: true}}
}

// run starts the dispatch loop, feeds updates and waits for n handler calls.
func run(t *testing.T, m *CommandManager, calls <-chan *Request, n int, ups ...kit.Update) []*Request {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, in)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	for _, up := range ups {
		in <- up
	}
	var got []*Request
	for len(got) < n {
		select {
		case r := <-calls:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d handler calls, want %d", len(got), n)
		}
	}
	return got
}

func TestRouting(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Config{Workers: 2})
	calls := make(chan *Request, 8)
	record := func(_ context.Context, r *Request) error {
		calls <- r
		return nil
	}
	m.SetRegistry([]Command{
		{Route: "add", Aliases: []string{"a"}, Handle: record},
		{Route: "set timezone", Aliases: []string{"tz"}, Handle: record},
	}, nil)
	m.SetTextHandler(record)

	group := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -5, FromID: 1, Text: "add task in a group"}}
	got := run(t, m, calls, 5,
		group,
		msg(1, `/add "buy milk" remind tomorrow`),
		msg(1, "/a@remind_bot call mom"),
		msg(1, "/set timezone Europe/Berlin"),
		msg(1, "/set_timezone UTC"),
		msg(1, "add task water plants"),
	)

	byText := map[string]*Request{}
	for _, r := range got {
		byText[r.Text] = r
	}
	tests := []struct {
		text string
		cmd  string
		args []string
	}{
		{`"buy milk" remind tomorrow`, "add", []string{"buy milk", "remind", "tomorrow"}},
		{"call mom", "add", []string{"call", "mom"}},
		{"Europe/Berlin", "set timezone", []string{"Europe/Berlin"}},
		{"UTC", "set timezone", []string{"UTC"}},
		{"add task water plants", "text", nil},
	}
	if _, ok := byText["add task in a group"]; ok {
		t.Fatalf("plain text from a group chat was routed")
	}
	for _, tc := range tests {
		r, ok := byText[tc.text]
		if !ok {
			t.Fatalf("no request with text %q", tc.text)
		}
		if r.Command != tc.cmd || !reflect.DeepEqual(r.Args, tc.args) {
			t.Fatalf("text %q routed to %q args %q, want %q %q", tc.text, r.Command, r.Args, tc.cmd, tc.args)
		}
	}
}

func TestUnknownCommandAndOwnerOnly(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Config{Owners: []int64{7}})
	calls := make(chan *Request, 4)
	m.SetRegistry([]Command{{Route: "status", Access: AccessOwnerOnly, Handle: func(_ context.Context, r *Request) error {
		calls <- r
		return nil
	}}}, nil)

	got := run(t, m, calls, 1, msg(1, "/nope"), msg(1, "/status"), msg(7, "/status"))
	if got[0].FromID != 7 {
		t.Fatalf("owner-only handler ran for %d", got[0].FromID)
	}
	sent := strings.Join(ad.messages(), "|")
	if !strings.Contains(sent, "Unknown command") || !strings.Contains(sent, "unauthorized") {
		t.Fatalf("replies = %q", sent)
	}
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Config{})
	calls := make(chan *Request, 4)
	m.SetRegistry(nil, []CallbackRoute{{Namespace: "rem", Action: "done", Handle: func(_ context.Context, r *Request, payload string) error {
		calls <- r
		return nil
	}}})

	up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", FromID: 3, ChatID: 3, Data: "rem:done:task-1"}}
	got := run(t, m, calls, 1, up)
	if got[0].Payload != "task-1" || got[0].Command != "cb:rem:done" {
		t.Fatalf("callback request = %+v", got[0])
	}
}

func TestHelpText(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, Config{HelpFooter: "plain text works too"})
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Route: "add", Description: "add a task", Usage: "/add <description>", Handle: noop},
		{Route: "set timezone", Description: "set your timezone", Handle: noop},
		{Route: "status", Access: AccessOwnerOnly, Description: "bot status", Handle: noop},
	}, nil)

	top := m.helpText(nil)
	for _, want := range []string{"/add</code> - add a task", "🔒 <code>/status", "plain text works too"} {
		if !strings.Contains(top, want) {
			t.Fatalf("top help missing %q:\n%s", want, top)
		}
	}
	if strings.Index(top, "/status") < strings.Index(top, "/set") {
		t.Fatalf("owner-only command listed before public ones:\n%s", top)
	}
	node := m.helpText([]string{"set", "timezone"})
	if !strings.Contains(node, "/set_timezone") {
		t.Fatalf("node help missing shortcut:\n%s", node)
	}
	if got := m.helpText([]string{"bogus"}); !strings.Contains(got, "Unknown command") {
		t.Fatalf("unknown help = %q", got)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/add a b", []string{"/add", "a", "b"}},
		{`/add "a b" c`, []string{"/add", "a b", "c"}},
		{`/add a\ b`, []string{"/add", "a b"}},
		{"/add “call mom” now", []string{"/add", "call mom", "now"}},
		{"/add «x y»", []string{"/add", "x y"}},
		{`/add don't stop`, []string{"/add", "don't", "stop"}},
		{`/add "open`, []string{"/add", "open"}},
	}
	for _, tc := range tests {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenizeCommandLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *Request) error { return nil }
	cmds := []Command{
		{Route: "list", Description: "show tasks", Handle: noop},
		{Route: "set timezone", Description: "set timezone", Handle: noop},
		{Route: "status", Access: AccessOwnerOnly, Handle: noop},
	}
	tree := newTree()
	for _, c := range cmds {
		tree.insert(routeWords(c.Route), c)
	}
	var names []string
	for _, c := range buildMenu(tree, cmds) {
		names = append(names, c.Command)
	}
	want := []string{"list", "set", "set_timezone"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("menu = %v, want %v", names, want)
	}
}

func TestMenuName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		words []string
		want  string
	}{
		{[]string{"set", "timezone"}, "set_timezone"},
		{[]string{"snooze-all"}, "snooze_all"},
		{[]string{"__x__"}, "x"},
		{[]string{"2fa"}, "cmd_2fa"},
		{[]string{"ünïcode"}, "ncode"},
		{[]string{"✨"}, ""},
		{[]string{strings.Repeat("a", 40)}, strings.Repeat("a", 32)},
	}
	for _, tc := range tests {
		if got := menuName(tc.words); got != tc.want {
			t.Fatalf("menuName(%q) = %q, want %q", tc.words, got, tc.want)
		}
	}
}

func TestUserLimiter(t *testing.T) {
	t.Parallel()
	if l := newUserLimiter(0, 5); l != nil {
		t.Fatalf("limiter with zero rate = %+v, want nil", l)
	}
	var disabled *userLimiter
	if !disabled.allow(1) {
		t.Fatalf("nil limiter rejected a request")
	}

	l := newUserLimiter(0.001, 2)
	for i := 0; i < 2; i++ {
		if !l.allow(1) {
			t.Fatalf("request %d within burst rejected", i+1)
		}
	}
	if l.allow(1) {
		t.Fatalf("request over burst allowed")
	}
	if !l.allow(2) {
		t.Fatalf("another user was limited")
	}
}

func TestRateLimitedUserGetsReply(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Config{UserRate: 0.001, UserBurst: 1})
	calls := make(chan *Request, 4)
	m.SetRegistry([]Command{{Route: "list", Handle: func(_ context.Context, r *Request) error {
		calls <- r
		return nil
	}}}, nil)

	run(t, m, calls, 1, msg(1, "/list"), msg(1, "/list"))
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(strings.Join(ad.messages(), "|"), "Slow down") {
		if time.Now().After(deadline) {
			t.Fatalf("replies = %q, want a slow down notice", ad.messages())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(calls) != 0 {
		t.Fatalf("limited request reached the handler")
	}
}

func TestHandlerErrorAndPanicGetReply(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Config{})
	calls := make(chan *Request, 4)
	m.SetRegistry([]Command{
		{Route: "fail", Handle: func(_ context.Context, r *Request) error {
			calls <- r
			return errors.New("db down")
		}},
		{Route: "boom", Handle: func(_ context.Context, r *Request) error {
			calls <- r
			panic("nil map")
		}},
	}, nil)

	got := run(t, m, calls, 2, msg(1, "/fail"), msg(1, "/boom"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := ad.messages()
		n := 0
		for _, s := range sent {
			if strings.HasPrefix(s, "Something went wrong") {
				n++
			}
		}
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replies = %q, want two error notices", sent)
		}
		time.Sleep(10 * time.Millisecond)
	}
	joined := strings.Join(ad.messages(), "|")
	for _, r := range got {
		if !strings.Contains(joined, "(ref "+r.ReqID+")") {
			t.Fatalf("no reply carries ref %s: %q", r.ReqID, joined)
		}
	}
}

func TestAfterWords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"/add call mom", 1, "call mom"},
		{"/set  timezone\tUTC", 2, "UTC"},
		{"/list", 1, ""},
		{"  plain text ", 0, "plain text"},
	}
	for _, tc := range tests {
		if got := afterWords(tc.in, tc.n); got != tc.want {
			t.Fatalf("afterWords(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
