// Package router turns chat updates into handler calls: slash commands
// through a route tree with aliases, plain text through a fallback handler,
// and inline buttons through prefix-keyed callback routes. Handlers run on a
// bounded worker pool under a supervisor.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "add" or "set timezone".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["tz"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Config.Timeout when > 0
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles button data of the form "<Namespace>:<Action>:<payload>".
type CallbackRoute struct {
	Namespace string
	Action    string
	Access    Access
	Timeout   time.Duration
	Handle    CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path
	Command string
	Args    []string // words after the path
	// Text is the message with the command words removed. For plain text
	// messages it is the whole message.
	Text    string
	Payload string // callback payload
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// Config tunes dispatch. Zero values select defaults.
type Config struct {
	Workers   int           // default NumCPU, at least 2
	QueueSize int           // default 256
	Timeout   time.Duration // default per-handler timeout; 0 means none
	Owners    []int64       // user ids allowed to run AccessOwnerOnly routes
	// UserRate limits requests per user per second; 0 disables. UserBurst
	// defaults to 1.
	UserRate  float64
	UserBurst int
	// HelpFooter is appended to the top-level /help listing (HTML).
	HelpFooter string
}

type CommandManager struct {
	mu    sync.RWMutex
	tree  *cmdNode
	alias map[string]*cmdNode
	text  HandlerFunc
	// namespace -> action -> route
	callbacks map[string]map[string]CallbackRoute

	cfgMu   sync.RWMutex
	cfg     Config
	limiter *userLimiter

	log     logx.Logger
	adapter kit.Adapter

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfg Config) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	m := &CommandManager{
		tree:      newTree(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), cfg.QueueSize),
	}
	m.Apply(cfg)
	m.cfg.Workers, m.cfg.QueueSize = cfg.Workers, cfg.QueueSize
	return m
}

// Apply updates owners, the default timeout, the per-user rate and the
// help footer. Worker count and queue size only change on restart.
func (m *CommandManager) Apply(cfg Config) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if cfg.UserRate != m.cfg.UserRate || cfg.UserBurst != m.cfg.UserBurst || m.limiter == nil {
		m.limiter = newUserLimiter(cfg.UserRate, cfg.UserBurst)
	}
	m.cfg.Owners = append([]int64(nil), cfg.Owners...)
	m.cfg.Timeout = cfg.Timeout
	m.cfg.UserRate, m.cfg.UserBurst = cfg.UserRate, cfg.UserBurst
	m.cfg.HelpFooter = cfg.HelpFooter
}

func (m *CommandManager) config() (Config, *userLimiter) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg, m.limiter
}

// Supervisor returns the worker pool supervisor, or nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetTextHandler installs the handler for messages that are not slash commands.
func (m *CommandManager) SetTextHandler(h HandlerFunc) {
	m.mu.Lock()
	m.text = h
	m.mu.Unlock()
}

// SetRegistry replaces every command and callback route. A "help" command
// is added unless cmds has one. Multi-word routes also answer to their
// underscore form ("set timezone" -> /set_timezone), which is what the
// command menu shows.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	if !hasRoute(cmds, "help") {
		cmds = append(cmds, Command{
			Route:       "help",
			Aliases:     []string{"h"},
			Description: "show help",
			Usage:       "/help [command]",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			},
		})
	}

	tree := newTree()
	alias := map[string]*cmdNode{}
	var registered []Command
	for _, c := range cmds {
		words := routeWords(c.Route)
		if len(words) == 0 || c.Handle == nil {
			continue
		}
		leaf := tree.insert(words, c)
		registered = append(registered, c)

		// A single-word route must not alias itself or it would shadow its
		// own subcommands.
		if len(words) > 1 {
			if name := menuName(words); name != "" && alias[name] == nil {
				alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
			if s := menuName([]string{a}); s != "" && alias[s] == nil {
				alias[s] = leaf
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		ns, act := strings.TrimSpace(r.Namespace), strings.TrimSpace(r.Action)
		if ns == "" || act == "" || r.Handle == nil {
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][act] = r
	}

	m.mu.Lock()
	m.tree, m.alias, m.callbacks = tree, alias, cb
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(tree, registered)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Debug("menu update failed", logx.Err(err))
			}
		}()
	}
}

func hasRoute(cmds []Command, route string) bool {
	for _, c := range cmds {
		if strings.EqualFold(strings.TrimSpace(c.Route), route) {
			return true
		}
	}
	return false
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
