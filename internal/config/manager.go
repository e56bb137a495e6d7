package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "REMINDBOT_TELEGRAM_TOKEN"

// ConfigManager holds the active config and republishes it when the file
// changes on disk.
type ConfigManager struct {
	path string
	log  logx.Logger

	// check runs on a reloaded config before it is committed.
	check func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[int]chan *Config{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check a reloaded config must pass. A rejected
// config is logged and the active one stays.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

func (m *ConfigManager) Path() string { return m.path }

// Parse reads and decodes the file, then applies environment overrides.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if tok := strings.TrimSpace(os.Getenv(EnvTelegramToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	return cfg, nil
}

// Decode parses one config document. name picks YAML by extension and
// JSON otherwise. Unknown keys and trailing data are errors.
func Decode(name string, data []byte) (*Config, error) {
	js, format, err := coerceToJSONBytes(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("%s config: trailing data", format)
	default:
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
}

// Load parses the file and makes it the active config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe returns a channel that receives every committed reload. A slow
// reader skips intermediate configs but always gets the newest. cancel
// closes the channel and may be called more than once.
func (m *ConfigManager) Subscribe(buffer int) (updates <-chan *Config, cancel func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Make room by discarding the oldest queued config.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and commits and publishes it when it differs
// from the active config and passes the validator.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file touched but unchanged", logx.String("path", m.path))
		return
	}
	if m.check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = m.check(cctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping the active one", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
}
