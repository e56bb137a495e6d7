package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./remindbot.log
}

// AlertConfig forwards warnings and errors to the operator chat.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string // default warn
	RatePerSec int    // default 1
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:          os.Stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// Service owns the current root logger and its sinks.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	alerts   *alertSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with a Logger bound to it. sender
// delivers alert lines and may be nil.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{alerts: newAlertSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertTarget sets the chat that receives alert lines; 0 turns delivery off.
func (s *Service) SetAlertTarget(chatID int64) { s.alerts.setTarget(chatID) }

// Apply rebuilds the sinks. The log file stays open when its path is
// unchanged.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if w := s.fileSink(cfg.File); w != nil {
		sinks = append(sinks, w)
	}
	s.alerts.configure(cfg.Alert)
	if cfg.Alert.Enabled && s.alerts.sender != nil {
		s.alerts.start()
		sinks = append(sinks, s.alerts)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) fileSink(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = "./remindbot.log"
	}
	if !fc.Enabled || path != s.filePath {
		s.closeFile()
	}
	if !fc.Enabled {
		return nil
	}
	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logx: log dir %q: %v\n", path, err)
			return nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
			return nil
		}
		s.file, s.filePath = f, path
	}
	return zerolog.SyncWriter(s.file)
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

// Close stops alert delivery and closes the log file. Loggers keep working
// afterwards but only reach the console.
func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFile()
	zl := zerolog.New(consoleWriter()).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&zl)
	return nil
}
