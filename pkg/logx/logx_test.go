package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "remindbot/internal/transport"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return m
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := fromZerolog(zerolog.New(&buf)).With(String("comp", "test"), Int("n", 1))
	l.Info("hello", Int("n", 2), Err(errors.New("boom")), Err(nil))

	m := decodeLine(t, &buf)
	if m["message"] != "hello" || m["comp"] != "test" {
		t.Fatalf("line = %v", m)
	}
	if m["n"] != float64(2) {
		t.Fatalf("n = %v, want the call-site value 2", m["n"])
	}
	if !strings.HasPrefix(m["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestLoggerLevelAndZero(t *testing.T) {
	var buf bytes.Buffer
	l := fromZerolog(zerolog.New(&buf).Level(zerolog.WarnLevel))
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with the level")
	}

	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero: zero=%v nop=%v", zero.IsZero(), Nop().IsZero())
	}
	zero.With(String("k", "v")).Error("nothing happens")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{"DEBUG": LevelDebug, " warning ": LevelWarn, "error": LevelError, "bogus": LevelInfo, "": LevelInfo}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2024-01-01T00:00:00Z","message":"send failed","chat_id":42,"err":"timeout"}`
	want := "[WARN] send failed\n- chat_id=42\n- err=timeout"
	if got := formatAlert([]byte(line)); got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatAlert(non-json) = %q", got)
	}
	long := `{"level":"error","message":"x","blob":"` + strings.Repeat("é", 1000) + `"}`
	got := formatAlert([]byte(long))
	if !strings.HasSuffix(got, "...") || len(got) > maxAlertLen {
		t.Fatalf("long field not clipped: %d bytes", len(got))
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	if got := clip("héllo", 5); got != "h..." {
		t.Fatalf("clip = %q, want %q", got, "h...")
	}
	if got := clip("short", 10); got != "short" {
		t.Fatalf("clip = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	to   []int64
	text []string
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to.ChatID)
	r.text = append(r.text, text)
	return kit.MessageRef{}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.text)
}

func TestServiceAlerts(t *testing.T) {
	snd := &recordingSender{}
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "bot.log")}, Alert: AlertConfig{Enabled: true, RatePerSec: 10}}, snd)
	defer svc.Close()

	log.Warn("no target yet")
	svc.SetAlertTarget(-100)
	log.Info("below min level")
	log.Error("delivery failed", String("reminder", "r1"))

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no alert delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.text) != 1 || snd.to[0] != -100 {
		t.Fatalf("alerts = %q to %v", snd.text, snd.to)
	}
	if !strings.HasPrefix(snd.text[0], "[ERROR] delivery failed") || !strings.Contains(snd.text[0], "- reminder=r1") {
		t.Fatalf("alert text = %q", snd.text[0])
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Info("first")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("filtered")
	log.Info("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"first"`) || !strings.Contains(lines[1], `"second"`) {
		t.Fatalf("log file = %q", b)
	}
}
