package housekeeping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "0 4 * * *", kind: SpecCron, cron: "0 4 * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "06:00", kind: SpecInterval, every: 6 * time.Hour},
		{in: "every: 00:30", kind: SpecInterval, every: 30 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "whenever", wantErr: true},
		{in: "every day", wantErr: true},
		{in: "99 * * * *", wantErr: true},
		{in: "@fortnightly", wantErr: true},
		{in: "0 30 4 * * *", kind: SpecCron, cron: "0 30 4 * * *"},
	}
	for _, tc := range tests {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
		}
	}
}

func TestIntervalScheduleSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sched, jitter := intervalSchedule(time.Minute, now)
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %s, want [0, 30s)", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first run = %s, want %s", first, want)
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run %s after first, want about 1m", gap)
	}
}

type fakePruner struct {
	mu     sync.Mutex
	before []time.Time
	n      int
	err    error
}

func (f *fakePruner) PruneReminders(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	return f.n, f.err
}

type fakeResyncer struct{ calls int }

func (f *fakeResyncer) Resync(context.Context) (int, error) {
	f.calls++
	return 3, nil
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	p := &fakePruner{n: 5}
	s := New(Config{Retention: 48 * time.Hour}, p, nil, logx.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Prune(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if want := now.Add(-48 * time.Hour); len(p.before) != 1 || !p.before[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %s", p.before, want)
	}
	st := s.Stats()
	if st.Pruned != 5 || st.PruneRuns != 1 || !st.LastPrune.Equal(now) {
		t.Fatalf("stats = %+v", st)
	}

	p.err = errors.New("locked")
	s.runJob("prune", s.runPrune)
	if s.Stats().Errors != 0 {
		// runJob is a no-op before Start.
		t.Fatalf("job ran without a started service")
	}
}

func TestJobsRunUnderStartedService(t *testing.T) {
	t.Parallel()
	p := &fakePruner{err: errors.New("locked")}
	r := &fakeResyncer{}
	s := New(Config{Enabled: true, Timezone: "Europe/Berlin"}, p, r, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.runJob("prune", s.runPrune)
	s.runJob("resync", s.runResync)
	st := s.Stats()
	if !st.Running || st.Errors != 1 || st.Resyncs != 1 || r.calls != 1 {
		t.Fatalf("stats = %+v, resync calls %d", st, r.calls)
	}
}

func TestStartRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad schedule", Config{Enabled: true, PruneSchedule: "whenever"}},
		{"bad cron", Config{Enabled: true, PruneSchedule: "99 * * * *"}},
		{"bad timezone", Config{Enabled: true, Timezone: "Mars/Olympus"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := New(tc.cfg, &fakePruner{}, &fakeResyncer{}, logx.Nop())
			if err := s.Start(context.Background()); err == nil {
				s.Stop(context.Background())
				t.Fatalf("Start succeeded, want error")
			}
			if s.Stats().Running {
				t.Fatalf("running after failed Start")
			}
		})
	}
}

func TestApplyKeepsRunningOnBadConfig(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, PruneSchedule: "@daily"}, &fakePruner{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, PruneSchedule: "@daily", Timezone: "Mars/Olympus"})
	if !s.Stats().Running {
		t.Fatalf("housekeeping stopped after a rejected reload")
	}
	s.mu.Lock()
	tz := s.cfg.Timezone
	s.mu.Unlock()
	if tz != "" {
		t.Fatalf("timezone = %q, want previous config restored", tz)
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakePruner{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Stats().Running {
		t.Fatalf("disabled service reports running")
	}
	s.Apply(Config{Enabled: true})
	if s.Stats().Running {
		t.Fatalf("Apply started a service that was never started")
	}
}
