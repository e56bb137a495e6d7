// Package supervisor runs the long-lived goroutines of the bot (poller,
// scheduler loop, command workers, config watcher) under one cancellable
// context, recovering panics and restarting loops that fail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "remindbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	firstErr error

	started, panics, restarts atomic.Uint64
	active                    atomic.Int64
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels the shared context when any goroutine fails.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{log: logx.Nop(), done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) record(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Active   int64
	Started  uint64
	Panics   uint64
	Restarts uint64
}

func (s *Supervisor) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Panics:   s.panics.Load(),
		Restarts: s.restarts.Load(),
	}
}

func (s *Supervisor) spawn(run func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		run()
	}()
}

// Go runs fn once. A returned error or panic is recorded; returning
// context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.protect(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn != nil {
		s.Go(name, noErr(fn))
	}
}

func noErr(fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
}

// protect runs fn and converts a panic into an error.
func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minWait, maxWait time.Duration
	maxRestarts      int // 0 is unlimited
	stopOnClean      bool
	publish          bool
	// healthy is how long a run must last for the backoff to reset.
	healthy time.Duration
}

// WithRestartBackoff sets the first and the largest wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minWait = min
		}
		if max > 0 {
			p.maxWait = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records every failure in Err, not only a final one.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or is treated as a failure and restarted.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart runs fn and restarts it after an error or panic, waiting with
// jittered exponential backoff, until the context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minWait: 250 * time.Millisecond, maxWait: 30 * time.Second, stopOnClean: true, healthy: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxWait = max(p.maxWait, p.minWait)
	s.spawn(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn != nil {
		s.GoRestart(name, noErr(fn), opts...)
	}
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	wait := p.minWait
	for n := 1; ; n++ {
		began := time.Now()
		err := s.protect(name, fn)
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if err == nil && p.stopOnClean {
			return
		}
		if err == nil {
			err = errors.New("exited")
		}
		err = fmt.Errorf("%s: %w", name, err)
		if p.publish {
			s.record(err)
		}
		if p.maxRestarts > 0 && n > p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n-1), logx.Err(err))
			s.fail(err)
			return
		}
		if time.Since(began) >= p.healthy {
			wait = p.minWait
		}
		d := wait + time.Duration(rand.Int63n(int64(wait/5+1)))
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))
		s.restarts.Add(1)

		t := time.NewTimer(d)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, p.maxWait)
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
