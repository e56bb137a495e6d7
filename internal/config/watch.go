package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindbot/pkg/logx"
)

const (
	// settleDelay collapses the burst of events one editor save produces.
	settleDelay     = 250 * time.Millisecond
	minWatchBackoff = 250 * time.Millisecond
	maxWatchBackoff = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so editors that save by rename are seen. A
// watcher that fails is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := minWatchBackoff
	for {
		w, err := newDirWatcher(dir)
		if err == nil {
			backoff = minWatchBackoff
			m.log.Debug("config watch started", logx.String("dir", dir), logx.String("file", name))
			err = m.follow(ctx, w, name)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watch failed; retrying", logx.String("dir", dir), logx.Duration("backoff", backoff), logx.Err(err))
		t := time.NewTimer(backoff + time.Duration(rand.Int63n(int64(backoff/2+1))))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, maxWatchBackoff)
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

var errWatcherClosed = errors.New("watcher closed")

// follow turns file events into debounced reloads. It returns nil when ctx
// ends and an error when the watcher breaks.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, name string) error {
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&watchedOps != 0 {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(settleDelay)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
