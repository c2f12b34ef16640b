package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "accountpilot/pkg/logx"
)

const (
	settleDelay   = 250 * time.Millisecond
	rewatchMin    = 250 * time.Millisecond
	rewatchMax    = 5 * time.Second
	watchedEvents = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are seen too. Bursts of events within settleDelay cause one reload.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	d := &debouncer{delay: settleDelay, fn: func() { m.reloadAndLog(ctx) }}
	defer d.stop()

	pause := rewatchMin
	for {
		err := m.watchDir(ctx, dir, name, d)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Warn("config watch failed", logx.String("dir", dir), logx.Err(err))
		} else {
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
			pause = rewatchMin
		}

		wait := pause + rand.N(pause/2+1)
		pause = min(pause*2, rewatchMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir runs one watcher. It returns an error only when the watcher
// could not be set up.
func (m *Manager) watchDir(ctx context.Context, dir, name string, d *debouncer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&watchedEvents != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return nil
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; the file may have changed
				d.trigger()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *Manager) reloadAndLog(ctx context.Context) {
	published, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	case published:
		m.log.Debug("config published", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	}
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
