package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "laterbot/pkg/logx"
)

const (
	reloadDelay     = 250 * time.Millisecond
	rewatchMinDelay = 250 * time.Millisecond
	rewatchMaxDelay = 5 * time.Second
	validateTimeout = 5 * time.Second
)

// Watch follows the config file's directory and reloads after writes settle.
// A broken fsnotify watcher is rebuilt with jittered backoff. Returns when ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	kick := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.reloadLoop(ctx, kick)
	}()
	defer func() { <-done }()

	delay := rewatchMinDelay
	for {
		healthy := m.watchOnce(ctx, kick)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			delay = rewatchMinDelay
		}
		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, rewatchMaxDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// reloadLoop coalesces kicks: a reload runs once no kick arrived for reloadDelay.
func (m *Manager) reloadLoop(ctx context.Context, kick <-chan struct{}) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			timer.Reset(reloadDelay)
		case <-timer.C:
			vctx, cancel := context.WithTimeout(ctx, validateTimeout)
			m.reload(vctx)
			cancel()
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
// It reports whether the watcher was established.
func (m *Manager) watchOnce(ctx context.Context, kick chan<- struct{}) bool {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch init failed", logx.Err(err))
		return false
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		log.Warn("config watch add failed", logx.Err(err))
		return false
	}
	log.Debug("config watcher started", logx.String("file", name))

	poke := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				log.Warn("config watcher closed; rebuilding")
				return true
			}
			// Editors save by rename, so match the base name rather than the inode.
			if ev.Op&interesting != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				log.Warn("config watcher closed; rebuilding")
				return true
			}
			if err == fsnotify.ErrEventOverflow {
				log.Warn("config watch overflow; forcing reload")
				poke()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}
