package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "telly/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are seen. A watcher that dies is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	reload := make(chan struct{}, 1)
	go m.debounce(ctx, reload)

	wait := rewatchMin
	for ctx.Err() == nil {
		ran, err := m.watchOnce(ctx, reload)
		if ctx.Err() != nil {
			break
		}
		if ran {
			wait = rewatchMin
		}
		pause := wait + rand.N(wait/2+1)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path), logx.Duration("backoff", pause), logx.Err(err))
		if !sleepCtx(ctx, pause) {
			break
		}
		wait = min(wait*2, rewatchMax)
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it fails. ran reports whether it
// got as far as watching the directory.
func (m *Manager) watchOnce(ctx context.Context, reload chan<- struct{}) (ran bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer func() { _ = w.Close() }()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", file))

	poke := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == file && !ev.Has(fsnotify.Chmod) {
				poke()
			}
		case werr, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(werr, fsnotify.ErrClosed):
				return true, errors.New("watcher closed")
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				poke()
			case werr != nil:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			}
		}
	}
}

// debounce collapses bursts of file events into one reload after the file
// has been quiet for watchDebounce.
func (m *Manager) debounce(ctx context.Context, reload <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			t.Reset(watchDebounce)
		case <-t.C:
			m.reload(ctx)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
