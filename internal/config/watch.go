package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "deadman/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	reloadCheckTimeout = 5 * time.Second
	watchRetryMin      = 250 * time.Millisecond
	watchRetryMax      = 5 * time.Second
)

var errWatcherBroken = errors.New("config watcher broken")

// Watch reloads the file whenever it changes, until ctx is done. The
// directory is watched rather than the file so editors that replace the
// file on save are still seen. A failing watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	retry := watchRetryMin
	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			retry = watchRetryMin
			continue
		}
		m.log.Warn("config watcher failed; retrying",
			logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
		retry = min(retry*2, watchRetryMax)
	}
}

// watchOnce runs one fsnotify watcher until ctx is done or the watcher
// breaks. Bursts of events within reloadDebounce cause one reload.
func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != 0 {
				arm()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				arm()
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}
