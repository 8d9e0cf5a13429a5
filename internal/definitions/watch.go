package definitions

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay coalesces the burst of events an editor save produces.
const DefaultReloadDelay = 250 * time.Millisecond

// Watcher reloads a definitions file into a Set when it changes.
type Watcher struct {
	set      *Set
	watcher  *fsnotify.Watcher
	onReload func(error)
	done     chan struct{}
	log      zerolog.Logger
	path     string
	delay    time.Duration
}

// Watch starts reloading path into set on every change until ctx ends or
// Close is called. The parent directory is watched so that files replaced
// by rename are picked up. onReload, if set, receives each reload result.
func Watch(ctx context.Context, set *Set, path string, onReload func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		set:      set,
		watcher:  fw,
		onReload: onReload,
		done:     make(chan struct{}),
		log:      set.log,
		path:     abs,
		delay:    DefaultReloadDelay,
	}
	go w.run(ctx)
	w.log.Info().Str("path", abs).Msg("Watching metric definitions")
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			err := w.set.Load(w.path)
			if err != nil {
				w.log.Error().Err(err).Str("path", w.path).Msg("Failed to reload metric definitions")
			} else {
				w.log.Info().Str("path", w.path).Msg("Reloaded metric definitions")
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Definitions watcher error")
		}
	}
}
