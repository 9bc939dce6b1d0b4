// Package watcher detects mutations of a task's in-progress packet file
// while a turn is in flight, signaling the engine driver to interrupt via
// context cancellation (spec §4.5). Grounded on the teacher's config-file
// mtime polling (internal/cli's watch loop) generalized to fsnotify with a
// poll fallback for filesystems where inotify is unavailable (network
// mounts, some container overlays).
package watcher

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch polls path's mtime every interval (and, when fsnotify is available,
// reacts to its events immediately) until ctx is cancelled. On every
// observed mtime change after the initial baseline, it cancels the returned
// context so the caller's in-flight engine turn can interrupt.
//
// The returned cancel must be called by the caller once the turn ends, to
// stop the watcher goroutine.
func Watch(ctx context.Context, path string, interval time.Duration) (turnCtx context.Context, cancel context.CancelFunc) {
	turnCtx, cancelTurn := context.WithCancel(ctx)

	baseline := mtimeOf(path)
	fsw, fsErr := fsnotify.NewWatcher()
	if fsErr == nil {
		_ = fsw.Add(path)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer func() {
			if fsw != nil {
				fsw.Close()
			}
		}()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m := mtimeOf(path); !m.Equal(baseline) {
					cancelTurn()
					return
				}
			case ev, ok := <-fsnotifyEvents(fsw):
				if !ok {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					cancelTurn()
					return
				}
			}
		}
	}()

	var once sync.Once
	return turnCtx, func() {
		once.Do(func() { close(stop) })
		cancelTurn()
	}
}

func fsnotifyEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func mtimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
