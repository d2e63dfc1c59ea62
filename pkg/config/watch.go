package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jg-phare/wirerpc/pkg/logging"
)

// Watcher reloads a profile when its file changes.
type Watcher struct {
	path     string
	onChange func(*Profile, error)
	log      logging.Sink
	debounce time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the profile at path. onChange receives
// the reloaded profile, or the error that prevented loading it.
func NewWatcher(path string, onChange func(*Profile, error), log logging.Sink) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		log:      logging.OrNop(log),
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. The file's directory is watched rather than the
// file, so editors that replace the file on save are seen.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.run(ctx, watcher, done)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// run handles events until ctx is done. Reloads are debounced on this
// goroutine, so none can start once Stop has returned.
func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-fire:
			fire = nil
			if ctx.Err() == nil {
				w.reload()
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warning("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed", "path", w.path, "error", err)
	} else {
		w.log.Info("config reloaded", "path", w.path, "profile", p.Name)
	}
	w.onChange(p, err)
}
