package certs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harrylevesque/keybar/internal/utils"
)

// Watcher reloads a Provider when its certificate, key or CA files change.
// Directories are watched rather than files so that atomic replacement by
// rename is seen.
type Watcher struct {
	provider *Provider
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	log      *utils.Logger
}

func NewWatcher(p *Provider, debounce time.Duration, log *utils.Logger) (*Watcher, error) {
	if log == nil {
		log = utils.Discard()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		provider: p,
		watcher:  fw,
		files:    make(map[string]bool),
		debounce: debounce,
		log:      log.With("component", "cert-watcher"),
	}
	dirs := make(map[string]bool)
	for _, f := range p.Files() {
		abs, err := filepath.Abs(f)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			// Failures are logged by Reload and the old config stays active.
			_ = w.provider.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}
