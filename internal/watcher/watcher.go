// Package watcher reports edits of a single file, such as the config file.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher calls OnChange after the target file was written, created or
// replaced. It watches the parent directory because editors often replace
// files by rename.
type Watcher struct {
	Target   string
	OnChange func()
	Debounce time.Duration
}

// New creates a Watcher for target.
func New(target string, onChange func()) *Watcher {
	return &Watcher{Target: filepath.Clean(target), OnChange: onChange, Debounce: 250 * time.Millisecond}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	parent := filepath.Dir(w.Target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	if err := fsw.Add(parent); err != nil {
		return err
	}
	log.Debug().Str("path", w.Target).Msg("watching file")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.Target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.Debounce, w.fire)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) fire() {
	if _, err := os.Stat(w.Target); err != nil {
		log.Debug().Str("path", w.Target).Msg("changed file is gone; ignoring")
		return
	}
	log.Info().Str("path", w.Target).Msg("file changed")
	if w.OnChange != nil {
		w.OnChange()
	}
}
