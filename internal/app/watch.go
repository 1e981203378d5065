package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch calls fn each time the file at path is written, created or replaced,
// coalescing bursts of events within debounce. The parent directory is
// watched so editors that save by rename are seen. It returns when ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, log zerolog.Logger, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info().Str("path", abs).Msg("watching model")

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
		case <-fire:
			fire = nil
			fn()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("op", ev.Op.String()).Msg("model changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(werr).Msg("watcher error")
		}
	}
}
