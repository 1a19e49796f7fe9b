package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/live-resolver/crypto"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path into the pool whenever it changes, until ctx is done.
// The parent directory is watched so atomic renames are seen. A file that
// fails to parse is logged and ignored; the previous sets stay in effect.
// onReload, if set, runs after each successful reload.
func (p *Pool) Watch(ctx context.Context, path string, enc crypto.Encryptor, onReload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credentials watcher: %w", err)
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log := slog.Default().With(slog.String("component", "credentials"), slog.String("path", abs))
	log.Info("watching credentials file")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("credentials watcher error", slog.Any("err", err))
		case <-pending:
			pending = nil
			sets, err := LoadFile(abs, enc)
			if err == nil {
				err = p.Replace(sets)
			}
			if err != nil {
				log.Error("credentials reload failed; keeping previous sets", slog.Any("err", err))
				continue
			}
			log.Info("credentials reloaded", slog.Int("sets", len(sets)))
			if onReload != nil {
				onReload()
			}
		}
	}
}
