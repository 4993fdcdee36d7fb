package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the engine when its policy or data file changes. It blocks
// until ctx is done. Inline sources have nothing to watch and return nil
// immediately.
func (e *Engine) Watch(ctx context.Context) error {
	files := map[string]bool{}
	if e.cfg.Policy == "" && e.cfg.PolicyFile != "" {
		files[filepath.Clean(e.cfg.PolicyFile)] = true
	}
	if e.cfg.Data == "" && e.cfg.DataFile != "" {
		files[filepath.Clean(e.cfg.DataFile)] = true
	}
	if len(files) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watch: %w", err)
	}
	defer watcher.Close()

	// Watch directories so atomic replace-by-rename is observed.
	dirs := map[string]bool{}
	for f := range files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("policy watch %s: %w", d, err)
		}
	}
	e.log.DebugContext(ctx, "policy.watch.start", slog.Int("files", len(files)))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			trigger := ev.Name
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := e.Reload(ctx); err != nil {
					e.log.WarnContext(ctx, "policy.reload.fail", slog.String("trigger", trigger), slog.String("err", err.Error()))
					return
				}
				e.log.InfoContext(ctx, "policy.reload.ok", slog.String("trigger", trigger))
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.WarnContext(ctx, "policy.watch.error", slog.String("err", err.Error()))
		}
	}
}
