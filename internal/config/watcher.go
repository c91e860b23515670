package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to one file. It watches the parent directory so
// editors that replace the file by rename are still seen.
type Watcher struct {
	target string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches config.yaml in homeDir.
func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	return NewFileWatcher(ConfigPath(homeDir), logger)
}

// NewFileWatcher watches the file at path.
func NewFileWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		target: filepath.Clean(path),
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.target)); err != nil {
		_ = fsw.Close()
		return err
	}
	target := w.target

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reloader re-reads the config on every watcher event and hands the result
// to apply. Parse failures are logged and the previous config stays active.
func Reloader(ctx context.Context, w *Watcher, homeDir string, logger *slog.Logger, apply func(Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := LoadFrom(homeDir)
			if err != nil {
				logger.Warn("config reload failed; keeping previous config", "error", err)
				continue
			}
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
			apply(cfg)
		}
	}
}
