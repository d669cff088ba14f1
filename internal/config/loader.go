package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Load reads config from a JSON file layered onto Defaults, then overlays
// secrets from the environment (optionally loaded from a .env file first).
// A missing file is not an error: Defaults with env overrides is returned.
func Load(path string) (*Config, error) {
	if err := loadDotenv(); err != nil {
		slog.Warn("config: .env load skipped", "error", err)
	}

	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvSecrets(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvSecrets(cfg)
	return cfg, nil
}

func loadDotenv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

// Watcher hot-reloads a Config in place by re-running Load on every write
// to the underlying file, adapted from kadirpekel-hector's
// pkg/config/provider/file.go fsnotify watch loop (directory-level watch +
// debounce, since not every filesystem supports watching a single file).
type Watcher struct {
	path    string
	cfg     *Config
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path's parent directory for changes; Run
// then hot-reloads cfg whenever the file is rewritten. Run closes the
// underlying watcher when its context is canceled.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	return &Watcher{path: path, cfg: cfg, watcher: fsw}, nil
}

// Run blocks, reloading w.cfg in place on every debounced write event to
// the watched file, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	target := filepath.Base(w.path)

	var debounce *time.Timer
	const delay = 200 * time.Millisecond
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(delay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			next, err := Load(w.path)
			if err != nil {
				slog.Error("config: hot-reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			w.cfg.replace(next)
			slog.Info("config: reloaded", "path", w.path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}
