package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Flags is the operator-editable subset of MeF settings. Nil fields keep
// the current value.
type Flags struct {
	TransmissionsEnabled *bool `yaml:"transmissions_enabled"`
	AllowTestMode        *bool `yaml:"allow_test_mode"`
}

// LoadFlags parses a flags file.
func LoadFlags(path string) (Flags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flags{}, fmt.Errorf("read flags %s: %w", path, err)
	}
	var f Flags
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flags{}, fmt.Errorf("parse flags %s: %w", path, err)
	}
	return f, nil
}

// Apply copies the set flags onto cfg.
func (f Flags) Apply(cfg *MeFConfig) {
	if f.TransmissionsEnabled != nil {
		cfg.TransmissionsEnabled = *f.TransmissionsEnabled
	}
	if f.AllowTestMode != nil {
		cfg.AllowTestMode = *f.AllowTestMode
	}
}

// FlagsWatcher reloads a flags file into a Live provider whenever it changes.
// The containing directory is watched so editors that write via rename are
// picked up.
type FlagsWatcher struct {
	path     string
	live     *Live
	log      *logger.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewFlagsWatcher constructs a watcher for path.
func NewFlagsWatcher(path string, live *Live, log *logger.Logger) *FlagsWatcher {
	if log == nil {
		log = logger.NewDefault("config")
	}
	return &FlagsWatcher{
		path:     filepath.Clean(path),
		live:     live,
		log:      log,
		debounce: 200 * time.Millisecond,
	}
}

// Name implements system.Service.
func (w *FlagsWatcher) Name() string { return "flags-watcher" }

// Start applies the file once and begins watching.
func (w *FlagsWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.reload(); err != nil {
		w.log.WithError(err).Warn("initial flags load failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(runCtx)
	w.log.WithField("path", w.path).Info("watching flags file")
	return nil
}

// Stop halts the watcher.
func (w *FlagsWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done, watcher := w.cancel, w.done, w.watcher
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return watcher.Close()
}

func (w *FlagsWatcher) run(ctx context.Context) {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("flags watcher error")
		case <-pending:
			pending = nil
			if err := w.reload(); err != nil {
				w.log.WithError(err).Warn("reload flags")
			}
		}
	}
}

func (w *FlagsWatcher) reload() error {
	flags, err := LoadFlags(w.path)
	if err != nil {
		return err
	}
	cfg := w.live.Update(flags.Apply)
	w.log.WithField("transmissions_enabled", cfg.TransmissionsEnabled).
		WithField("allow_test_mode", cfg.AllowTestMode).
		Info("flags reloaded")
	return nil
}
