package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

func TestLoadFlagsApply(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flags.yaml", "transmissions_enabled: true\n")
	flags, err := LoadFlags(path)
	if err != nil {
		t.Fatalf("load flags: %v", err)
	}
	cfg := DefaultMeF()
	flags.Apply(&cfg)
	if !cfg.TransmissionsEnabled {
		t.Fatalf("expected transmissions enabled")
	}
	if !cfg.AllowTestMode {
		t.Fatalf("unset flag must keep current value")
	}
}

func TestFlagsWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "flags.yaml", "transmissions_enabled: false\n")

	live := NewLive(DefaultMeF())
	w := NewFlagsWatcher(path, live, logger.Discard())
	w.debounce = 10 * time.Millisecond

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	if err := os.WriteFile(filepath.Join(dir, "flags.yaml"), []byte("transmissions_enabled: true\n"), 0o600); err != nil {
		t.Fatalf("rewrite flags: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cfg, _ := live.MeF(ctx)
		if cfg.TransmissionsEnabled {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("flags change was not picked up")
}
