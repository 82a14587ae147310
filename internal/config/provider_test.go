package config

import (
	"context"
	"sync"
	"testing"
)

func TestStaticReturnsIsolatedCopies(t *testing.T) {
	cfg := DefaultMeF()
	cfg.Profiles["main"] = Profile{EFIN: "123456"}
	p := Static(cfg)

	first, _ := p.MeF(context.Background())
	first.Profiles["main"] = Profile{EFIN: "999999"}

	second, _ := p.MeF(context.Background())
	if second.Profiles["main"].EFIN != "123456" {
		t.Fatalf("static provider leaked a mutation: %+v", second.Profiles["main"])
	}
}

func TestLiveKillSwitchVisibleImmediately(t *testing.T) {
	live := NewLive(DefaultMeF())
	ctx := context.Background()

	if err := live.SetTransmissionsEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	cfg, _ := live.MeF(ctx)
	if !cfg.TransmissionsEnabled {
		t.Fatalf("expected transmissions enabled")
	}

	_ = live.SetTransmissionsEnabled(ctx, false)
	cfg, _ = live.MeF(ctx)
	if cfg.TransmissionsEnabled {
		t.Fatalf("expected transmissions disabled")
	}
}

func TestLiveConcurrentUpdates(t *testing.T) {
	live := NewLive(DefaultMeF())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live.Update(func(c *MeFConfig) { c.TaxYearWindow++ })
		}()
	}
	wg.Wait()

	cfg, _ := live.MeF(context.Background())
	if cfg.TaxYearWindow != DefaultMeF().TaxYearWindow+50 {
		t.Fatalf("lost updates: %d", cfg.TaxYearWindow)
	}
}
