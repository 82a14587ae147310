package app

import (
	"context"
	"testing"

	"github.com/RossTaxPrep/efile_layer/internal/app/system"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

func TestNewDefaults(t *testing.T) {
	application, err := New(Stores{}, Settings{}, logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if application.KillSwitch == nil {
		t.Fatalf("default settings must expose a kill switch")
	}
	if env := application.MeF.Environment(); env != config.EnvironmentATS {
		t.Fatalf("environment = %s", env)
	}
	if err := application.KillSwitch.SetTransmissionsEnabled(context.Background(), true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	cfg, _ := application.Settings.MeF(context.Background())
	if !cfg.TransmissionsEnabled {
		t.Fatalf("kill switch and settings are not the same source")
	}
}

func TestAttachAndLifecycle(t *testing.T) {
	application, err := New(Stores{}, Settings{
		Reconcile: config.ReconcileConfig{Enabled: true, Schedule: "@every 1h"},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Attach(system.NoopService{ServiceName: "extra"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	services := application.Services()
	if len(services) != 2 || services[0] != "efile-reconciler" || services[1] != "extra" {
		t.Fatalf("unexpected services %v", services)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := application.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewRejectsBrokenSettings(t *testing.T) {
	_, err := New(Stores{}, Settings{
		Provider: config.ProviderFunc(func(context.Context) (config.MeFConfig, error) {
			return config.MeFConfig{Environment: "STAGING"}, nil
		}),
	}, logger.Discard())
	if err == nil {
		t.Fatalf("expected error for unknown environment")
	}
}
