package app

import (
	"context"
	"fmt"

	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	efilesvc "github.com/RossTaxPrep/efile_layer/internal/app/services/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage/memory"
	"github.com/RossTaxPrep/efile_layer/internal/app/system"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Transmissions   storage.TransmissionStore
	Acknowledgments storage.AcknowledgmentStore
}

// Settings carries the runtime knobs of the e-file pipeline. A nil Provider
// falls back to a live copy of the default MeF settings, which doubles as the
// kill switch.
type Settings struct {
	Provider   config.Provider
	KillSwitch config.KillSwitch
	Reconcile  config.ReconcileConfig

	MeFOptions       []mef.Option
	ValidatorOptions []schema.Option
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Transmissions *efilesvc.Service
	Reconciler    *efilesvc.Reconciler
	Validator     *schema.Validator
	MeF           *mef.Client
	Settings      config.Provider
	KillSwitch    config.KillSwitch
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, settings Settings, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Transmissions == nil {
		stores.Transmissions = mem
	}
	if stores.Acknowledgments == nil {
		stores.Acknowledgments = mem
	}

	if settings.Provider == nil {
		live := config.NewLive(config.DefaultMeF())
		settings.Provider = live
		if settings.KillSwitch == nil {
			settings.KillSwitch = live
		}
	}
	if settings.KillSwitch == nil {
		if ks, ok := settings.Provider.(config.KillSwitch); ok {
			settings.KillSwitch = ks
		} else {
			log.Warn("settings provider has no kill switch; admin toggling disabled")
		}
	}

	cfg, err := settings.Provider.MeF(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load mef settings: %w", err)
	}
	metrics.SetTransmissionsEnabled(cfg.TransmissionsEnabled)

	clientOpts := append([]mef.Option{mef.WithLogger(log)}, settings.MeFOptions...)
	client, err := mef.New(settings.Provider, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("configure mef client: %w", err)
	}
	if cfg.Environment == config.EnvironmentProduction {
		log.WithField("endpoint", cfg.BaseURL()).Warn("MeF client pinned to PRODUCTION")
	}

	validatorOpts := append([]schema.Option{schema.WithTaxYearWindow(cfg.TaxYearWindow)}, settings.ValidatorOptions...)
	validator := schema.New(validatorOpts...)

	transmissions := efilesvc.New(stores.Transmissions, validator, client, settings.Provider, log)
	reconciler := efilesvc.NewReconciler(stores.Transmissions, stores.Acknowledgments, client, log)
	reconciler.SetPassTimeout(settings.Reconcile.Timeout)

	manager := system.NewManager()
	if settings.Reconcile.Enabled {
		if err := manager.Register(efilesvc.NewPoller(reconciler, settings.Reconcile, log)); err != nil {
			return nil, fmt.Errorf("register reconciler: %w", err)
		}
	} else {
		log.Warn("scheduled reconciliation disabled; acknowledgments are pulled on demand only")
	}

	return &Application{
		manager:       manager,
		log:           log,
		Transmissions: transmissions,
		Reconciler:    reconciler,
		Validator:     validator,
		MeF:           client,
		Settings:      settings.Provider,
		KillSwitch:    settings.KillSwitch,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered lifecycle services.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
