// Package runtime assembles the configured e-file application: storage,
// settings providers, background services and the HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/RossTaxPrep/efile_layer/internal/app"
	"github.com/RossTaxPrep/efile_layer/internal/app/httpapi"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage/postgres"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/harness"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/mef/mefsim"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

// Options tune how the runtime is assembled.
type Options struct {
	// Simulate routes MeF traffic to an in-process simulator and ignores the
	// configured endpoints and profiles.
	Simulate bool
	// SkipServices leaves background services unregistered, for one-shot
	// commands.
	SkipServices bool
	Logger       *logger.Logger
}

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	app    *app.Application
	server *http.Server
	db     *sql.DB
	redis  *redis.Client
	sim    *mefsim.Server
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg config.LoggingConfig) *logger.Logger {
	return logger.New(logger.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePrefix: cfg.FilePrefix,
	})
}

// NewApplication constructs the application described by cfg.
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log := opts.Logger
	if log == nil {
		log = NewLogger(cfg.Logging)
	}
	a := &Application{cfg: cfg, log: log}

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := OpenDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		store := postgres.New(db)
		stores.Transmissions = store
		stores.Acknowledgments = store
	} else {
		log.Warn("database dsn not configured; using in-memory storage")
	}

	mefCfg := cfg.MeF.Clone()
	var mefOpts []mef.Option
	if opts.Simulate {
		a.sim = mefsim.New(mefsim.WithLogger(log))
		simulated := testutil.SimulatedMeF(harness.SimulatedBaseURL)
		simulated.AllowTestMode = mefCfg.AllowTestMode
		mefCfg = simulated
		mefOpts = append(mefOpts, mef.WithHTTPClient(a.sim.HTTPClient()))
		log.Warn("MeF traffic routed to the in-process simulator")
	}

	live := config.NewLive(mefCfg)
	settings := app.Settings{
		Provider:   live,
		KillSwitch: live,
		Reconcile:  cfg.Reconcile,
		MeFOptions: mefOpts,
	}
	if opts.SkipServices {
		settings.Reconcile.Enabled = false
	}
	if cfg.Redis.Addr != "" {
		a.redis = config.NewRedisClient(cfg.Redis)
		overlay := config.NewRedisOverlay(live, a.redis, cfg.Redis.FlagKey, log)
		settings.Provider = overlay
		settings.KillSwitch = overlay
	}

	application, err := app.New(stores, settings, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.app = application

	if cfg.FlagsFile != "" && !opts.SkipServices {
		if err := application.Attach(config.NewFlagsWatcher(cfg.FlagsFile, live, log)); err != nil {
			a.close()
			return nil, err
		}
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:         cfg.Auth.JWTSecret,
		Issuer:            cfg.Auth.Issuer,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		AuditPath:         cfg.Server.AuditPath,
	}, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return a, nil
}

// App returns the composed application.
func (a *Application) App() *app.Application { return a.app }

// Simulator returns the in-process simulator when running simulated.
func (a *Application) Simulator() *mefsim.Server { return a.sim }

// Harness builds the ATS suite over this application's pipeline.
func (a *Application) Harness(opts ...harness.Option) (*harness.Harness, error) {
	return harness.New(harness.Deps{
		Service:    a.app.Transmissions,
		Reconciler: a.app.Reconciler,
		Transport:  a.app.MeF,
		Validator:  a.app.Validator,
		Settings:   a.app.Settings,
		KillSwitch: a.app.KillSwitch,
		Simulator:  a.sim,
	}, a.log, opts...)
}

// Run starts background services and the HTTP server, and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		_ = a.app.Stop(context.Background())
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server and background services.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.close()
	return errors.Join(errs...)
}

func (a *Application) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
	}
}

// OpenDatabase opens and pings the configured database.
func OpenDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
