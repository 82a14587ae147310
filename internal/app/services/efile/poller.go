package efile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RossTaxPrep/efile_layer/internal/app/system"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Poller runs the reconciler on a cron schedule. A run that is still in
// progress when the next tick fires causes that tick to be skipped.
type Poller struct {
	reconciler *Reconciler
	schedule   string
	staleAfter time.Duration
	timeout    time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Poller)(nil)

// NewPoller builds a poller from cfg. Zero values fall back to defaults.
func NewPoller(reconciler *Reconciler, cfg config.ReconcileConfig, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("efile-reconciler")
	}
	p := &Poller{
		reconciler: reconciler,
		schedule:   cfg.Schedule,
		staleAfter: cfg.StaleAfter,
		timeout:    cfg.Timeout,
		log:        log,
	}
	if p.schedule == "" {
		p.schedule = "@every 5m"
	}
	if p.staleAfter <= 0 {
		p.staleAfter = 15 * time.Minute
	}
	if p.timeout <= 0 {
		p.timeout = 2 * time.Minute
	}
	return p
}

func (p *Poller) Name() string { return "efile-reconciler" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.schedule, func() { p.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("reconcile schedule %q: %w", p.schedule, err)
	}
	c.Start()

	p.cron = c
	p.cancel = cancel
	p.running = true
	p.log.WithField("schedule", p.schedule).Info("acknowledgment poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	c, cancel := p.cron, p.cancel
	p.running = false
	p.cron = nil
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("acknowledgment poller stopped")
	return nil
}

// RunOnce drains new acknowledgments, then sweeps stale pending
// transmissions. Errors are logged.
func (p *Poller) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.reconciler.ReconcileNew(ctx); err != nil {
		p.log.WithError(err).Warn("reconcile new acknowledgments failed")
	}
	summary, err := p.reconciler.ReconcilePending(ctx, p.staleAfter)
	if err != nil {
		p.log.WithError(err).Warn("reconcile pending transmissions failed")
		return
	}
	if summary.Checked > 0 {
		p.log.WithField("checked", summary.Checked).
			WithField("resolved", summary.Resolved).
			WithField("failed", summary.Failed).
			Info("pending transmissions reconciled")
	}
}
