package config

import (
	"context"
	"sync/atomic"
)

// Provider supplies MeF settings. Implementations are consulted on every
// call so operational flags take effect without a restart.
type Provider interface {
	MeF(ctx context.Context) (MeFConfig, error)
}

// KillSwitch toggles outbound transmissions.
type KillSwitch interface {
	SetTransmissionsEnabled(ctx context.Context, enabled bool) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (MeFConfig, error)

// MeF implements Provider.
func (f ProviderFunc) MeF(ctx context.Context) (MeFConfig, error) {
	return f(ctx)
}

// Static returns a provider that always yields cfg.
func Static(cfg MeFConfig) Provider {
	snapshot := cfg.Clone()
	return ProviderFunc(func(context.Context) (MeFConfig, error) {
		return snapshot.Clone(), nil
	})
}

// Live holds the current settings and allows concurrent readers while an
// administrative path swaps in new values.
type Live struct {
	current atomic.Pointer[MeFConfig]
}

// NewLive seeds a Live provider.
func NewLive(cfg MeFConfig) *Live {
	l := &Live{}
	snapshot := cfg.Clone()
	l.current.Store(&snapshot)
	return l
}

// MeF implements Provider.
func (l *Live) MeF(context.Context) (MeFConfig, error) {
	return l.current.Load().Clone(), nil
}

// Update applies fn to a copy of the current settings and publishes it.
func (l *Live) Update(fn func(*MeFConfig)) MeFConfig {
	for {
		old := l.current.Load()
		next := old.Clone()
		fn(&next)
		if l.current.CompareAndSwap(old, &next) {
			return next.Clone()
		}
	}
}

// SetTransmissionsEnabled implements KillSwitch.
func (l *Live) SetTransmissionsEnabled(_ context.Context, enabled bool) error {
	l.Update(func(c *MeFConfig) { c.TransmissionsEnabled = enabled })
	return nil
}

var (
	_ Provider   = (*Live)(nil)
	_ KillSwitch = (*Live)(nil)
)
