package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// FlagStore is the subset of the redis client used for shared flags.
type FlagStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisOverlay shares the kill switch between replicas. The value stored at
// key overrides the base provider's TransmissionsEnabled; a missing key
// leaves the base value untouched. Read failures disable transmissions.
type RedisOverlay struct {
	base  Provider
	store FlagStore
	key   string
	log   *logger.Logger
}

// NewRedisOverlay wraps base with a redis-backed kill switch.
func NewRedisOverlay(base Provider, store FlagStore, key string, log *logger.Logger) *RedisOverlay {
	if log == nil {
		log = logger.NewDefault("config")
	}
	if strings.TrimSpace(key) == "" {
		key = "efile:transmissions_enabled"
	}
	return &RedisOverlay{base: base, store: store, key: key, log: log}
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// MeF implements Provider.
func (r *RedisOverlay) MeF(ctx context.Context) (MeFConfig, error) {
	cfg, err := r.base.MeF(ctx)
	if err != nil {
		return MeFConfig{}, err
	}

	raw, err := r.store.Get(ctx, r.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return cfg, nil
	case err != nil:
		r.log.WithError(err).WithField("key", r.key).Warn("read kill switch from redis; disabling transmissions")
		cfg.TransmissionsEnabled = false
		return cfg, nil
	}

	enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		r.log.WithField("key", r.key).WithField("value", raw).Warn("unparseable kill switch value; disabling transmissions")
		enabled = false
	}
	cfg.TransmissionsEnabled = enabled
	return cfg, nil
}

// SetTransmissionsEnabled implements KillSwitch.
func (r *RedisOverlay) SetTransmissionsEnabled(ctx context.Context, enabled bool) error {
	if err := r.store.Set(ctx, r.key, strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	return nil
}

var (
	_ Provider   = (*RedisOverlay)(nil)
	_ KillSwitch = (*RedisOverlay)(nil)
	_ FlagStore  = (*redis.Client)(nil)
)
