// Package api builds rate limiters and their backend clients from a
// configuration file.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	apiinternal "github.com/jayrapson/redi-limit/api/internal"
	"github.com/jayrapson/redi-limit/config"
	"github.com/jayrapson/redi-limit/internal/slidingwindowlog"
	swlinmemory "github.com/jayrapson/redi-limit/internal/slidingwindowlog/inmemory"
	swlredis "github.com/jayrapson/redi-limit/internal/slidingwindowlog/redis"
	"github.com/jayrapson/redi-limit/metrics"
	"github.com/jayrapson/redi-limit/types"
)

// clientCloser holds every backend client opened during initialization.
type clientCloser struct {
	redisClients []*redis.Client
	closers      []io.Closer
}

// Close shuts down all backend clients, reporting every failure.
func (c *clientCloser) Close() error {
	log.Info().Msg("API: Starting backend client shutdown")
	var errs []error
	for _, client := range c.redisClients {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Str("address", client.Options().Addr).Msg("API: Error closing Redis client")
			errs = append(errs, fmt.Errorf("close redis client %s: %w", client.Options().Addr, err))
		}
	}
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("API: Error closing Memcache client")
			errs = append(errs, fmt.Errorf("close memcache client: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info().Msg("API: Backend client shutdown complete")
	return nil
}

// NewLimitersFromConfigPath loads config, initializes the backend clients it
// needs and returns the limiters and their configs keyed by limiter key, plus an
// io.Closer for the clients.
func NewLimitersFromConfigPath(ctx context.Context, configPath string) (map[string]types.Limiter, map[string]config.LimiterConfig, io.Closer, error) {
	cfgFile, err := apiinternal.LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Str("config_path", configPath).Msg("API: Initialization failed: error loading configuration")
		return nil, nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	return NewLimiters(ctx, cfgFile.Limiters)
}

// NewLimiters is NewLimitersFromConfigPath for already loaded configs. Limiters
// sharing a store address share one client.
func NewLimiters(ctx context.Context, cfgs []config.LimiterConfig) (map[string]types.Limiter, map[string]config.LimiterConfig, io.Closer, error) {
	closer := &clientCloser{}
	redisClients := make(map[string]*redis.Client)
	factory := NewFactory()

	limiters := make(map[string]types.Limiter, len(cfgs))
	configs := make(map[string]config.LimiterConfig, len(cfgs))

	fail := func(err error) (map[string]types.Limiter, map[string]config.LimiterConfig, io.Closer, error) {
		_ = closer.Close()
		return nil, nil, nil, err
	}

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Str("limiter_key", cfg.Key).Msg("API: Initialization failed: invalid limiter configuration")
			return fail(err)
		}
		if _, dup := configs[cfg.Key]; dup {
			return fail(fmt.Errorf("%w: duplicate limiter key '%s'", config.ErrInvalidConfig, cfg.Key))
		}

		var clients types.BackendClients
		switch cfg.Backend {
		case config.Redis:
			id := fmt.Sprintf("%s/%d", cfg.RedisParams.Address, cfg.RedisParams.DB)
			client, ok := redisClients[id]
			if !ok {
				var err error
				client, err = apiinternal.InitRedisClient(ctx, cfg.RedisParams)
				if err != nil {
					return fail(fmt.Errorf("limiter '%s': %w", cfg.Key, err))
				}
				redisClients[id] = client
				closer.redisClients = append(closer.redisClients, client)
			}
			clients.RedisClient = client
		case config.Memcache:
			client, err := apiinternal.InitMemcacheClient(cfg.MemcacheParams)
			if err != nil {
				return fail(fmt.Errorf("limiter '%s': %w", cfg.Key, err))
			}
			closer.closers = append(closer.closers, client)
			clients.MemcacheClient = client
		}

		log.Info().Str("limiter_key", cfg.Key).Str("algorithm", string(cfg.Algorithm)).Str("backend", string(cfg.Backend)).Msg("API: Creating limiter")
		limiter, err := factory.CreateLimiter(ctx, cfg, clients)
		if err != nil {
			log.Error().Err(err).Str("limiter_key", cfg.Key).Msg("API: Initialization failed: could not create limiter")
			return fail(fmt.Errorf("limiter '%s': failed to create instance: %w", cfg.Key, err))
		}
		limiters[cfg.Key] = limiter
		configs[cfg.Key] = cfg
	}

	log.Info().Int("limiters", len(limiters)).Msg("API: All rate limiters initialized")
	return limiters, configs, closer, nil
}

// RegisterScriptReloads exports the script reload count of every Redis-backed
// limiter in limiters.
func RegisterScriptReloads(m *metrics.RateLimitMetrics, limiters map[string]types.Limiter) error {
	for key, l := range limiters {
		swl, ok := l.(*slidingwindowlog.Limiter)
		if !ok {
			continue
		}
		b, ok := swl.Backend().(*swlredis.Backend)
		if !ok {
			continue
		}
		if err := m.RegisterScriptReloads(key, b.Registry().Reloads); err != nil {
			return fmt.Errorf("limiter '%s': %w", key, err)
		}
	}
	return nil
}

// StartJanitors evicts idle identifiers from every in-memory limiter each
// interval until ctx is cancelled. An identifier is idle once a full window has
// passed since its last check.
func StartJanitors(ctx context.Context, limiters map[string]types.Limiter, every time.Duration) {
	for key, l := range limiters {
		swl, ok := l.(*slidingwindowlog.Limiter)
		if !ok {
			continue
		}
		if b, ok := swl.Backend().(*swlinmemory.Backend); ok {
			log.Debug().Str("limiter_key", key).Dur("every", every).Msg("API: Starting in-memory janitor")
			b.StartJanitor(ctx, every, swl.Window())
		}
	}
}
