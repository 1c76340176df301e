package api

import (
	"context"
	"fmt"

	"github.com/jayrapson/redi-limit/config"
	"github.com/jayrapson/redi-limit/internal/slidingwindowlog"
	swlinmemory "github.com/jayrapson/redi-limit/internal/slidingwindowlog/inmemory"
	swlmemcache "github.com/jayrapson/redi-limit/internal/slidingwindowlog/memcache"
	swlredis "github.com/jayrapson/redi-limit/internal/slidingwindowlog/redis"
	"github.com/jayrapson/redi-limit/types"
)

// Factory creates Limiter instances from configuration and already
// initialized backend clients.
type Factory struct {
	opts []slidingwindowlog.Option
}

// NewFactory creates a new Factory. opts are applied to every limiter after the
// configured header.
func NewFactory(opts ...slidingwindowlog.Option) *Factory {
	return &Factory{opts: opts}
}

// CreateLimiter builds the limiter described by cfg. Redis backends load their
// script here, so an unreachable store fails construction.
func (f *Factory) CreateLimiter(ctx context.Context, cfg config.LimiterConfig, clients types.BackendClients) (*slidingwindowlog.Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend slidingwindowlog.Backend
	switch cfg.Backend {
	case config.InMemory:
		backend = swlinmemory.NewBackend(cfg.Key)
	case config.Redis:
		if clients.RedisClient == nil {
			return nil, fmt.Errorf("redis client is required but not provided for redis backend for key '%s'", cfg.Key)
		}
		b, err := swlredis.NewBackend(ctx, clients.RedisClient, cfg.Key)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.Memcache:
		if clients.MemcacheClient == nil {
			return nil, fmt.Errorf("memcache client is required but not provided for memcache backend for key '%s'", cfg.Key)
		}
		backend = swlmemcache.NewBackend(cfg.Key, clients.MemcacheClient)
	default:
		return nil, fmt.Errorf("%w: unsupported backend type '%s' for key '%s'", config.ErrInvalidConfig, cfg.Backend, cfg.Key)
	}

	opts := append([]slidingwindowlog.Option{slidingwindowlog.WithHeader(cfg.HeaderName())}, f.opts...)
	return slidingwindowlog.New(backend, cfg.WindowParams.Rate, cfg.WindowParams.Window, opts...)
}
