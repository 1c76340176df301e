package config

import (
	"errors"
	"fmt"
	"os"
)

// ErrInvalidConfig is returned when a limiter configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid limiter configuration")

// AlgorithmType represents the type of rate limiting algorithm.
type AlgorithmType string

const (
	SlidingWindowLog AlgorithmType = "sliding_window_log"
)

// BackendType represents the storage backend.
type BackendType string

const (
	InMemory BackendType = "in_memory"
	Redis    BackendType = "redis"
	Memcache BackendType = "memcache"
)

// DefaultHeader is the request header identifying the rate-limited subject.
const DefaultHeader = "Authorization"

// LimiterConfig holds the configuration for a single rate limiter instance.
type LimiterConfig struct {
	Algorithm AlgorithmType `yaml:"algorithm"`
	Backend   BackendType   `yaml:"backend"`
	Key       string        `yaml:"key"`
	Header    string        `yaml:"header,omitempty"`

	WindowParams *WindowConfig `yaml:"window_params,omitempty"`

	RedisParams    *RedisBackendConfig    `yaml:"redis_params,omitempty"`
	MemcacheParams *MemcacheBackendConfig `yaml:"memcache_params,omitempty"`
}

// WindowConfig holds parameters for the sliding window log.
type WindowConfig struct {
	// Window is the length of the sliding window in seconds.
	Window int64 `yaml:"window"`
	// Rate is the maximum number of requests admitted per window.
	Rate int64 `yaml:"rate"`
}

// RedisBackendConfig holds parameters for the Redis backend.
type RedisBackendConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// MemcacheBackendConfig holds parameters for the Memcache backend.
type MemcacheBackendConfig struct {
	Addresses []string `yaml:"addresses"`
}

// HeaderName returns the configured identifying header or the default.
func (c LimiterConfig) HeaderName() string {
	if c.Header == "" {
		return DefaultHeader
	}
	return c.Header
}

// Validate checks the configuration before any backend is touched.
func (c LimiterConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: missing 'key' field", ErrInvalidConfig)
	}
	if c.Algorithm != SlidingWindowLog {
		return fmt.Errorf("%w: unsupported algorithm type '%s' for key '%s'", ErrInvalidConfig, c.Algorithm, c.Key)
	}
	if c.WindowParams == nil {
		return fmt.Errorf("%w: window parameters are missing for key '%s'", ErrInvalidConfig, c.Key)
	}
	if err := ValidateWindow(c.WindowParams.Rate, c.WindowParams.Window); err != nil {
		return fmt.Errorf("limiter '%s': %w", c.Key, err)
	}

	switch c.Backend {
	case InMemory:
	case Redis:
		if c.RedisParams == nil || c.RedisParams.Address == "" {
			return fmt.Errorf("%w: redis backend selected but redis_params are missing for key '%s'", ErrInvalidConfig, c.Key)
		}
	case Memcache:
		if c.MemcacheParams == nil || len(c.MemcacheParams.Addresses) == 0 {
			return fmt.Errorf("%w: memcache backend selected but memcache_params are missing for key '%s'", ErrInvalidConfig, c.Key)
		}
	default:
		return fmt.Errorf("%w: unsupported backend type '%s' for key '%s'", ErrInvalidConfig, c.Backend, c.Key)
	}
	return nil
}

// ValidateWindow rejects non-positive rates and windows.
func ValidateWindow(rate, window int64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %d", ErrInvalidConfig, rate)
	}
	if window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfig, window)
	}
	return nil
}

// ApplyEnv overrides store addresses from REDIS_ADDR and MEMCACHED_ADDR.
// It is meant to run once, before any limiter is constructed.
func (c *LimiterConfig) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && c.Backend == Redis {
		if c.RedisParams == nil {
			c.RedisParams = &RedisBackendConfig{}
		}
		c.RedisParams.Address = addr
	}
	if addr := os.Getenv("MEMCACHED_ADDR"); addr != "" && c.Backend == Memcache {
		if c.MemcacheParams == nil {
			c.MemcacheParams = &MemcacheBackendConfig{}
		}
		c.MemcacheParams.Addresses = []string{addr}
	}
}
