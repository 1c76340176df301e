package internal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/jayrapson/redi-limit/config"
)

const pingTimeout = 5 * time.Second

// ConfigFile represents the top-level structure of the configuration file.
type ConfigFile struct {
	Limiters []config.LimiterConfig `yaml:"limiters"`
}

// LoadConfig reads and unmarshals the YAML config, applies environment
// overrides and validates every limiter.
func LoadConfig(path string) (*ConfigFile, error) {
	log.Info().Str("config_path", path).Msg("API: Loading configuration")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (*ConfigFile, error) {
	var cfg ConfigFile
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Limiters) == 0 {
		return nil, fmt.Errorf("%w: no limiter configurations found", config.ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(cfg.Limiters))
	for i := range cfg.Limiters {
		lc := &cfg.Limiters[i]
		lc.ApplyEnv()
		if err := lc.Validate(); err != nil {
			return nil, err
		}
		if seen[lc.Key] {
			return nil, fmt.Errorf("%w: duplicate limiter key '%s'", config.ErrInvalidConfig, lc.Key)
		}
		seen[lc.Key] = true
	}
	log.Info().Int("limiters", len(cfg.Limiters)).Msg("API: Configuration loaded")
	return &cfg, nil
}

// InitRedisClient initializes and pings a Redis client based on config.
func InitRedisClient(ctx context.Context, params *config.RedisBackendConfig) (*redis.Client, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: redis backend selected but redis_params are missing", config.ErrInvalidConfig)
	}
	log.Info().Str("address", params.Address).Int("db", params.DB).Msg("API: Initializing Redis client")
	client := redis.NewClient(&redis.Options{
		Addr:     params.Address,
		Password: params.Password,
		DB:       params.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Str("address", params.Address).Msg("API: Redis ping failed")
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", params.Address, err)
	}
	log.Info().Str("address", params.Address).Msg("API: Connected to Redis")
	return client, nil
}

// InitMemcacheClient initializes and pings a Memcache client based on config.
func InitMemcacheClient(params *config.MemcacheBackendConfig) (*memcache.Client, error) {
	if params == nil || len(params.Addresses) == 0 {
		return nil, fmt.Errorf("%w: memcache backend selected but memcache_params are missing", config.ErrInvalidConfig)
	}
	log.Info().Strs("addresses", params.Addresses).Msg("API: Initializing Memcache client")
	client := memcache.New(params.Addresses...)
	client.Timeout = pingTimeout
	if err := client.Ping(); err != nil {
		log.Error().Err(err).Strs("addresses", params.Addresses).Msg("API: Memcache ping failed")
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Memcache at %v: %w", params.Addresses, err)
	}
	log.Info().Strs("addresses", params.Addresses).Msg("API: Connected to Memcache")
	return client, nil
}
