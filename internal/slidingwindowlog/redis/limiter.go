// Package swlredis runs the sliding window log atomically inside Redis as a Lua script.
package swlredis

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/jayrapson/redi-limit/internal/scripts"
	"github.com/jayrapson/redi-limit/types"
)

// ScriptName is the embedded Lua source implementing the admission algorithm.
const ScriptName = "sliding_window.lua"

// BlockSuffix is appended to the window key to form the block key.
const BlockSuffix = "_limit"

//go:embed sliding_window.lua
var scriptFS embed.FS

// Backend admits requests by invoking the sliding window script in Redis.
type Backend struct {
	key      string
	registry *scripts.Registry
}

// NewBackend loads the script into Redis and returns a backend whose keys are
// namespaced by key. Failing to load the script is a startup error.
func NewBackend(ctx context.Context, client scripts.Scripter, key string) (*Backend, error) {
	registry := scripts.NewRegistry(client, scriptFS, ScriptName)
	sha, err := registry.EnsureLoaded(ctx)
	if err != nil {
		log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Redis").Str("limiter_key", key).Msg("Limiter: Failed to load script")
		return nil, fmt.Errorf("limiter '%s': %w", key, err)
	}
	log.Info().Str("limiter_type", "SlidingWindowLog").Str("backend", "Redis").Str("limiter_key", key).Str("sha", sha).Msg("Limiter: Initialized")
	return &Backend{key: key, registry: registry}, nil
}

// Source returns the Lua source of the admission script.
func Source() (string, error) {
	b, err := scriptFS.ReadFile(ScriptName)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WindowKey returns the Redis list holding identifier's request timestamps.
func (b *Backend) WindowKey(identifier string) string {
	if b.key == "" {
		return identifier
	}
	return b.key + ":" + identifier
}

// BlockKey returns the Redis key flagging identifier as restricted.
func (b *Backend) BlockKey(identifier string) string {
	return b.WindowKey(identifier) + BlockSuffix
}

// Registry exposes the script registry, e.g. for reload metrics.
func (b *Backend) Registry() *scripts.Registry {
	return b.registry
}

// Admit runs the admission script for identifier.
func (b *Backend) Admit(ctx context.Context, identifier string, window, rate, now int64) (types.Verdict, error) {
	keys := []string{b.WindowKey(identifier), b.BlockKey(identifier)}

	result, err := b.registry.Invoke(ctx, keys, window, rate, now)
	if errors.Is(err, redis.Nil) {
		return types.Allowed, nil
	}
	if err != nil {
		log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Redis").Str("limiter_key", b.key).Str("identifier", identifier).Msg("Limiter: Failed to run Lua script")
		return types.Allowed, fmt.Errorf("redis script error for limiter '%s', identifier '%s': %w", b.key, identifier, err)
	}

	revokeIn, ok := result.(int64)
	if !ok {
		err := fmt.Errorf("unexpected result type from Redis script for limiter '%s': %T", b.key, result)
		log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Redis").Str("limiter_key", b.key).Str("identifier", identifier).Msg("Limiter: Unexpected script result")
		return types.Allowed, err
	}
	return types.Verdict(revokeIn), nil
}
