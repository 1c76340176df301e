// Package swlmemcache provides a Memcache implementation of the sliding window log.
// Memcache has no scripting, so each decision is a read-modify-write guarded by
// compare-and-swap and retried on conflict.
package swlmemcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog/log"

	"github.com/jayrapson/redi-limit/internal/memcacheiface"
	"github.com/jayrapson/redi-limit/internal/slidingwindowlog"
	"github.com/jayrapson/redi-limit/types"
)

// ErrContention is returned when every compare-and-swap attempt lost a race.
var ErrContention = errors.New("memcache: too many concurrent updates")

const defaultMaxAttempts = 8

// maxRelativeExpiration is the largest TTL memcached reads as relative seconds;
// anything larger is taken as an absolute unix time.
const maxRelativeExpiration = 30 * 24 * 60 * 60

// itemExpiration converts a TTL in seconds into memcached's expiration field.
func itemExpiration(now, ttl int64) int32 {
	if ttl > maxRelativeExpiration {
		return int32(now + ttl)
	}
	return int32(ttl)
}

type limiter struct {
	key         string
	client      memcacheiface.Client
	maxAttempts int
}

// NewLimiterOption is a function type for setting options on the backend.
type NewLimiterOption func(*limiter)

// WithMaxAttempts bounds the compare-and-swap retries per decision.
func WithMaxAttempts(n int) NewLimiterOption {
	return func(l *limiter) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// NewBackend creates a Memcache sliding window log backend.
func NewBackend(key string, client memcacheiface.Client, opts ...NewLimiterOption) *limiter {
	l := &limiter{
		key:         key,
		client:      client,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	log.Info().Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", key).Int("max_attempts", l.maxAttempts).Msg("Limiter: Initialized")
	return l
}

// ItemKey returns the Memcache key holding identifier's state.
func (l *limiter) ItemKey(identifier string) string {
	return fmt.Sprintf("sliding_window_log:%s:%s", l.key, identifier)
}

// Admit loads identifier's state, applies the admission algorithm and writes it
// back only if nobody else changed it in between.
func (l *limiter) Admit(ctx context.Context, identifier string, window, rate, now int64) (types.Verdict, error) {
	itemKey := l.ItemKey(identifier)

	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.Allowed, err
		}

		item, err := l.client.Get(itemKey)
		if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", l.key).Str("identifier", identifier).Msg("Limiter: Failed to get state from Memcache")
			return types.Allowed, fmt.Errorf("get state from memcache: %w", err)
		}

		var state slidingwindowlog.State
		if item != nil {
			if err := json.Unmarshal(item.Value, &state); err != nil {
				log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", l.key).Str("identifier", identifier).Msg("Limiter: Failed to unmarshal state from Memcache")
				return types.Allowed, fmt.Errorf("unmarshal state: %w", err)
			}
		}

		next, verdict := slidingwindowlog.Admit(state, now, window, rate)
		if item != nil && state.BlockedUntil > now {
			// Blocked: nothing changes, no write needed.
			return verdict, nil
		}

		value, err := json.Marshal(next)
		if err != nil {
			return types.Allowed, fmt.Errorf("marshal state: %w", err)
		}
		ttl := window
		if next.BlockedUntil-now > ttl {
			ttl = next.BlockedUntil - now
		}
		expiration := itemExpiration(now, ttl)

		if item == nil {
			err = l.client.Add(&memcache.Item{Key: itemKey, Value: value, Expiration: expiration})
		} else {
			item.Value = value
			item.Expiration = expiration
			err = l.client.CompareAndSwap(item)
		}

		switch {
		case err == nil:
			log.Debug().Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", l.key).Str("identifier", identifier).Int64("revoke_in", int64(verdict)).Msg("Limiter: Decision stored")
			return verdict, nil
		case errors.Is(err, memcache.ErrNotStored), errors.Is(err, memcache.ErrCASConflict), errors.Is(err, memcache.ErrCacheMiss):
			continue
		default:
			log.Error().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", l.key).Str("identifier", identifier).Msg("Limiter: Failed to store state in Memcache")
			return types.Allowed, fmt.Errorf("store state in memcache: %w", err)
		}
	}

	log.Warn().Str("limiter_type", "SlidingWindowLog").Str("backend", "Memcache").Str("limiter_key", l.key).Str("identifier", identifier).Int("attempts", l.maxAttempts).Msg("Limiter: Gave up after CAS conflicts")
	return types.Allowed, fmt.Errorf("identifier '%s': %w", identifier, ErrContention)
}
