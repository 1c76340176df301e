// Package types defines common types and interfaces used throughout the rate limiter.
package types

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jayrapson/redi-limit/internal/memcacheiface"
)

// Verdict is the outcome of an admission check: the number of seconds until the
// identifier may be allowed again. Zero or negative means not restricted.
type Verdict int64

// Allowed is the verdict returned when no restriction applies.
const Allowed Verdict = 0

// Restricted reports whether the verdict blocks the request.
func (v Verdict) Restricted() bool {
	return v > 0
}

// Seconds returns the retry delay in whole seconds.
func (v Verdict) Seconds() int64 {
	if v < 0 {
		return 0
	}
	return int64(v)
}

// Duration returns the retry delay as a time.Duration.
func (v Verdict) Duration() time.Duration {
	return time.Duration(v.Seconds()) * time.Second
}

// Limiter is the interface every rate limiting policy implements.
type Limiter interface {
	// ShouldSkip reports whether the request is exempt from limiting. It is
	// evaluated on every request and must not have side effects.
	ShouldSkip(r *http.Request) bool
	// Identify derives the rate-limited subject from the request.
	Identify(r *http.Request) string
	// Check runs the admission algorithm for identifier at the given time.
	Check(ctx context.Context, identifier string, now time.Time) (Verdict, error)
	// Now returns the limiter's clock reading.
	Now() time.Time
}

// BackendClients holds initialized backend client instances.
type BackendClients struct {
	// RedisClient is the Redis client instance.
	RedisClient *redis.Client
	// MemcacheClient is the Memcache client instance.
	MemcacheClient memcacheiface.Client
}
