package redistest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// GetRedisAddress returns the Redis address, defaulting to "localhost:6379".
// If REDIS_ADDR environment variable is set, it's used.
// If CI environment variable is "true", it defaults to "redis:6379".
func GetRedisAddress() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if os.Getenv("CI") == "true" {
		return "redis:6379"
	}
	return "localhost:6379"
}

// NewMiniredis starts an in-process Redis with Lua support and returns it
// together with a client connected to it. Both are closed when the test ends.
func NewMiniredis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// SetupRedisClient initializes and returns a Redis client for integration tests.
// The test is skipped when no Redis server answers at GetRedisAddress.
func SetupRedisClient(t testing.TB) *redis.Client {
	t.Helper()
	redisAddr := GetRedisAddress()
	t.Logf("Connecting to Redis for integration tests at %s", redisAddr)

	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not reachable at %s: %v", redisAddr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// CleanupRedisKeys scans for keys matching "patternPrefix:*" and deletes them.
func CleanupRedisKeys(t testing.TB, client *redis.Client, patternPrefix string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scanPattern := fmt.Sprintf("%s:*", patternPrefix)

	var keys []string
	var cursor uint64
	for i := 0; i < 1000; i++ {
		batch, next, err := client.Scan(ctx, cursor, scanPattern, 50).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			t.Fatalf("Failed to SCAN for keys with pattern '%s': %v", scanPattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(keys) == 0 {
		return
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		t.Errorf("Failed to DEL keys during cleanup (pattern: %s): %v", scanPattern, err)
	}
}
