package memcachetest

import (
	"errors"
	"os"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
)

// GetMemcachedAddress returns the Memcached address, defaulting to "localhost:11211".
// MEMCACHED_ADDR overrides it; under CI=true it defaults to "memcached:11211".
func GetMemcachedAddress() string {
	if addr := os.Getenv("MEMCACHED_ADDR"); addr != "" {
		return addr
	}
	if os.Getenv("CI") == "true" {
		return "memcached:11211"
	}
	return "localhost:11211"
}

// SetupMemcachedClient returns a client for a real Memcached, skipping the test
// if none answers.
func SetupMemcachedClient(t *testing.T) *memcache.Client {
	t.Helper()
	addr := GetMemcachedAddress()

	mc := memcache.New(addr)
	if err := mc.Ping(); err != nil {
		t.Skipf("Memcached not available at %s: %v", addr, err)
	}
	t.Logf("Connected to Memcached at %s", addr)
	return mc
}

// CleanupMemcachedKeys deletes keys, logging failures without failing the test.
func CleanupMemcachedKeys(t *testing.T, client *memcache.Client, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if err := client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			t.Logf("Warning: failed to delete Memcached key '%s': %v", key, err)
		}
	}
}
