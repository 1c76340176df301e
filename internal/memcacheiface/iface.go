package memcacheiface

import "github.com/bradfitz/gomemcache/memcache"

// Client defines the interface for Memcache client operations needed by rate limiters.
// This allows for mocking the Memcache client in unit tests.
type Client interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
}

// Ensure the real client satisfies Client.
var _ Client = (*memcache.Client)(nil)
