// Package swlinmemory provides an in-process sliding window log backend.
// Each identifier has its own lock, so admission is atomic per identifier but
// state is not shared between processes.
package swlinmemory

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/jayrapson/redi-limit/types"
)

type windowLog struct {
	mu           sync.Mutex
	entries      deque.Deque[int64]
	blockedUntil int64
	lastSeen     int64
	removed      bool
}

// Backend keeps one window log per identifier in memory.
type Backend struct {
	key  string
	mu   sync.Mutex
	logs map[string]*windowLog
}

// NewBackend creates an empty in-memory backend.
func NewBackend(key string) *Backend {
	log.Info().Str("limiter_type", "SlidingWindowLog").Str("backend", "InMemory").Str("limiter_key", key).Msg("Limiter: Initialized")
	return &Backend{
		key:  key,
		logs: make(map[string]*windowLog),
	}
}

func (b *Backend) get(identifier string) *windowLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	wl, ok := b.logs[identifier]
	if !ok {
		wl = &windowLog{}
		b.logs[identifier] = wl
	}
	return wl
}

// Admit applies the admission algorithm to identifier's log under its lock.
func (b *Backend) Admit(ctx context.Context, identifier string, window, rate, now int64) (types.Verdict, error) {
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Str("limiter_type", "SlidingWindowLog").Str("backend", "InMemory").Str("limiter_key", b.key).Str("identifier", identifier).Msg("Limiter: Context cancelled during check")
		return types.Allowed, err
	}

	wl := b.get(identifier)
	wl.mu.Lock()
	for wl.removed {
		wl.mu.Unlock()
		wl = b.get(identifier)
		wl.mu.Lock()
	}
	defer wl.mu.Unlock()

	wl.lastSeen = now
	if wl.blockedUntil > now {
		return types.Verdict(wl.blockedUntil - now), nil
	}
	wl.blockedUntil = 0

	// remove logs which are beyond current window
	for wl.entries.Len() > 0 && wl.entries.Front() <= now-window {
		wl.entries.PopFront()
	}
	for int64(wl.entries.Len()) > rate {
		wl.entries.PopFront()
	}

	if int64(wl.entries.Len()) < rate {
		wl.entries.PushBack(now)
		return types.Allowed, nil
	}

	wl.blockedUntil = now + window
	return types.Verdict(window), nil
}

// Len returns the number of timestamps recorded for identifier.
func (b *Backend) Len(identifier string) int {
	b.mu.Lock()
	wl, ok := b.logs[identifier]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.entries.Len()
}

// Size returns the number of identifiers currently tracked.
func (b *Backend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs)
}

// Cleanup drops identifiers that are not blocked and have not been seen for
// longer than idle seconds before now.
func (b *Backend) Cleanup(now, idle int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, wl := range b.logs {
		wl.mu.Lock()
		if wl.blockedUntil <= now && wl.lastSeen <= now-idle {
			wl.removed = true
			delete(b.logs, id)
		}
		wl.mu.Unlock()
	}
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (b *Backend) StartJanitor(ctx context.Context, every time.Duration, idle int64) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				b.Cleanup(now.Unix(), idle)
			}
		}
	}()
}
