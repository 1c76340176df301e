// Package scripts keeps Lua scripts loaded in Redis and invokes them by SHA.
package scripts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoScript marks a store reply saying the script reference is unknown.
	ErrNoScript = errors.New("script not loaded in store")
	// ErrFingerprintMismatch is returned when the store reports a different SHA
	// than the one computed locally for the same source.
	ErrFingerprintMismatch = errors.New("script fingerprint mismatch")
)

// Scripter is the subset of the Redis client the registry needs.
type Scripter interface {
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd
}

// Registry owns one script: its source location, its fingerprint and the
// reference used to invoke it.
type Registry struct {
	client Scripter
	fsys   fs.FS
	name   string

	mu  sync.RWMutex
	sha string

	reloads atomic.Int64
}

// NewRegistry creates a registry for the script stored at name inside fsys.
// Nothing is read or loaded until EnsureLoaded is called.
func NewRegistry(client Scripter, fsys fs.FS, name string) *Registry {
	return &Registry{client: client, fsys: fsys, name: name}
}

// Fingerprint returns the hex SHA-1 of source, the reference Redis uses for it.
func Fingerprint(source string) string {
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// IsNoScript reports whether err is Redis complaining about an unknown script SHA.
func IsNoScript(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoScript) {
		return true
	}
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// EnsureLoaded reads the script source, submits it to the store and returns
// its reference.
func (r *Registry) EnsureLoaded(ctx context.Context) (string, error) {
	source, err := fs.ReadFile(r.fsys, r.name)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", r.name, err)
	}
	sha := Fingerprint(string(source))

	loaded, err := r.client.ScriptLoad(ctx, string(source)).Result()
	if err != nil {
		log.Error().Err(err).Str("script", r.name).Msg("Scripts: Failed to load script")
		return "", fmt.Errorf("load script %s: %w", r.name, err)
	}
	if !strings.EqualFold(loaded, sha) {
		return "", fmt.Errorf("%w: %s computed %s, store returned %s", ErrFingerprintMismatch, r.name, sha, loaded)
	}

	r.mu.Lock()
	r.sha = sha
	r.mu.Unlock()

	log.Debug().Str("script", r.name).Str("sha", sha).Msg("Scripts: Script loaded")
	return sha, nil
}

// Reference returns the current script reference, empty before the first load.
func (r *Registry) Reference() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sha
}

// Reloads returns how many times the script was reloaded after the store lost it.
func (r *Registry) Reloads() int64 {
	return r.reloads.Load()
}

// Invoke runs the script atomically in the store. When the store no longer
// knows the script, the source is loaded again and the call retried once; a
// second failure is returned as is.
func (r *Registry) Invoke(ctx context.Context, keys []string, args ...interface{}) (interface{}, error) {
	sha := r.Reference()
	if sha == "" {
		var err error
		if sha, err = r.EnsureLoaded(ctx); err != nil {
			return nil, err
		}
	}

	result, err := r.client.EvalSha(ctx, sha, keys, args...).Result()
	if !IsNoScript(err) {
		return result, err
	}

	r.reloads.Add(1)
	log.Warn().Str("script", r.name).Str("sha", sha).Msg("Scripts: Script missing from store, reloading")
	if sha, err = r.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	return r.client.EvalSha(ctx, sha, keys, args...).Result()
}
