// Package slidingwindowlog implements a sliding window log: each identifier may
// make at most rate requests in any trailing window of seconds. Once the window
// is saturated the identifier is blocked for a full window.
package slidingwindowlog

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/textproto"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jayrapson/redi-limit/config"
	"github.com/jayrapson/redi-limit/types"
)

// State is a snapshot of one identifier's window and block records.
type State struct {
	// Entries holds request timestamps, oldest first.
	Entries []int64 `json:"entries"`
	// BlockedUntil is the unix time at which the block expires, zero when not blocked.
	BlockedUntil int64 `json:"blocked_until,omitempty"`
}

// Admit applies one admission decision to s at time now. It never mutates s.
// Backends without server-side scripting call it inside their own critical section.
func Admit(s State, now, window, rate int64) (State, types.Verdict) {
	if s.BlockedUntil > now {
		return s, types.Verdict(s.BlockedUntil - now)
	}

	cutoff := now - window
	kept := make([]int64, 0, len(s.Entries)+1)
	for _, ts := range s.Entries {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if int64(len(kept)) > rate {
		kept = kept[int64(len(kept))-rate:]
	}

	if int64(len(kept)) < rate {
		return State{Entries: append(kept, now)}, types.Allowed
	}
	return State{Entries: kept, BlockedUntil: now + window}, types.Verdict(window)
}

// Backend runs the admission algorithm atomically for one identifier.
type Backend interface {
	Admit(ctx context.Context, identifier string, window, rate, now int64) (types.Verdict, error)
}

// Limiter is the sliding window log policy. Requests without the identifying
// header are skipped; the rest are keyed by a hash of the header value.
type Limiter struct {
	backend Backend
	rate    int64
	window  int64
	header  string
	nowFunc func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithHeader sets the request header that identifies the subject.
func WithHeader(name string) Option {
	return func(l *Limiter) {
		l.header = textproto.CanonicalMIMEHeaderKey(name)
	}
}

// WithClock sets a custom clock, mainly for tests.
func WithClock(nowFunc func() time.Time) Option {
	return func(l *Limiter) {
		l.nowFunc = nowFunc
	}
}

// New validates its arguments and returns a limiter admitting rate requests
// per window seconds through backend.
func New(backend Backend, rate, window int64, opts ...Option) (*Limiter, error) {
	if err := config.ValidateWindow(rate, window); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", config.ErrInvalidConfig)
	}

	l := &Limiter{
		backend: backend,
		rate:    rate,
		window:  window,
		header:  config.DefaultHeader,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.header == "" {
		return nil, fmt.Errorf("%w: header name must not be empty", config.ErrInvalidConfig)
	}
	if l.nowFunc == nil {
		l.nowFunc = time.Now
	}

	log.Info().Str("limiter_type", "SlidingWindowLog").Str("header", l.header).Int64("window", window).Int64("rate", rate).Msg("Limiter: Initialized")
	return l, nil
}

// Rate returns the maximum number of requests per window.
func (l *Limiter) Rate() int64 { return l.rate }

// Window returns the window length in seconds.
func (l *Limiter) Window() int64 { return l.window }

// Header returns the canonical name of the identifying header.
func (l *Limiter) Header() string { return l.header }

// Backend returns the store the limiter admits through.
func (l *Limiter) Backend() Backend { return l.backend }

// Now returns the limiter clock reading.
func (l *Limiter) Now() time.Time { return l.nowFunc() }

// ShouldSkip reports whether the identifying header is absent.
func (l *Limiter) ShouldSkip(r *http.Request) bool {
	_, ok := r.Header[l.header]
	return !ok
}

// Identify hashes the header value so the raw credential never reaches the store.
func (l *Limiter) Identify(r *http.Request) string {
	return Hash(r.Header.Get(l.header))
}

// Check runs one admission decision for identifier at now.
func (l *Limiter) Check(ctx context.Context, identifier string, now time.Time) (types.Verdict, error) {
	verdict, err := l.backend.Admit(ctx, identifier, l.window, l.rate, now.Unix())
	if err != nil {
		return types.Allowed, fmt.Errorf("sliding window check for identifier '%s': %w", identifier, err)
	}
	return verdict, nil
}

// Hash returns the hex SHA-1 digest of v.
func Hash(v string) string {
	sum := sha1.Sum([]byte(v))
	return hex.EncodeToString(sum[:])
}

var _ types.Limiter = (*Limiter)(nil)
