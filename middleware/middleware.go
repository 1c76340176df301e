package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jayrapson/redi-limit/metrics"
	"github.com/jayrapson/redi-limit/types"
)

// LimitHTTPCode is the status returned to restricted requests.
const LimitHTTPCode = http.StatusTooManyRequests

// Decision is the per-request result of the middleware, independent of how the
// response is written.
type Decision struct {
	Skipped    bool
	Identifier string
	RevokeIn   types.Verdict
}

// Restricted reports whether the request must be short-circuited.
func (d Decision) Restricted() bool {
	return !d.Skipped && d.RevokeIn.Restricted()
}

// Message is the body sent with a restricted response.
func (d Decision) Message() string {
	return fmt.Sprintf("Rate limit exceeded, try again in %d seconds", d.RevokeIn.Seconds())
}

// ErrorHandler decides what happens to a request whose check failed. It
// receives the error unchanged.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// RateLimitMiddleware provides rate limiting functionality.
type RateLimitMiddleware struct {
	limiter    types.Limiter
	metrics    *metrics.RateLimitMetrics
	limiterKey string
	headers    http.Header
	onError    ErrorHandler
}

// Option configures a RateLimitMiddleware.
type Option func(*RateLimitMiddleware)

// WithHeaders sets extra headers written on restricted responses.
func WithHeaders(h http.Header) Option {
	return func(m *RateLimitMiddleware) {
		m.headers = h.Clone()
	}
}

// WithErrorHandler replaces the default handling of check failures, which
// answers 500. Install one that calls the next handler to fail open.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(m *RateLimitMiddleware) {
		if fn != nil {
			m.onError = fn
		}
	}
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware.
func NewRateLimitMiddleware(limiter types.Limiter, metrics *metrics.RateLimitMetrics, limiterKey string, opts ...Option) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		limiter:    limiter,
		metrics:    metrics,
		limiterKey: limiterKey,
		onError:    internalError,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func internalError(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// Evaluate decides whether r is skipped, allowed or restricted. Errors from the
// limiter are logged and returned as is.
func (m *RateLimitMiddleware) Evaluate(r *http.Request) (Decision, error) {
	if m.limiter.ShouldSkip(r) {
		m.metrics.RecordRequest(m.limiterKey, metrics.OutcomeSkipped)
		return Decision{Skipped: true}, nil
	}

	identifier := m.limiter.Identify(r)
	start := time.Now()
	verdict, err := m.limiter.Check(r.Context(), identifier, m.limiter.Now())
	m.metrics.ObserveCheck(m.limiterKey, time.Since(start))
	if err != nil {
		log.Error().Err(err).Str("limiter_key", m.limiterKey).Str("identifier", identifier).Msg("Middleware: Rate limit check failed")
		m.metrics.RecordRequest(m.limiterKey, metrics.OutcomeError)
		return Decision{Identifier: identifier}, err
	}

	d := Decision{Identifier: identifier, RevokeIn: verdict}
	if d.Restricted() {
		m.metrics.RecordRequest(m.limiterKey, metrics.OutcomeRestricted)
	} else {
		m.metrics.RecordRequest(m.limiterKey, metrics.OutcomeAllowed)
	}
	return d, nil
}

// Restrict writes the rate limited response for d.
func (m *RateLimitMiddleware) Restrict(w http.ResponseWriter, d Decision) {
	message := d.Message()
	log.Warn().Str("limiter_key", m.limiterKey).Str("identifier", d.Identifier).Dur("retry_after", d.RevokeIn.Duration()).Msgf("Middleware: limited %s with '%s'", d.Identifier, message)

	for k, vs := range m.headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Retry-After", strconv.FormatInt(d.RevokeIn.Seconds(), 10))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(LimitHTTPCode)
	fmt.Fprintln(w, message)
}

// Handle wraps an http.HandlerFunc with rate limiting logic.
func (m *RateLimitMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := m.Evaluate(r)
		if err != nil {
			m.onError(w, r, err)
			return
		}
		if d.Restricted() {
			m.Restrict(w, d)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// Wrap is Handle for http.Handler chains.
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return m.Handle(next.ServeHTTP)
}
