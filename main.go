// Package main is the entry point for the rate limiter demo server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	ratelimiter "github.com/jayrapson/redi-limit/api"
	"github.com/jayrapson/redi-limit/metrics"
	"github.com/jayrapson/redi-limit/middleware"
)

const shutdownTimeout = 5 * time.Second

// main parses flags and runs the demo server until SIGINT or SIGTERM.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	port := flag.Int("p", 8080, "Port to run the HTTP server on")
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	logLevelStr := flag.String("log-level", "info", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	janitorEvery := flag.Duration("janitor", time.Minute, "Eviction interval for in-memory limiters, 0 to disable")
	flag.Parse()

	logLevel, err := zerolog.ParseLevel(*logLevelStr)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", *logLevelStr).Msg("Invalid log level provided")
	}
	zerolog.SetGlobalLevel(logLevel)

	if err := run(fmt.Sprintf(":%d", *port), *configPath, *janitorEvery); err != nil {
		log.Error().Err(err).Msg("Application stopped with error")
		os.Exit(1)
	}
}

// run builds the limiters from the configuration file, mounts them on the demo
// routes and serves on addr. Backend clients are closed before it returns.
func run(addr, configPath string, janitorEvery time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config_path", configPath).Msg("Starting application initialization")
	limiters, configs, closer, err := ratelimiter.NewLimitersFromConfigPath(ctx, configPath)
	if err != nil {
		return fmt.Errorf("initialize rate limiters from %s: %w", configPath, err)
	}
	defer closer.Close()

	m := metrics.NewRateLimitMetrics(prometheus.DefaultRegisterer)
	if err := ratelimiter.RegisterScriptReloads(m, limiters); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	ratelimiter.StartJanitors(ctx, limiters, janitorEvery)

	mux := http.NewServeMux()
	mux.HandleFunc("/unlimited", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Unlimited! Let's Go!")
	})

	// Each configured limiter guards /limited/<key>.
	for key, limiter := range limiters {
		cfg := configs[key]
		extra := http.Header{}
		extra.Set("X-RateLimit-Limit", fmt.Sprint(cfg.WindowParams.Rate))
		mw := middleware.NewRateLimitMiddleware(limiter, m, key, middleware.WithHeaders(extra))

		route := "/limited/" + key
		mux.HandleFunc(route, mw.Handle(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "Limited, don't over use me!")
		}))
		log.Info().Str("limiter_key", key).Str("route", route).Str("header", cfg.HeaderName()).Msg("Route registered")
	}

	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server)
}

// serve runs server until it fails or ctx is cancelled, then shuts it down.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Msg("Starting HTTP server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server on %s: %w", server.Addr, err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
