// Command anchor-admission runs the HTTP surface that accepts signed
// publishing intents and serves job/record status queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/admissionapi"
	"github.com/codenlighten/sldrm-anchor/internal/intent"
	jobstorepg "github.com/codenlighten/sldrm-anchor/internal/jobstore/postgres"
	registrypg "github.com/codenlighten/sldrm-anchor/internal/registry/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		listenAddr  = flag.String("listen-addr", ":8080", "HTTP listen address")

		timestampSkew = flag.Duration("timestamp-skew", 10*time.Minute, "maximum allowed clock skew on record timestamps")

		rateLimitPerSecond  = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP token bucket refill rate")
		rateLimitBurst      = flag.Int("rate-limit-burst", 40, "per-IP token bucket burst size")
		rateLimitMaxTracked = flag.Int("rate-limit-max-tracked-ips", 10_000, "maximum number of IPs tracked by the rate limiter before eviction")

		shutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *timestampSkew <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timestamp-skew must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxTracked <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	jobs, err := jobstorepg.New(pool)
	if err != nil {
		log.Error("init job store", "err", err)
		os.Exit(2)
	}
	if err := jobs.EnsureSchema(ctx); err != nil {
		log.Error("ensure job schema", "err", err)
		os.Exit(2)
	}

	signers, err := registrypg.New(pool)
	if err != nil {
		log.Error("init signer registry", "err", err)
		os.Exit(2)
	}
	if err := signers.EnsureSchema(ctx); err != nil {
		log.Error("ensure registry schema", "err", err)
		os.Exit(2)
	}

	validator, err := intent.New(jobs, signers, intent.WithSkew(*timestampSkew))
	if err != nil {
		log.Error("init intent validator", "err", err)
		os.Exit(2)
	}

	handler, err := admissionapi.NewHandler(admissionapi.Config{
		Validator:               validator,
		Jobs:                    jobs,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxTracked,
	})
	if err != nil {
		log.Error("init admission handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: handler,
	}

	log.Info("admission api started", "listen_addr", *listenAddr, "timestamp_skew", timestampSkew.String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("listen and serve failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "err", err)
			os.Exit(1)
		}
	}
}
