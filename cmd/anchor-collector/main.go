// Command anchor-collector runs the windowed batch-assembly loop that
// claims queued jobs into batches of at most --max-batch-size jobs for the
// broadcaster to drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/batch"
	jobstorepg "github.com/codenlighten/sldrm-anchor/internal/jobstore/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		window       = flag.Duration("batch-window", 5*time.Second, "interval between batch assembly passes")
		maxBatchSize = flag.Int("max-batch-size", 500, "maximum jobs per assembled batch")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *window <= 0 || *maxBatchSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --batch-window and --max-batch-size must be > 0")
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

	collector, err := batch.NewCollector(jobs, batch.CollectorConfig{
		Window:       *window,
		MaxBatchSize: *maxBatchSize,
	}, log)
	if err != nil {
		log.Error("init collector", "err", err)
		os.Exit(2)
	}

	log.Info("anchor collector started", "window", window.String(), "max_batch_size", *maxBatchSize)

	if err := collector.Run(ctx); err != nil && err != context.Canceled {
		log.Error("collector exited", "err", err)
		os.Exit(1)
	}
}
