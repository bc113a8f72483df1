package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
	"github.com/codenlighten/sldrm-anchor/internal/ratelimit"
	"github.com/codenlighten/sldrm-anchor/internal/txbuilder"
	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

// BroadcasterConfig carries the broadcaster loop's knobs.
type BroadcasterConfig struct {
	ChangeAddress string
	FeeRateSatKB  int64
	ChainParams   *chaincfg.Params

	// LeaseDuration is how long a reserved UTXO stays held against this
	// job. Must be >= SendingTTL so a stuck `sending` job gets reverted by
	// Unstick while its UTXO is still under lease, not after the lease
	// has already expired out from under it.
	LeaseDuration time.Duration

	// SendingTTL bounds how long a job may sit in `sending` before Unstick
	// reverts it back to processing_batch for a future drain pass. Must be
	// <= LeaseDuration.
	SendingTTL time.Duration

	// IdleSleep is how long Run waits between OldestActiveBatchID polls
	// when no batch is active.
	IdleSleep time.Duration
}

// Broadcaster drains the oldest active batch job-by-job under a token
// bucket, reusing the outcome branches of the single-job path but
// transitioning out of `sending` instead of `processing`.
type Broadcaster struct {
	jobs      jobstore.Store
	pool      utxopool.Store
	broadcast *broadcast.Client
	limiter   *ratelimit.Bucket
	signingKey *btcec.PrivateKey

	cfg BroadcasterConfig
	log *slog.Logger
	now func() time.Time
}

type BroadcasterOption func(*Broadcaster) error

func WithLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) error {
		if l != nil {
			b.log = l
		}
		return nil
	}
}

func WithNow(fn func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) error {
		if fn != nil {
			b.now = fn
		}
		return nil
	}
}

func NewBroadcaster(jobs jobstore.Store, pool utxopool.Store, bc *broadcast.Client, limiter *ratelimit.Bucket, signingKey *btcec.PrivateKey, cfg BroadcasterConfig, opts ...BroadcasterOption) (*Broadcaster, error) {
	if jobs == nil || pool == nil || bc == nil || limiter == nil || signingKey == nil {
		return nil, fmt.Errorf("%w: jobs, pool, broadcast client, rate limiter, and signing key are required", ErrInvalidConfig)
	}
	if cfg.FeeRateSatKB <= 0 {
		return nil, fmt.Errorf("%w: fee rate must be > 0", ErrInvalidConfig)
	}
	if cfg.ChangeAddress == "" {
		return nil, fmt.Errorf("%w: change address is required", ErrInvalidConfig)
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.SendingTTL <= 0 {
		cfg.SendingTTL = 2 * time.Minute
	}
	if cfg.SendingTTL > cfg.LeaseDuration {
		return nil, fmt.Errorf("%w: sending ttl must be <= lease duration", ErrInvalidConfig)
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	b := &Broadcaster{
		jobs:       jobs,
		pool:       pool,
		broadcast:  bc,
		limiter:    limiter,
		signingKey: signingKey,
		cfg:        cfg,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Run loops until ctx is canceled. Each pass first reverts jobs stranded in
// `sending` past SendingTTL (so recovery runs at startup and periodically),
// then selects the oldest active batch and drains it job-by-job.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if n, err := b.jobs.Unstick(ctx, b.cfg.SendingTTL); err != nil {
			b.log.Error("unstick failed", "error", err)
		} else if n > 0 {
			b.log.Info("reverted stranded sending jobs", "count", n)
		}

		batchID, err := b.jobs.OldestActiveBatchID(ctx)
		if err != nil {
			b.log.Error("oldest active batch lookup failed", "error", err)
			sleepOrDone(ctx, b.cfg.IdleSleep)
			continue
		}
		if batchID == "" {
			sleepOrDone(ctx, b.cfg.IdleSleep)
			continue
		}

		b.drainBatch(ctx, batchID)
	}
}

// drainBatch claims and processes jobs in batchID, in ascending batch_seq
// order, until none remain.
func (b *Broadcaster) drainBatch(ctx context.Context, batchID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := b.jobs.ClaimNextInBatch(ctx, batchID)
		if err != nil {
			b.log.Error("claim next in batch failed", "batch_id", batchID, "error", err)
			return
		}
		if job == nil {
			return
		}

		b.processOne(ctx, *job)
	}
}

// processOne implements the per-job sequence: reserve, build, acquire a
// rate limiter token, broadcast, then apply the shared outcome branches
// transitioning from `sending`.
func (b *Broadcaster) processOne(ctx context.Context, job jobstore.Job) {
	reservation, err := b.pool.Reserve(ctx, b.cfg.LeaseDuration)
	if err != nil {
		b.log.Error("reserve utxo failed", "job_id", job.JobID, "error", err)
		failJob(ctx, b.log, b.jobs, job.JobID, jobstore.StatusSending, jobstore.ErrorNoCapacity, err.Error())
		return
	}
	if reservation == nil {
		failJob(ctx, b.log, b.jobs, job.JobID, jobstore.StatusSending, jobstore.ErrorNoCapacity, "pool exhausted")
		return
	}

	built, err := txbuilder.Build(txbuilder.Params{
		Input: txbuilder.Input{
			TxID:          reservation.TxID,
			Vout:          reservation.Vout,
			Satoshis:      reservation.Satoshis,
			LockingScript: reservation.LockingScript,
		},
		RecordHash:    job.RecordHash,
		ChangeAddress: b.cfg.ChangeAddress,
		SigningKey:    b.signingKey,
		FeeRateSatKB:  b.cfg.FeeRateSatKB,
		ChainParams:   b.cfg.ChainParams,
	})
	if err != nil {
		if rerr := b.pool.Release(ctx, reservation.ID); rerr != nil {
			b.log.Error("release utxo after build failure failed", "job_id", job.JobID, "error", rerr)
		}
		failJob(ctx, b.log, b.jobs, job.JobID, jobstore.StatusSending, jobstore.ErrorBuildError, err.Error())
		return
	}

	if err := b.limiter.Take(ctx, 1); err != nil {
		if rerr := b.pool.Release(ctx, reservation.ID); rerr != nil {
			b.log.Error("release utxo after rate limiter failure failed", "job_id", job.JobID, "error", rerr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		failJob(ctx, b.log, b.jobs, job.JobID, jobstore.StatusSending, jobstore.ErrorTransientNet, err.Error())
		return
	}

	outcome := b.broadcast.Broadcast(ctx, built.RawTx)
	applyOutcome(ctx, b.log, b.jobs, b.pool, b.now, job.JobID, jobstore.StatusSending, reservation.ID, outcome)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
