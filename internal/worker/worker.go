// Package worker is the single-job path that claims one queued job at a
// time, suitable for low-volume deployments.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
	"github.com/codenlighten/sldrm-anchor/internal/txbuilder"
	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

var ErrInvalidConfig = errors.New("worker: invalid config")

// Config carries the worker's tunable knobs.
type Config struct {
	LeaseDuration time.Duration // default 5m
	ChangeAddress string
	FeeRateSatKB  int64
	ChainParams   *chaincfg.Params
	PollInterval  time.Duration // sleep between empty ClaimQueued polls
}

// Worker runs the queued → processing → (sent | failed) path.
type Worker struct {
	jobs      jobstore.Store
	pool      utxopool.Store
	broadcast *broadcast.Client
	signingKey *btcec.PrivateKey

	cfg Config
	log *slog.Logger
	now func() time.Time
}

type Option func(*Worker) error

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) error {
		if l != nil {
			w.log = l
		}
		return nil
	}
}

func WithNow(fn func() time.Time) Option {
	return func(w *Worker) error {
		if fn != nil {
			w.now = fn
		}
		return nil
	}
}

func New(jobs jobstore.Store, pool utxopool.Store, bc *broadcast.Client, signingKey *btcec.PrivateKey, cfg Config, opts ...Option) (*Worker, error) {
	if jobs == nil || pool == nil || bc == nil || signingKey == nil {
		return nil, fmt.Errorf("%w: jobs, pool, broadcast client, and signing key are required", ErrInvalidConfig)
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.FeeRateSatKB <= 0 {
		return nil, fmt.Errorf("%w: fee rate must be > 0", ErrInvalidConfig)
	}
	if cfg.ChangeAddress == "" {
		return nil, fmt.Errorf("%w: change address is required", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	w := &Worker{
		jobs:       jobs,
		pool:       pool,
		broadcast:  bc,
		signingKey: signingKey,
		cfg:        cfg,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Run loops forever, claiming and processing one job at a time, until ctx
// is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := w.jobs.ClaimQueued(ctx, 1)
		if err != nil {
			w.log.Error("claim queued failed", "error", err)
			sleepOrDone(ctx, w.cfg.PollInterval)
			continue
		}
		if len(claimed) == 0 {
			sleepOrDone(ctx, w.cfg.PollInterval)
			continue
		}

		w.processOne(ctx, claimed[0])
	}
}

// processOne claims, builds, broadcasts, and settles a single job.
func (w *Worker) processOne(ctx context.Context, job jobstore.Job) {
	// The from-state is the status ClaimQueued returned the job in (the
	// Postgres store claims into processing_batch).
	applied, err := w.jobs.Transition(ctx, job.JobID, job.Status, jobstore.StatusProcessing, jobstore.TransitionFields{})
	if err != nil {
		w.log.Error("transition to processing failed", "job_id", job.JobID, "error", err)
		return
	}
	if !applied {
		// Another process moved the row first, e.g. a broadcaster
		// draining the batch ClaimQueued assigned it to.
		return
	}

	reservation, err := w.pool.Reserve(ctx, w.cfg.LeaseDuration)
	if err != nil {
		w.log.Error("reserve utxo failed", "job_id", job.JobID, "error", err)
		w.failJob(ctx, job.JobID, jobstore.StatusProcessing, jobstore.ErrorNoCapacity, err.Error())
		return
	}
	if reservation == nil {
		w.failJob(ctx, job.JobID, jobstore.StatusProcessing, jobstore.ErrorNoCapacity, "pool exhausted")
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
		ChangeAddress: w.cfg.ChangeAddress,
		SigningKey:    w.signingKey,
		FeeRateSatKB:  w.cfg.FeeRateSatKB,
		ChainParams:   w.cfg.ChainParams,
	})
	if err != nil {
		if rerr := w.pool.Release(ctx, reservation.ID); rerr != nil {
			w.log.Error("release utxo after build failure failed", "job_id", job.JobID, "error", rerr)
		}
		w.failJob(ctx, job.JobID, jobstore.StatusProcessing, jobstore.ErrorBuildError, err.Error())
		return
	}

	outcome := w.broadcast.Broadcast(ctx, built.RawTx)
	w.applyOutcome(ctx, job.JobID, jobstore.StatusProcessing, reservation.ID, outcome)
}

// applyOutcome implements the outcome branches shared with the batch
// broadcaster, parameterized by the transition's `from` status.
func (w *Worker) applyOutcome(ctx context.Context, jobID string, from jobstore.Status, utxoID int64, outcome broadcast.Outcome) {
	switch outcome.Kind {
	case broadcast.KindSuccess:
		if err := w.pool.MarkSpent(ctx, utxoID, outcome.LedgerTxID); err != nil {
			w.log.Error("mark spent failed", "job_id", jobID, "error", err)
		}
		now := w.now()
		txid := outcome.LedgerTxID
		if ok, err := w.jobs.Transition(ctx, jobID, from, jobstore.StatusSent, jobstore.TransitionFields{
			LedgerTxID: &txid,
			SentAt:     &now,
		}); err != nil || !ok {
			w.log.Error("transition to sent failed", "job_id", jobID, "applied", ok, "error", err)
		}
		w.appendAudit(ctx, jobID, "sent", outcome.LedgerTxID)

	case broadcast.KindMempoolConflict:
		if err := w.pool.MarkDirty(ctx, utxoID); err != nil {
			w.log.Error("mark dirty failed", "job_id", jobID, "error", err)
		}
		w.failJob(ctx, jobID, from, jobstore.ErrorMempoolConflict, outcome.Detail)

	case broadcast.KindTransientNetwork:
		if err := w.pool.Release(ctx, utxoID); err != nil {
			w.log.Error("release utxo failed", "job_id", jobID, "error", err)
		}
		w.failJob(ctx, jobID, from, jobstore.ErrorTransientNet, outcome.Detail)

	default: // PermanentReject
		if err := w.pool.Release(ctx, utxoID); err != nil {
			w.log.Error("release utxo failed", "job_id", jobID, "error", err)
		}
		w.failJob(ctx, jobID, from, jobstore.ErrorPermanentReject, outcome.Detail)
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, from jobstore.Status, code jobstore.ErrorCode, detail string) {
	if ok, err := w.jobs.Transition(ctx, jobID, from, jobstore.StatusFailed, jobstore.TransitionFields{
		ErrorCode:   &code,
		ErrorDetail: &detail,
	}); err != nil || !ok {
		w.log.Error("transition to failed failed", "job_id", jobID, "applied", ok, "error", err)
	}
	w.appendAudit(ctx, jobID, "failed:"+string(code), detail)
}

func (w *Worker) appendAudit(ctx context.Context, jobID, action, detail string) {
	details, err := json.Marshal(map[string]string{"detail": detail})
	if err != nil {
		details = []byte(`{}`)
	}
	if err := w.jobs.AppendAudit(ctx, jobstore.AuditEvent{
		EventType:    "BROADCAST_RESULT",
		ActorPubKey:  "system",
		ResourceType: "job",
		ResourceID:   jobID,
		Action:       action,
		Details:      details,
	}); err != nil {
		w.log.Error("append audit failed", "job_id", jobID, "error", err)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
