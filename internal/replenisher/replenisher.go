// Package replenisher is the slow-cadence monitor that keeps the publish
// pool's single-use inputs topped up by splitting a large funding or
// change UTXO into many unit-value outputs.
package replenisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	"github.com/codenlighten/sldrm-anchor/internal/txbuilder"
	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

var ErrInvalidConfig = errors.New("replenisher: invalid config")

// Config carries the monitor's tunable knobs.
type Config struct {
	Interval       time.Duration // default 30s
	MinPoolSize    int           // default 50000
	Cooldown       time.Duration // default 10m
	UnitValue      int64         // satoshis per split output
	TargetSplit    int           // K, default 100000
	OutputAddress  string        // where the K unit outputs and change land
	FeeRateSatKB   int64
	ChainParams    *chaincfg.Params
}

// Replenisher runs the depth-check-then-split loop. When an elector is
// configured, only the instance currently holding leadership performs
// splits; others keep ticking so they can take over if the leader drops.
type Replenisher struct {
	pool       utxopool.Store
	broadcast  *broadcast.Client
	signingKey *btcec.PrivateKey
	elector    *LeaderElector

	cfg Config
	log *slog.Logger
	now func() time.Time

	lastSplitAt time.Time
}

type Option func(*Replenisher) error

func WithLogger(l *slog.Logger) Option {
	return func(r *Replenisher) error {
		if l != nil {
			r.log = l
		}
		return nil
	}
}

func WithNow(fn func() time.Time) Option {
	return func(r *Replenisher) error {
		if fn != nil {
			r.now = fn
		}
		return nil
	}
}

// WithLeaderElector restricts splitting to whichever instance currently
// holds the lease. Without this option every instance splits on its own
// schedule, which is only safe when exactly one instance runs.
func WithLeaderElector(e *LeaderElector) Option {
	return func(r *Replenisher) error {
		r.elector = e
		return nil
	}
}

func New(pool utxopool.Store, bc *broadcast.Client, signingKey *btcec.PrivateKey, cfg Config, opts ...Option) (*Replenisher, error) {
	if pool == nil || bc == nil || signingKey == nil {
		return nil, fmt.Errorf("%w: pool, broadcast client, and signing key are required", ErrInvalidConfig)
	}
	if cfg.OutputAddress == "" {
		return nil, fmt.Errorf("%w: output address is required", ErrInvalidConfig)
	}
	if cfg.UnitValue <= 0 {
		return nil, fmt.Errorf("%w: unit value must be > 0", ErrInvalidConfig)
	}
	if cfg.FeeRateSatKB <= 0 {
		return nil, fmt.Errorf("%w: fee rate must be > 0", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = 50000
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.TargetSplit <= 0 {
		cfg.TargetSplit = 100000
	}
	r := &Replenisher{
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
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run ticks every Interval until ctx is canceled, attempting a split each
// time the pool is shallow and the cooldown has elapsed.
func (r *Replenisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick implements one depth-check-and-maybe-split pass. It never returns
// an error; failures are logged so the loop keeps running.
func (r *Replenisher) tick(ctx context.Context) {
	if r.elector != nil {
		leader, err := r.elector.Tick(ctx)
		if err != nil {
			r.log.Error("leader election tick failed", "error", err)
			return
		}
		if !leader {
			return
		}
	}

	count, _, err := r.pool.CountAvailable(ctx, utxopool.PurposePublish)
	if err != nil {
		r.log.Error("count available publish utxos failed", "error", err)
		return
	}
	if count >= r.cfg.MinPoolSize {
		return
	}
	if !r.lastSplitAt.IsZero() && r.now().Sub(r.lastSplitAt) < r.cfg.Cooldown {
		r.log.Info("pool shallow but cooldown active", "count", count, "min_pool_size", r.cfg.MinPoolSize)
		return
	}

	needed := r.cfg.UnitValue*int64(r.cfg.TargetSplit) + 1
	sources, err := r.pool.ListFunding(ctx, needed, 1)
	if err != nil {
		r.log.Error("list funding utxos failed", "error", err)
		return
	}
	if len(sources) == 0 {
		r.log.Warn("capacity alarm: no sufficiently large funding input", "count", count, "needed_satoshis", needed)
		return
	}
	source := sources[0]

	built, err := txbuilder.BuildSplit(txbuilder.SplitParams{
		Input: txbuilder.Input{
			TxID:          source.TxID,
			Vout:          source.Vout,
			Satoshis:      source.Satoshis,
			LockingScript: source.LockingScript,
		},
		UnitValue:     r.cfg.UnitValue,
		OutputCount:   r.cfg.TargetSplit,
		ChangeAddress: r.cfg.OutputAddress,
		OutputAddress: r.cfg.OutputAddress,
		SigningKey:    r.signingKey,
		FeeRateSatKB:  r.cfg.FeeRateSatKB,
		ChainParams:   r.cfg.ChainParams,
	})
	if err != nil {
		r.log.Error("build split transaction failed", "source_utxo_id", source.ID, "error", err)
		return
	}

	outcome := r.broadcast.Broadcast(ctx, built.RawTx)
	if outcome.Kind != broadcast.KindSuccess {
		r.log.Error("split broadcast failed", "source_utxo_id", source.ID, "kind", outcome.Kind, "detail", outcome.Detail)
		return
	}

	if err := r.pool.MarkSpent(ctx, source.ID, outcome.LedgerTxID); err != nil {
		r.log.Error("mark split source spent failed", "source_utxo_id", source.ID, "error", err)
	}

	outputScript, err := witnessPubKeyHashScript(r.signingKey)
	if err != nil {
		r.log.Error("build output locking script failed", "error", err)
		return
	}

	for i := 0; i < r.cfg.TargetSplit; i++ {
		_, err := r.pool.Insert(ctx, utxopool.UTXO{
			TxID:          outcome.LedgerTxID,
			Vout:          uint32(i),
			Satoshis:      r.cfg.UnitValue,
			LockingScript: outputScript,
			Address:       r.cfg.OutputAddress,
			Purpose:       utxopool.PurposePublish,
			Status:        utxopool.StatusAvailable,
		})
		if err != nil {
			r.log.Error("insert split publish output failed", "index", i, "error", err)
		}
	}
	if built.ChangeOut > 0 {
		_, err := r.pool.Insert(ctx, utxopool.UTXO{
			TxID:          outcome.LedgerTxID,
			Vout:          uint32(r.cfg.TargetSplit),
			Satoshis:      built.ChangeOut,
			LockingScript: outputScript,
			Address:       r.cfg.OutputAddress,
			Purpose:       utxopool.PurposeChange,
			Status:        utxopool.StatusAvailable,
		})
		if err != nil {
			r.log.Error("insert split change output failed", "error", err)
		}
	}

	r.lastSplitAt = r.now()
	r.log.Info("pool replenished", "source_utxo_id", source.ID, "ledger_txid", outcome.LedgerTxID, "outputs", r.cfg.TargetSplit)
}

// witnessPubKeyHashScript builds the P2WPKH locking script for key's
// compressed public key, matching the script the split outputs pay into.
func witnessPubKeyHashScript(key *btcec.PrivateKey) ([]byte, error) {
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pubKeyHash).Script()
}
