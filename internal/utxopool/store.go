package utxopool

import (
	"context"
	"time"
)

// Store is the pool's persistence boundary. Reserve is the only method
// that needs transactional sweep-then-select-then-lock semantics; every
// other mutation is a single conditional update.
type Store interface {
	// Reserve sweeps expired leases back to available, then selects and
	// locks the smallest-then-oldest available, non-dirty publish UTXO,
	// returning nil if the pool is empty.
	Reserve(ctx context.Context, leaseDuration time.Duration) (*Reservation, error)

	// MarkSpent is irreversible.
	MarkSpent(ctx context.Context, utxoID int64, ledgerTxID string) error

	// Release returns a reserved UTXO to available, clearing reservation
	// fields. Used on transient broadcast failure.
	Release(ctx context.Context, utxoID int64) error

	// MarkDirty returns a reserved UTXO to available but flags it dirty,
	// so it is no longer selectable until reconciled.
	MarkDirty(ctx context.Context, utxoID int64) error

	// Insert adds a new pool input, used by bootstrap and the replenisher.
	Insert(ctx context.Context, u UTXO) (int64, error)

	// CountAvailable reports the count of available, non-dirty UTXOs of the
	// given purpose and their total value; the replenisher's depth check
	// calls it with PurposePublish.
	CountAvailable(ctx context.Context, purpose Purpose) (count int, totalSatoshis int64, err error)

	// ListFunding returns available funding or change UTXOs ordered
	// largest-first, used by the replenisher to pick a split source. Change
	// outputs from prior splits are eligible so recycled capital doesn't
	// get stranded.
	ListFunding(ctx context.Context, minSatoshis int64, limit int) ([]UTXO, error)

	Get(ctx context.Context, utxoID int64) (UTXO, error)
}
