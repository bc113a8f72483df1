package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

var ErrInvalidConfig = errors.New("utxopool/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("utxopool/postgres: ensure schema: %w", err)
	}
	return nil
}

// Reserve implements the sweep-then-select-then-lock transaction.
func (s *Store) Reserve(ctx context.Context, leaseDuration time.Duration) (*utxopool.Reservation, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("%w: lease duration must be > 0", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("utxopool/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE pool_utxos
		SET status = 'available', reserved_at = NULL, reserved_until = NULL
		WHERE status = 'reserved' AND reserved_until < now()
	`); err != nil {
		return nil, fmt.Errorf("utxopool/postgres: sweep expired leases: %w", err)
	}

	var r utxopool.Reservation
	err = tx.QueryRow(ctx, `
		WITH cte AS (
			SELECT id
			FROM pool_utxos
			WHERE purpose = 'publish' AND status = 'available' AND dirty IS NOT TRUE
			ORDER BY satoshis ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE pool_utxos p
		SET status = 'reserved', reserved_at = now(), reserved_until = now() + $1::bigint * interval '1 millisecond'
		FROM cte
		WHERE p.id = cte.id
		RETURNING p.id, p.txid, p.vout, p.satoshis, p.locking_script
	`, leaseDuration.Milliseconds()).Scan(&r.ID, &r.TxID, &r.Vout, &r.Satoshis, &r.LockingScript)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("utxopool/postgres: commit sweep: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("utxopool/postgres: reserve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("utxopool/postgres: commit reserve: %w", err)
	}
	return &r, nil
}

func (s *Store) MarkSpent(ctx context.Context, utxoID int64, ledgerTxID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_utxos
		SET status = 'spent', spent_at = now(), spent_by_txid = $2
		WHERE id = $1 AND status != 'spent'
	`, utxoID, ledgerTxID)
	if err != nil {
		return fmt.Errorf("utxopool/postgres: mark spent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return utxopool.ErrNotFound
	}
	return nil
}

func (s *Store) Release(ctx context.Context, utxoID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_utxos
		SET status = 'available', reserved_at = NULL, reserved_until = NULL
		WHERE id = $1 AND status = 'reserved'
	`, utxoID)
	if err != nil {
		return fmt.Errorf("utxopool/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return utxopool.ErrNotFound
	}
	return nil
}

func (s *Store) MarkDirty(ctx context.Context, utxoID int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_utxos
		SET status = 'available', dirty = true, reserved_at = NULL, reserved_until = NULL
		WHERE id = $1 AND status = 'reserved'
	`, utxoID)
	if err != nil {
		return fmt.Errorf("utxopool/postgres: mark dirty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return utxopool.ErrNotFound
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, u utxopool.UTXO) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pool_utxos (txid, vout, satoshis, locking_script, address, purpose, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (txid, vout) DO NOTHING
		RETURNING id
	`, u.TxID, u.Vout, u.Satoshis, u.LockingScript, u.Address, string(u.Purpose), string(utxopool.StatusAvailable)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("utxopool/postgres: insert: outpoint already exists")
		}
		return 0, fmt.Errorf("utxopool/postgres: insert: %w", err)
	}
	return id, nil
}

func (s *Store) CountAvailable(ctx context.Context, purpose utxopool.Purpose) (int, int64, error) {
	if s == nil || s.pool == nil {
		return 0, 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var count int
	var total *int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(sum(satoshis), 0)
		FROM pool_utxos
		WHERE purpose = $1 AND status = 'available' AND dirty IS NOT TRUE
	`, string(purpose)).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("utxopool/postgres: count available: %w", err)
	}
	if total == nil {
		return count, 0, nil
	}
	return count, *total, nil
}

func (s *Store) ListFunding(ctx context.Context, minSatoshis int64, limit int) ([]utxopool.UTXO, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, txid, vout, satoshis, locking_script, address, purpose, status, created_at
		FROM pool_utxos
		WHERE purpose IN ('funding', 'change') AND status = 'available' AND satoshis >= $1
		ORDER BY satoshis DESC
		LIMIT $2
	`, minSatoshis, limit)
	if err != nil {
		return nil, fmt.Errorf("utxopool/postgres: list funding: %w", err)
	}
	defer rows.Close()

	var out []utxopool.UTXO
	for rows.Next() {
		var u utxopool.UTXO
		if err := rows.Scan(&u.ID, &u.TxID, &u.Vout, &u.Satoshis, &u.LockingScript, &u.Address, &u.Purpose, &u.Status, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("utxopool/postgres: scan funding row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("utxopool/postgres: funding rows: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, utxoID int64) (utxopool.UTXO, error) {
	if s == nil || s.pool == nil {
		return utxopool.UTXO{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var u utxopool.UTXO
	err := s.pool.QueryRow(ctx, `
		SELECT id, txid, vout, satoshis, locking_script, address, purpose, status,
			COALESCE(reserved_at, to_timestamp(0)), COALESCE(reserved_until, to_timestamp(0)), dirty,
			COALESCE(spent_at, to_timestamp(0)), COALESCE(spent_by_txid, ''), created_at
		FROM pool_utxos WHERE id = $1
	`, utxoID).Scan(
		&u.ID, &u.TxID, &u.Vout, &u.Satoshis, &u.LockingScript, &u.Address, &u.Purpose, &u.Status,
		&u.ReservedAt, &u.ReservedUntil, &u.Dirty,
		&u.SpentAt, &u.SpentByTxID, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return utxopool.UTXO{}, utxopool.ErrNotFound
		}
		return utxopool.UTXO{}, fmt.Errorf("utxopool/postgres: get: %w", err)
	}
	return u, nil
}
