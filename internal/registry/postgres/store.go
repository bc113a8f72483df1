package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/registry"
)

var ErrInvalidConfig = errors.New("registry/postgres: invalid config")

const (
	statusActive  = 1
	statusRevoked = 2
)

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
		return fmt.Errorf("registry/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, pubKeyHex string, policy []byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	norm, err := registry.NormalizePubKeyHex(pubKeyHex)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO registered_signers (pubkey, status, policy, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (pubkey) DO NOTHING
	`, norm, statusActive, policy)
	if err != nil {
		return fmt.Errorf("registry/postgres: insert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, pubKeyHex string) (registry.Signer, error) {
	if s == nil || s.pool == nil {
		return registry.Signer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	norm, err := registry.NormalizePubKeyHex(pubKeyHex)
	if err != nil {
		return registry.Signer{}, err
	}

	var (
		statusCode int
		policy     []byte
	)
	err = s.pool.QueryRow(ctx, `
		SELECT status, policy FROM registered_signers WHERE pubkey = $1
	`, norm).Scan(&statusCode, &policy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Signer{}, registry.ErrNotFound
		}
		return registry.Signer{}, fmt.Errorf("registry/postgres: get: %w", err)
	}

	status := registry.StatusRevoked
	if statusCode == statusActive {
		status = registry.StatusActive
	}
	return registry.Signer{PubKeyHex: norm, Status: status, Policy: policy}, nil
}

func (s *Store) Revoke(ctx context.Context, pubKeyHex string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	norm, err := registry.NormalizePubKeyHex(pubKeyHex)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE registered_signers SET status = $2, updated_at = now() WHERE pubkey = $1
	`, norm, statusRevoked)
	if err != nil {
		return fmt.Errorf("registry/postgres: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}
