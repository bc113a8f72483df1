package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
)

var ErrInvalidConfig = errors.New("jobstore/postgres: invalid config")

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
		return fmt.Errorf("jobstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.pool.Ping(ctx)
}

func (s *Store) Admit(ctx context.Context, recordID string, body []byte, recordHash, signerPubKey, nonce string) (jobstore.Job, bool, error) {
	if s == nil || s.pool == nil {
		return jobstore.Job{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("jobstore/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO nonces (signer_pubkey, nonce) VALUES ($1, $2)
		ON CONFLICT (signer_pubkey, nonce) DO NOTHING
	`, signerPubKey, nonce)
	if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("jobstore/postgres: insert nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.Job{}, false, jobstore.ErrReplayDetected
	}

	jobID := uuid.NewString()
	var job jobstore.Job
	err = tx.QueryRow(ctx, `
		INSERT INTO publish_jobs (job_id, record_id, body, record_hash, signer_pubkey, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (record_hash) DO NOTHING
		RETURNING id, job_id, record_id, body, record_hash, signer_pubkey, status, created_at, updated_at
	`, jobID, recordID, body, recordHash, signerPubKey, string(jobstore.StatusQueued)).Scan(
		&job.ID, &job.JobID, &job.RecordID, &job.Body, &job.RecordHash, &job.SignerPubKey, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		job, err = s.getByRecordHashTx(ctx, tx, recordHash)
		if err != nil {
			return jobstore.Job{}, false, err
		}
	} else if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("jobstore/postgres: insert job: %w", err)
	}

	action := "submit"
	if !created {
		action = "submit_duplicate"
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_pubkey, resource_type, resource_id, action, created_at)
		VALUES ('PUBLISH_INTENT', $1, 'job', $2, $3, now())
	`, signerPubKey, job.JobID, action); err != nil {
		return jobstore.Job{}, false, fmt.Errorf("jobstore/postgres: append audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return jobstore.Job{}, false, fmt.Errorf("jobstore/postgres: commit: %w", err)
	}
	return job, created, nil
}

func (s *Store) getByRecordHashTx(ctx context.Context, tx pgx.Tx, recordHash string) (jobstore.Job, error) {
	var job jobstore.Job
	err := tx.QueryRow(ctx, `
		SELECT id, job_id, record_id, body, record_hash, signer_pubkey, status, created_at, updated_at
		FROM publish_jobs WHERE record_hash = $1
	`, recordHash).Scan(
		&job.ID, &job.JobID, &job.RecordID, &job.Body, &job.RecordHash, &job.SignerPubKey, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Job{}, jobstore.ErrNotFound
		}
		return jobstore.Job{}, fmt.Errorf("jobstore/postgres: get by record hash: %w", err)
	}
	return job, nil
}

func (s *Store) Transition(ctx context.Context, jobID string, from, to jobstore.Status, fields jobstore.TransitionFields) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	sets := []string{"status = $3", "updated_at = now()"}
	args := []any{jobID, string(from), string(to)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if fields.LedgerTxID != nil {
		sets = append(sets, "ledger_txid = "+next(*fields.LedgerTxID))
	}
	if fields.ErrorCode != nil {
		sets = append(sets, "error_code = "+next(string(*fields.ErrorCode)))
	}
	if fields.ErrorDetail != nil {
		sets = append(sets, "error_detail = "+next(*fields.ErrorDetail))
	}
	if fields.SentAt != nil {
		sets = append(sets, "sent_at = "+next(*fields.SentAt))
	}
	if fields.SendingStartedAt != nil {
		sets = append(sets, "sending_started_at = "+next(*fields.SendingStartedAt))
	} else if fields.ClearSendingAt {
		sets = append(sets, "sending_started_at = NULL")
	}

	query := fmt.Sprintf(`UPDATE publish_jobs SET %s WHERE job_id = $1 AND status = $2`, strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("jobstore/postgres: transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimQueued implements the skip-locked collector claim.
func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]jobstore.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidConfig)
	}

	batchID := uuid.NewString()
	rows, err := s.pool.Query(ctx, `
		WITH cte AS (
			SELECT id, created_at
			FROM publish_jobs
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), numbered AS (
			SELECT id, row_number() OVER (ORDER BY created_at ASC, id ASC) AS seq FROM cte
		)
		UPDATE publish_jobs pj
		SET status = $3, batch_id = $4, batch_seq = numbered.seq, updated_at = now()
		FROM numbered
		WHERE pj.id = numbered.id
		RETURNING pj.id, pj.job_id, pj.record_id, pj.body, pj.record_hash, pj.signer_pubkey, pj.status,
			pj.batch_id, pj.batch_seq, pj.created_at, pj.updated_at
	`, string(jobstore.StatusQueued), limit, string(jobstore.StatusProcessingBatch), batchID)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: claim queued: %w", err)
	}
	defer rows.Close()

	var out []jobstore.Job
	for rows.Next() {
		var j jobstore.Job
		if err := rows.Scan(&j.ID, &j.JobID, &j.RecordID, &j.Body, &j.RecordHash, &j.SignerPubKey, &j.Status,
			&j.BatchID, &j.BatchSeq, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("jobstore/postgres: scan claim row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore/postgres: claim rows: %w", err)
	}
	return out, nil
}

// ClaimNextInBatch implements the broadcaster's skip-locked claim.
func (s *Store) ClaimNextInBatch(ctx context.Context, batchID string) (*jobstore.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var j jobstore.Job
	err := s.pool.QueryRow(ctx, `
		WITH cte AS (
			SELECT id
			FROM publish_jobs
			WHERE batch_id = $1 AND status = $2
			ORDER BY batch_seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE publish_jobs pj
		SET status = $3, sending_started_at = now(), updated_at = now()
		FROM cte
		WHERE pj.id = cte.id
		RETURNING pj.id, pj.job_id, pj.record_id, pj.body, pj.record_hash, pj.signer_pubkey, pj.status,
			pj.batch_id, pj.batch_seq, pj.created_at, pj.updated_at, pj.sending_started_at
	`, batchID, string(jobstore.StatusProcessingBatch), string(jobstore.StatusSending)).Scan(
		&j.ID, &j.JobID, &j.RecordID, &j.Body, &j.RecordHash, &j.SignerPubKey, &j.Status,
		&j.BatchID, &j.BatchSeq, &j.CreatedAt, &j.UpdatedAt, &j.SendingStartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore/postgres: claim next in batch: %w", err)
	}
	return &j, nil
}

func (s *Store) OldestActiveBatchID(ctx context.Context) (string, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var batchID *string
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id
		FROM publish_jobs
		WHERE status IN ($1, $2) AND batch_id IS NOT NULL
		GROUP BY batch_id
		ORDER BY MIN(created_at) ASC
		LIMIT 1
	`, string(jobstore.StatusProcessingBatch), string(jobstore.StatusSending)).Scan(&batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("jobstore/postgres: oldest active batch: %w", err)
	}
	if batchID == nil {
		return "", nil
	}
	return *batchID, nil
}

func (s *Store) Unstick(ctx context.Context, ttl time.Duration) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: ttl must be > 0", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET status = $1, sending_started_at = NULL, updated_at = now()
		WHERE status = $2 AND sending_started_at < now() - $3::bigint * interval '1 millisecond'
	`, string(jobstore.StatusProcessingBatch), string(jobstore.StatusSending), ttl.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("jobstore/postgres: unstick: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) NonceExists(ctx context.Context, signerPubKey, nonce string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM nonces WHERE signer_pubkey = $1 AND nonce = $2)
	`, signerPubKey, nonce).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("jobstore/postgres: nonce exists: %w", err)
	}
	return exists, nil
}

func (s *Store) GetByJobID(ctx context.Context, jobID string) (jobstore.Job, error) {
	if s == nil || s.pool == nil {
		return jobstore.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.scanOne(ctx, `
		SELECT id, job_id, record_id, body, record_hash, signer_pubkey, status,
			COALESCE(ledger_txid, ''), COALESCE(error_code, ''), COALESCE(error_detail, ''),
			COALESCE(batch_id, ''), COALESCE(batch_seq, 0),
			created_at, updated_at, COALESCE(sent_at, to_timestamp(0)), COALESCE(sending_started_at, to_timestamp(0))
		FROM publish_jobs WHERE job_id = $1
	`, jobID)
}

func (s *Store) GetLatestByRecordID(ctx context.Context, recordID string) (jobstore.Job, error) {
	if s == nil || s.pool == nil {
		return jobstore.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.scanOne(ctx, `
		SELECT id, job_id, record_id, body, record_hash, signer_pubkey, status,
			COALESCE(ledger_txid, ''), COALESCE(error_code, ''), COALESCE(error_detail, ''),
			COALESCE(batch_id, ''), COALESCE(batch_seq, 0),
			created_at, updated_at, COALESCE(sent_at, to_timestamp(0)), COALESCE(sending_started_at, to_timestamp(0))
		FROM publish_jobs WHERE record_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, recordID)
}

func (s *Store) scanOne(ctx context.Context, query string, arg any) (jobstore.Job, error) {
	var j jobstore.Job
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&j.ID, &j.JobID, &j.RecordID, &j.Body, &j.RecordHash, &j.SignerPubKey, &j.Status,
		&j.LedgerTxID, &j.ErrorCode, &j.ErrorDetail,
		&j.BatchID, &j.BatchSeq,
		&j.CreatedAt, &j.UpdatedAt, &j.SentAt, &j.SendingStartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Job{}, jobstore.ErrNotFound
		}
		return jobstore.Job{}, fmt.Errorf("jobstore/postgres: get: %w", err)
	}
	return j, nil
}

func (s *Store) AppendAudit(ctx context.Context, ev jobstore.AuditEvent) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_pubkey, resource_type, resource_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, ev.EventType, ev.ActorPubKey, ev.ResourceType, ev.ResourceID, ev.Action, ev.Details)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, resourceType, resourceID string, limit int) ([]jobstore.AuditEvent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, actor_pubkey, resource_type, resource_id, action, COALESCE(details, '{}'::jsonb), created_at
		FROM audit_events WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: list audit: %w", err)
	}
	defer rows.Close()

	var out []jobstore.AuditEvent
	for rows.Next() {
		var ev jobstore.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.ActorPubKey, &ev.ResourceType, &ev.ResourceID, &ev.Action, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobstore/postgres: scan audit row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore/postgres: audit rows: %w", err)
	}
	return out, nil
}
