package jobstore

import (
	"context"
	"time"
)

// Store is the durable job/nonce/batch/audit persistence boundary.
//
// Admit is the only entry point that creates rows; every other mutation
// goes through Transition (or the typed wrappers in worker/batch packages
// built on top of it) so that the job state machine is enforced by a
// single conditional `WHERE status = from` update.
type Store interface {
	// Admit inserts the nonce row and the publish_job row in one
	// transaction, or returns the existing job id on a record-hash
	// collision (a duplicate record, which is not itself an error).
	// created is false when an existing job was returned instead of a
	// new one being inserted.
	Admit(ctx context.Context, recordID string, body []byte, recordHash, signerPubKey, nonce string) (job Job, created bool, err error)

	// Transition performs WHERE status = from ... SET status = to, applying
	// fields, and reports whether the conditional update applied.
	Transition(ctx context.Context, jobID string, from, to Status, fields TransitionFields) (applied bool, err error)

	// ClaimQueued atomically moves up to limit oldest queued jobs into
	// processing_batch, assigning them a fresh batch id and dense
	// sequence numbers 1..k in creation-time order.
	ClaimQueued(ctx context.Context, limit int) ([]Job, error)

	// ClaimNextInBatch atomically moves the lowest-seq processing_batch job
	// in batchID to sending.
	ClaimNextInBatch(ctx context.Context, batchID string) (*Job, error)

	// OldestActiveBatchID returns the batch id with the smallest
	// MIN(created_at) among jobs with status in {processing_batch,
	// sending}, or "" if none.
	OldestActiveBatchID(ctx context.Context) (string, error)

	// Unstick reverts any job in `sending` with sending_started_at older
	// than ttl back to processing_batch, clearing sending_started_at.
	// Returns the number of jobs reverted.
	Unstick(ctx context.Context, ttl time.Duration) (int, error)

	GetByJobID(ctx context.Context, jobID string) (Job, error)
	GetLatestByRecordID(ctx context.Context, recordID string) (Job, error)

	// NonceExists is the read-only replay pre-check; the authoritative
	// check is the unique constraint enforced inside Admit.
	NonceExists(ctx context.Context, signerPubKey, nonce string) (bool, error)

	AppendAudit(ctx context.Context, ev AuditEvent) error
	ListAuditEvents(ctx context.Context, resourceType, resourceID string, limit int) ([]AuditEvent, error)

	Ping(ctx context.Context) error
}
