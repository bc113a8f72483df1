// Package jobstore is the durable, transactional store for publish jobs,
// nonces, batches, and audit events.
package jobstore

import (
	"errors"
	"time"
)

var (
	ErrInvalidConfig     = errors.New("jobstore: invalid config")
	ErrNotFound          = errors.New("jobstore: not found")
	ErrReplayDetected    = errors.New("jobstore: replay detected")
	ErrInvalidTransition = errors.New("jobstore: invalid transition")
)

// Status is a publish job's position in the state machine:
//
//	queued -> processing -> (sent | failed)                  (single-job path)
//	queued -> processing_batch -> sending -> (sent | failed)  (batch path)
//	sending -> processing_batch                                (Unstick recovery edge)
type Status string

const (
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusProcessingBatch Status = "processing_batch"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusFailed          Status = "failed"
)

// ErrorCode is the closed failure taxonomy, recorded verbatim on job rows.
type ErrorCode string

const (
	ErrorNoCapacity      ErrorCode = "NoCapacity"
	ErrorMempoolConflict ErrorCode = "MempoolConflict"
	ErrorTransientNet    ErrorCode = "TransientNetwork"
	ErrorPermanentReject ErrorCode = "PermanentReject"
	ErrorBuildError      ErrorCode = "BuildError"
)

// Job is a publish_job row.
type Job struct {
	ID int64
	// JobID is the opaque, globally unique external identifier returned to
	// clients by the admission API.
	JobID string

	RecordID     string
	Body         []byte // stored canonical record body
	RecordHash   string // hex SHA-256, globally unique
	SignerPubKey string

	Status Status

	LedgerTxID  string
	ErrorCode   ErrorCode
	ErrorDetail string

	BatchID  string // empty if unassigned
	BatchSeq int    // 0 if unassigned

	CreatedAt        time.Time
	UpdatedAt        time.Time
	SentAt           time.Time
	SendingStartedAt time.Time // zero if not currently sending
}

// AuditEvent is an append-only audit log row.
type AuditEvent struct {
	ID           int64
	EventType    string
	ActorPubKey  string
	ResourceType string
	ResourceID   string
	Action       string
	Details      []byte // opaque JSON blob
	CreatedAt    time.Time
}

// TransitionFields carries the optional column updates that accompany a
// status transition.
type TransitionFields struct {
	LedgerTxID       *string
	ErrorCode        *ErrorCode
	ErrorDetail      *string
	SentAt           *time.Time
	SendingStartedAt *time.Time
	ClearSendingAt   bool
}
