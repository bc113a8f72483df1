package batch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

// applyOutcome is the batch broadcaster's outcome-branch logic. The
// single-job worker carries its own copy (worker.applyOutcome) with the same
// branches; the two differ only in the `from` status the transition is
// conditioned on.
func applyOutcome(ctx context.Context, log *slog.Logger, jobs jobstore.Store, pool utxopool.Store, now func() time.Time, jobID string, from jobstore.Status, utxoID int64, outcome broadcast.Outcome) {
	switch outcome.Kind {
	case broadcast.KindSuccess:
		if err := pool.MarkSpent(ctx, utxoID, outcome.LedgerTxID); err != nil {
			log.Error("mark spent failed", "job_id", jobID, "error", err)
		}
		sentAt := now()
		txid := outcome.LedgerTxID
		if ok, err := jobs.Transition(ctx, jobID, from, jobstore.StatusSent, jobstore.TransitionFields{
			LedgerTxID: &txid,
			SentAt:     &sentAt,
		}); err != nil || !ok {
			log.Error("transition to sent failed", "job_id", jobID, "applied", ok, "error", err)
		}
		appendAudit(ctx, log, jobs, jobID, "sent", outcome.LedgerTxID)

	case broadcast.KindMempoolConflict:
		if err := pool.MarkDirty(ctx, utxoID); err != nil {
			log.Error("mark dirty failed", "job_id", jobID, "error", err)
		}
		failJob(ctx, log, jobs, jobID, from, jobstore.ErrorMempoolConflict, outcome.Detail)

	case broadcast.KindTransientNetwork:
		if err := pool.Release(ctx, utxoID); err != nil {
			log.Error("release utxo failed", "job_id", jobID, "error", err)
		}
		failJob(ctx, log, jobs, jobID, from, jobstore.ErrorTransientNet, outcome.Detail)

	default: // PermanentReject
		if err := pool.Release(ctx, utxoID); err != nil {
			log.Error("release utxo failed", "job_id", jobID, "error", err)
		}
		failJob(ctx, log, jobs, jobID, from, jobstore.ErrorPermanentReject, outcome.Detail)
	}
}

func failJob(ctx context.Context, log *slog.Logger, jobs jobstore.Store, jobID string, from jobstore.Status, code jobstore.ErrorCode, detail string) {
	if ok, err := jobs.Transition(ctx, jobID, from, jobstore.StatusFailed, jobstore.TransitionFields{
		ErrorCode:   &code,
		ErrorDetail: &detail,
	}); err != nil || !ok {
		log.Error("transition to failed failed", "job_id", jobID, "applied", ok, "error", err)
	}
	appendAudit(ctx, log, jobs, jobID, "failed:"+string(code), detail)
}

func appendAudit(ctx context.Context, log *slog.Logger, jobs jobstore.Store, jobID, action, detail string) {
	details, err := json.Marshal(map[string]string{"detail": detail})
	if err != nil {
		details = []byte(`{}`)
	}
	if err := jobs.AppendAudit(ctx, jobstore.AuditEvent{
		EventType:    "BROADCAST_RESULT",
		ActorPubKey:  "system",
		ResourceType: "job",
		ResourceID:   jobID,
		Action:       action,
		Details:      details,
	}); err != nil {
		log.Error("append audit failed", "job_id", jobID, "error", err)
	}
}
