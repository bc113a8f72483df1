package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/codenlighten/sldrm-anchor/internal/broadcast"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
	"github.com/codenlighten/sldrm-anchor/internal/utxopool"
)

type fakeJobs struct {
	job    jobstore.Job
	audits []jobstore.AuditEvent
}

func (f *fakeJobs) Admit(context.Context, string, []byte, string, string, string) (jobstore.Job, bool, error) {
	return jobstore.Job{}, false, nil
}

func (f *fakeJobs) Transition(_ context.Context, jobID string, from, to jobstore.Status, fields jobstore.TransitionFields) (bool, error) {
	if f.job.JobID != jobID || f.job.Status != from {
		return false, nil
	}
	f.job.Status = to
	if fields.LedgerTxID != nil {
		f.job.LedgerTxID = *fields.LedgerTxID
	}
	if fields.ErrorCode != nil {
		f.job.ErrorCode = *fields.ErrorCode
	}
	if fields.ErrorDetail != nil {
		f.job.ErrorDetail = *fields.ErrorDetail
	}
	return true, nil
}

func (f *fakeJobs) ClaimQueued(context.Context, int) ([]jobstore.Job, error) {
	if f.job.Status != jobstore.StatusQueued {
		return nil, nil
	}
	return []jobstore.Job{f.job}, nil
}

func (f *fakeJobs) ClaimNextInBatch(context.Context, string) (*jobstore.Job, error) { return nil, nil }
func (f *fakeJobs) OldestActiveBatchID(context.Context) (string, error)             { return "", nil }
func (f *fakeJobs) Unstick(context.Context, time.Duration) (int, error)             { return 0, nil }

func (f *fakeJobs) GetByJobID(_ context.Context, jobID string) (jobstore.Job, error) {
	return f.job, nil
}
func (f *fakeJobs) GetLatestByRecordID(context.Context, string) (jobstore.Job, error) {
	return f.job, nil
}

func (f *fakeJobs) AppendAudit(_ context.Context, ev jobstore.AuditEvent) error {
	f.audits = append(f.audits, ev)
	return nil
}
func (f *fakeJobs) ListAuditEvents(context.Context, string, string, int) ([]jobstore.AuditEvent, error) {
	return f.audits, nil
}
func (f *fakeJobs) NonceExists(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeJobs) Ping(context.Context) error                                { return nil }

type fakePool struct {
	reservation *utxopool.Reservation
	marked      string // "spent", "released", "dirty"
}

func (f *fakePool) Reserve(context.Context, time.Duration) (*utxopool.Reservation, error) {
	return f.reservation, nil
}
func (f *fakePool) MarkSpent(context.Context, int64, string) error { f.marked = "spent"; return nil }
func (f *fakePool) Release(context.Context, int64) error           { f.marked = "released"; return nil }
func (f *fakePool) MarkDirty(context.Context, int64) error         { f.marked = "dirty"; return nil }
func (f *fakePool) Insert(context.Context, utxopool.UTXO) (int64, error) { return 0, nil }
func (f *fakePool) CountAvailable(context.Context, utxopool.Purpose) (int, int64, error) {
	return 0, 0, nil
}
func (f *fakePool) ListFunding(context.Context, int64, int) ([]utxopool.UTXO, error) { return nil, nil }
func (f *fakePool) Get(context.Context, int64) (utxopool.UTXO, error)                { return utxopool.UTXO{}, nil }

func newTestReservation(t *testing.T, key *btcec.PrivateKey) *utxopool.Reservation {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(key.PubKey().SerializeCompressed())).
		Script()
	if err != nil {
		t.Fatalf("build locking script: %v", err)
	}
	return &utxopool.Reservation{
		ID:            1,
		TxID:          "ab11223344556677889900aabbccddeeff00112233445566778899aabbccdd",
		Vout:          0,
		Satoshis:      10000,
		LockingScript: script,
	}
}

func newRPCStub(t *testing.T, result string, rpcErr map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestWorker_ProcessOne_Success(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	srv := newRPCStub(t, "deadbeef", nil)
	defer srv.Close()

	bc, err := broadcast.New(srv.URL, "u", "p", broadcast.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("broadcast.New: %v", err)
	}

	changeAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("change address: %v", err)
	}

	jobs := &fakeJobs{job: jobstore.Job{JobID: "j1", RecordHash: repeatHex("a", 64), Status: jobstore.StatusQueued}}
	pool := &fakePool{reservation: newTestReservation(t, key)}

	w, err := New(jobs, pool, bc, key, Config{
		ChangeAddress: changeAddr.EncodeAddress(),
		FeeRateSatKB:  1000,
		ChainParams:   &chaincfg.RegressionNetParams,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.processOne(context.Background(), jobs.job)

	if jobs.job.Status != jobstore.StatusSent {
		t.Fatalf("expected status sent, got %s", jobs.job.Status)
	}
	if jobs.job.LedgerTxID != "deadbeef" {
		t.Fatalf("unexpected ledger txid: %q", jobs.job.LedgerTxID)
	}
	if pool.marked != "spent" {
		t.Fatalf("expected utxo marked spent, got %q", pool.marked)
	}
}

func TestWorker_ProcessOne_NoCapacity(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	srv := newRPCStub(t, "deadbeef", nil)
	defer srv.Close()
	bc, _ := broadcast.New(srv.URL, "u", "p", broadcast.WithHTTPClient(srv.Client()))

	jobs := &fakeJobs{job: jobstore.Job{JobID: "j1", Status: jobstore.StatusQueued}}
	pool := &fakePool{reservation: nil}

	w, err := New(jobs, pool, bc, key, Config{
		ChangeAddress: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		FeeRateSatKB:  1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.processOne(context.Background(), jobs.job)

	if jobs.job.Status != jobstore.StatusFailed || jobs.job.ErrorCode != jobstore.ErrorNoCapacity {
		t.Fatalf("expected NoCapacity failure, got status=%s code=%s", jobs.job.Status, jobs.job.ErrorCode)
	}
}

func TestWorker_ProcessOne_MempoolConflict(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	srv := newRPCStub(t, "", map[string]any{"code": -26, "message": "txn-already-in-mempool"})
	defer srv.Close()
	bc, _ := broadcast.New(srv.URL, "u", "p", broadcast.WithHTTPClient(srv.Client()))

	changeAddr, _ := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	jobs := &fakeJobs{job: jobstore.Job{JobID: "j1", RecordHash: repeatHex("b", 64), Status: jobstore.StatusQueued}}
	pool := &fakePool{reservation: newTestReservation(t, key)}

	w, err := New(jobs, pool, bc, key, Config{
		ChangeAddress: changeAddr.EncodeAddress(),
		FeeRateSatKB:  1000,
		ChainParams:   &chaincfg.RegressionNetParams,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.processOne(context.Background(), jobs.job)

	if jobs.job.Status != jobstore.StatusFailed || jobs.job.ErrorCode != jobstore.ErrorMempoolConflict {
		t.Fatalf("expected MempoolConflict failure, got status=%s code=%s", jobs.job.Status, jobs.job.ErrorCode)
	}
	if pool.marked != "dirty" {
		t.Fatalf("expected utxo marked dirty, got %q", pool.marked)
	}
}

func repeatHex(c string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += c
	}
	return out
}
