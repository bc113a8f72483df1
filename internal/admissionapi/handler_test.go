package admissionapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/codenlighten/sldrm-anchor/internal/canon"
	"github.com/codenlighten/sldrm-anchor/internal/intent"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
	"github.com/codenlighten/sldrm-anchor/internal/registry"
)

type stubNonces struct{ seen map[string]bool }

func (s *stubNonces) NonceExists(_ context.Context, signerPubKey, nonce string) (bool, error) {
	return s.seen[signerPubKey+"|"+nonce], nil
}

type stubRegistry struct {
	signers map[string]registry.Signer
}

func (s *stubRegistry) Insert(context.Context, string, []byte) error { return nil }
func (s *stubRegistry) Get(_ context.Context, pubKeyHex string) (registry.Signer, error) {
	sig, ok := s.signers[pubKeyHex]
	if !ok {
		return registry.Signer{}, registry.ErrNotFound
	}
	return sig, nil
}
func (s *stubRegistry) Revoke(context.Context, string) error { return nil }

// fakeJobs is a minimal in-memory jobstore.Store covering only what the
// admission handler touches: Admit, GetByJobID, GetLatestByRecordID, Ping.
type fakeJobs struct {
	byHash map[string]jobstore.Job
	byID   map[string]jobstore.Job
	nextID int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{byHash: map[string]jobstore.Job{}, byID: map[string]jobstore.Job{}}
}

func (f *fakeJobs) Admit(_ context.Context, recordID string, body []byte, recordHash, signerPubKey, nonce string) (jobstore.Job, bool, error) {
	if existing, ok := f.byHash[recordHash]; ok {
		return existing, false, nil
	}
	f.nextID++
	job := jobstore.Job{
		ID:           int64(f.nextID),
		JobID:        "job-" + recordHash[:8],
		RecordID:     recordID,
		Body:         body,
		RecordHash:   recordHash,
		SignerPubKey: signerPubKey,
		Status:       jobstore.StatusQueued,
		CreatedAt:    time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC),
	}
	f.byHash[recordHash] = job
	f.byID[job.JobID] = job
	return job, true, nil
}

func (f *fakeJobs) Transition(context.Context, string, jobstore.Status, jobstore.Status, jobstore.TransitionFields) (bool, error) {
	return false, nil
}
func (f *fakeJobs) ClaimQueued(context.Context, int) ([]jobstore.Job, error)      { return nil, nil }
func (f *fakeJobs) ClaimNextInBatch(context.Context, string) (*jobstore.Job, error) { return nil, nil }
func (f *fakeJobs) OldestActiveBatchID(context.Context) (string, error)           { return "", nil }
func (f *fakeJobs) Unstick(context.Context, time.Duration) (int, error)           { return 0, nil }

func (f *fakeJobs) GetByJobID(_ context.Context, jobID string) (jobstore.Job, error) {
	job, ok := f.byID[jobID]
	if !ok {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) GetLatestByRecordID(_ context.Context, recordID string) (jobstore.Job, error) {
	for _, j := range f.byID {
		if j.RecordID == recordID {
			return j, nil
		}
	}
	return jobstore.Job{}, jobstore.ErrNotFound
}

func (f *fakeJobs) NonceExists(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeJobs) AppendAudit(context.Context, jobstore.AuditEvent) error    { return nil }
func (f *fakeJobs) ListAuditEvents(context.Context, string, string, int) ([]jobstore.AuditEvent, error) {
	return nil, nil
}
func (f *fakeJobs) Ping(context.Context) error { return nil }

func signedBody(t *testing.T, key *btcec.PrivateKey, now time.Time, recordID, nonce string) []byte {
	t.Helper()
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	record := map[string]any{
		"id":         recordID,
		"timestamp":  now.UTC().Format(time.RFC3339),
		"nonce":      nonce,
		"event_kind": "REGISTER",
	}
	canonicalRaw, err := canon.Canonicalize(record)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	hashHex := canon.Hash(canonicalRaw)
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}
	var hash32 [32]byte
	copy(hash32[:], hashBytes)
	sig := ecdsa.Sign(key, hash32[:])

	body, err := json.Marshal(map[string]any{
		"protocol": "sl-drm",
		"version":  1,
		"record":   record,
		"signer":   map[string]string{"pubkey": pubHex},
		"signature": map[string]string{
			"alg":  "ecdsa-secp256k1",
			"hash": "sha256",
			"sig":  hex.EncodeToString(sig.Serialize()),
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func newTestHandler(t *testing.T, jobs *fakeJobs, signers map[string]registry.Signer, now time.Time) http.Handler {
	t.Helper()
	v, err := intent.New(&stubNonces{seen: map[string]bool{}}, &stubRegistry{signers: signers}, intent.WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("intent.New: %v", err)
	}
	h, err := NewHandler(Config{Validator: v, Jobs: jobs, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestHandler_Admit_Accepted(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	jobs := newFakeJobs()
	h := newTestHandler(t, jobs, map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}, now)

	body := signedBody(t, key, now, "record-1", "n1")
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["ok"] != true || resp["status"] != "queued" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestHandler_Admit_UnknownSignerReturns403(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	jobs := newFakeJobs()
	h := newTestHandler(t, jobs, map[string]registry.Signer{}, now)

	body := signedBody(t, key, now, "record-1", "n1")
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_JobQuery_NotFound(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	jobs := newFakeJobs()
	h := newTestHandler(t, jobs, map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}, now)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_JobQuery_Found(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	jobs := newFakeJobs()
	h := newTestHandler(t, jobs, map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}, now)

	body := signedBody(t, key, now, "record-1", "n1")
	admitReq := httptest.NewRequest(http.MethodPost, "/v1/intents", bytes.NewReader(body))
	admitRec := httptest.NewRecorder()
	h.ServeHTTP(admitRec, admitReq)

	var admitResp map[string]any
	if err := json.Unmarshal(admitRec.Body.Bytes(), &admitResp); err != nil {
		t.Fatalf("decode admit response: %v", err)
	}
	jobID, _ := admitResp["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in admit response, got %v", admitResp)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Healthz(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	jobs := newFakeJobs()
	h := newTestHandler(t, jobs, map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}, now)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
