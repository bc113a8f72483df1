package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Broadcast_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "sendrawtransaction" {
			t.Fatalf("method: got %q", req.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "deadbeef",
			"error":  nil,
			"id":     req.ID,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "user", "pass", WithHTTPClient(srv.Client()), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := c.Broadcast(context.Background(), []byte{0x01, 0x02})
	if out.Kind != KindSuccess || out.LedgerTxID != "deadbeef" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestClient_Broadcast_MempoolConflict(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": nil,
			"error":  map[string]any{"code": -26, "message": "txn-already-in-mempool"},
			"id":     req.ID,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "user", "pass", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := c.Broadcast(context.Background(), []byte{0x01})
	if out.Kind != KindMempoolConflict {
		t.Fatalf("expected MempoolConflict, got %+v", out)
	}
}

func TestClient_Broadcast_PermanentReject(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": nil,
			"error":  map[string]any{"code": -22, "message": "tx-size-policy"},
			"id":     req.ID,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "user", "pass", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := c.Broadcast(context.Background(), []byte{0x01})
	if out.Kind != KindPermanentReject {
		t.Fatalf("expected PermanentReject, got %+v", out)
	}
}

func TestClient_Broadcast_TransientNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "user", "pass", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := c.Broadcast(context.Background(), []byte{0x01})
	if out.Kind != KindTransientNetwork {
		t.Fatalf("expected TransientNetwork, got %+v", out)
	}
}

func TestClient_Broadcast_EmptyRawTx(t *testing.T) {
	t.Parallel()

	c, err := New("http://example.invalid", "user", "pass")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := c.Broadcast(context.Background(), nil)
	if out.Kind != KindPermanentReject {
		t.Fatalf("expected PermanentReject for empty tx, got %+v", out)
	}
}
