// Package broadcast posts a raw transaction to the ledger's broadcast
// endpoint and normalizes the result into a closed outcome taxonomy.
package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var ErrInvalidConfig = errors.New("broadcast: invalid config")

// Kind is the closed outcome taxonomy.
type Kind string

const (
	KindSuccess          Kind = "Success"
	KindMempoolConflict  Kind = "MempoolConflict"
	KindTransientNetwork Kind = "TransientNetwork"
	KindPermanentReject  Kind = "PermanentReject"
)

// Outcome is the normalized result of a broadcast attempt. LedgerTxID is
// only meaningful when Kind == KindSuccess; Detail carries the raw
// upstream error text for audit logging in the other cases.
type Outcome struct {
	Kind       Kind
	LedgerTxID string
	Detail     string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client is the RPC client to the external ledger node's broadcast
// endpoint.
type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

// defaultTimeout is 30 seconds per call.
const defaultTimeout = 30 * time.Second

func New(url, user, pass string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		user:         user,
		pass:         pass,
		hc:           &http.Client{Timeout: defaultTimeout},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// mempoolConflictMarkers are the substrings bitcoind-family nodes use in
// sendrawtransaction rejection reasons when an input or txid is already
// known to the mempool; matching here is what makes MempoolConflict a
// benign bookkeeping outcome instead of a hard failure.
var mempoolConflictMarkers = []string{
	"txn-already-in-mempool",
	"txn-already-known",
	"txn-mempool-conflict",
	"bad-txns-inputs-missingorspent",
	"insufficient priority",
}

// Broadcast sends the raw transaction and normalizes the result. It does
// not retry: the caller decides whether and how to retry.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) Outcome {
	if len(rawTx) == 0 {
		return Outcome{Kind: KindPermanentReject, Detail: "empty raw transaction"}
	}

	var txid string
	err := c.call(ctx, "sendrawtransaction", []any{hex.EncodeToString(rawTx)}, &txid)
	if err == nil {
		return Outcome{Kind: KindSuccess, LedgerTxID: strings.TrimSpace(txid)}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Outcome{Kind: KindTransientNetwork, Detail: err.Error()}
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		lower := strings.ToLower(rpcErr.Message)
		for _, marker := range mempoolConflictMarkers {
			if strings.Contains(lower, marker) {
				return Outcome{Kind: KindMempoolConflict, Detail: rpcErr.Message}
			}
		}
		return Outcome{Kind: KindPermanentReject, Detail: rpcErr.Message}
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.code >= 500 {
			return Outcome{Kind: KindTransientNetwork, Detail: statusErr.Error()}
		}
		return Outcome{Kind: KindPermanentReject, Detail: statusErr.Error()}
	}

	return Outcome{Kind: KindTransientNetwork, Detail: err.Error()}
}

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "broadcast: nil rpc error"
	}
	return fmt.Sprintf("broadcast: rpc error code %d: %s", e.Code, e.Message)
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("broadcast: http status %d: %s", e.code, e.body)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      fmt.Sprintf("%d", id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("broadcast: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("broadcast: build request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return &httpStatusError{code: resp.StatusCode, body: msg}
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("broadcast: unmarshal response: %w", err)
	}
	if rr.Error != nil {
		return &RPCError{Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("broadcast: unmarshal result: %w", err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("broadcast: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("broadcast: response exceeds %d bytes", maxBytes)
	}
	return b, nil
}
