// Package admissionapi is the HTTP surface that accepts signed publishing
// intents, and lets clients poll job and record status.
package admissionapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codenlighten/sldrm-anchor/internal/intent"
	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
)

var ErrInvalidConfig = errors.New("admissionapi: invalid config")

// Config carries the handler's tunables. Rate limiting fields mirror the
// defaults used elsewhere in the fleet for a single abusive IP.
type Config struct {
	Validator *intent.Validator
	Jobs      jobstore.Store

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Validator == nil || cfg.Jobs == nil {
		return nil, fmt.Errorf("%w: validator and jobs store are required", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:   cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /v1/intents", h.handleAdmit)
	mux.HandleFunc("GET /v1/jobs/{jobId}", h.handleJobQuery)
	mux.HandleFunc("GET /v1/records/{recordId}", h.handleRecordQuery)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate_limited"})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Jobs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "job store unreachable"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type admitRequestBody struct {
	Protocol  string         `json:"protocol"`
	Version   int            `json:"version"`
	Record    map[string]any `json:"record"`
	Signer    struct {
		PubKey string `json:"pubkey"`
	} `json:"signer"`
	Signature struct {
		Alg      string `json:"alg"`
		Hash     string `json:"hash"`
		Sig      string `json:"sig"`
	} `json:"signature"`
}

func (h *handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[admitRequestBody](w, r)
	if !ok {
		return
	}

	env := intent.Envelope{
		Protocol:  body.Protocol,
		Version:   body.Version,
		Record:    body.Record,
		SignerPub: body.Signer.PubKey,
		Signature: intent.Signature{
			Alg:      body.Signature.Alg,
			HashName: body.Signature.Hash,
			SigHex:   body.Signature.Sig,
		},
	}

	admitted, err := h.cfg.Validator.Validate(r.Context(), env)
	if err != nil {
		var verr *intent.Error
		if errors.As(err, &verr) {
			writeJSON(w, statusForKind(verr.Kind), map[string]any{"ok": false, "error": verr.Detail})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
		return
	}

	job, created, err := h.cfg.Jobs.Admit(r.Context(), admitted.RecordID, admitted.CanonicalRaw, admitted.RecordHash, admitted.SignerPubKey, admitted.Nonce)
	if err != nil {
		if errors.Is(err, jobstore.ErrReplayDetected) {
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "nonce already seen for signer"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK // DuplicateRecord: not an error, return the prior job.
	}
	writeJSON(w, status, map[string]any{
		"ok":       true,
		"recordId": job.RecordID,
		"hash":     job.RecordHash,
		"jobId":    job.JobID,
		"status":   string(job.Status),
	})
}

func (h *handler) handleJobQuery(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	job, err := h.cfg.Jobs.GetByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, jobSummary(job))
}

func (h *handler) handleRecordQuery(w http.ResponseWriter, r *http.Request) {
	recordID := r.PathValue("recordId")
	job, err := h.cfg.Jobs.GetLatestByRecordID(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "record not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
		return
	}
	resp := jobSummary(job)
	resp["body"] = json.RawMessage(job.Body)
	writeJSON(w, http.StatusOK, resp)
}

func jobSummary(job jobstore.Job) map[string]any {
	timestamps := map[string]any{"createdAt": job.CreatedAt.UTC().Format(time.RFC3339)}
	if !job.SentAt.IsZero() {
		timestamps["sentAt"] = job.SentAt.UTC().Format(time.RFC3339)
	}
	resp := map[string]any{
		"ok":         true,
		"jobId":      job.JobID,
		"recordId":   job.RecordID,
		"status":     string(job.Status),
		"timestamps": timestamps,
	}
	if job.LedgerTxID != "" {
		resp["txid"] = job.LedgerTxID
	}
	if job.ErrorCode != "" {
		resp["errorCode"] = string(job.ErrorCode)
		resp["errorDetail"] = job.ErrorDetail
	}
	return resp
}

func statusForKind(k intent.Kind) int {
	switch k {
	case intent.KindSchema:
		return http.StatusBadRequest
	case intent.KindStaleTimestamp:
		return http.StatusBadRequest
	case intent.KindReplayDetected:
		return http.StatusConflict
	case intent.KindInvalidSig:
		return http.StatusBadRequest
	case intent.KindUnknownSigner:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json"})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
