// Package intent is the admission-time validation pipeline for publishing
// intents: schema, timestamp skew, nonce uniqueness, canonical hashing,
// signature verification, and signer registry lookup, in that order, each
// failure mapped to a closed error taxonomy.
package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codenlighten/sldrm-anchor/internal/canon"
	"github.com/codenlighten/sldrm-anchor/internal/registry"
	"github.com/codenlighten/sldrm-anchor/internal/sigverify"
)

// Kind is the closed admission-time error taxonomy.
type Kind string

const (
	KindSchema         Kind = "SchemaInvalid"
	KindStaleTimestamp Kind = "StaleTimestamp"
	KindReplayDetected Kind = "ReplayDetected"
	KindInvalidSig     Kind = "InvalidSignature"
	KindUnknownSigner  Kind = "UnknownSigner"
)

// Error carries the failed step's kind alongside a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return "intent: nil error"
	}
	return fmt.Sprintf("intent: %s: %s", e.Kind, e.Detail)
}

// Signature is the envelope's detached signature block.
type Signature struct {
	Alg      string `json:"alg"`
	HashName string `json:"hash_name"`
	SigHex   string `json:"sig"`
}

// Envelope is the publishing-intent wrapper submitted by a signer.
type Envelope struct {
	Protocol  string         `json:"p"`
	Version   int            `json:"v"`
	Record    map[string]any `json:"record"`
	SignerPub string         `json:"signer_pubkey"`
	Signature Signature      `json:"signature"`
}

// Admitted is everything the validator produced, ready to hand to
// jobstore.Store.Admit.
type Admitted struct {
	RecordID     string
	CanonicalRaw []byte
	RecordHash   string
	SignerPubKey string
	Nonce        string
}

// NonceChecker is the read-only replay pre-check; the authoritative check
// is still the unique constraint enforced inside jobstore.Store.Admit's
// transaction.
type NonceChecker interface {
	NonceExists(ctx context.Context, signerPubKey, nonce string) (bool, error)
}

const protocolTag = "sl-drm"
const protocolVersion = 1

// Validator runs the six-step admission pipeline.
type Validator struct {
	nonces  NonceChecker
	signers registry.Store
	skew    time.Duration
	now     func() time.Time
}

type Option func(*Validator) error

func WithNow(fn func() time.Time) Option {
	return func(v *Validator) error {
		if fn == nil {
			return errors.New("intent: nil now func")
		}
		v.now = fn
		return nil
	}
}

func WithSkew(d time.Duration) Option {
	return func(v *Validator) error {
		if d <= 0 {
			return errors.New("intent: skew must be > 0")
		}
		v.skew = d
		return nil
	}
}

// defaultSkew bounds |now - record.timestamp| to 10 minutes.
const defaultSkew = 10 * time.Minute

func New(nonces NonceChecker, signers registry.Store, opts ...Option) (*Validator, error) {
	if nonces == nil || signers == nil {
		return nil, errors.New("intent: nonces and signers are required")
	}
	v := &Validator{
		nonces:  nonces,
		signers: signers,
		skew:    defaultSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Validate is side-effect-free: nonce insertion and job creation happen
// only afterwards, inside jobstore.Store.Admit's transaction.
func (v *Validator) Validate(ctx context.Context, env Envelope) (Admitted, error) {
	if err := v.checkSchema(env); err != nil {
		return Admitted{}, err
	}

	ts, nonce, recordID, err := extractRecordFields(env.Record)
	if err != nil {
		return Admitted{}, &Error{Kind: KindSchema, Detail: err.Error()}
	}

	if delta := v.now().Sub(ts); delta > v.skew || delta < -v.skew {
		return Admitted{}, &Error{Kind: KindStaleTimestamp, Detail: fmt.Sprintf("timestamp skew %s exceeds %s", delta, v.skew)}
	}

	seen, err := v.nonces.NonceExists(ctx, env.SignerPub, nonce)
	if err != nil {
		return Admitted{}, fmt.Errorf("intent: nonce check: %w", err)
	}
	if seen {
		return Admitted{}, &Error{Kind: KindReplayDetected, Detail: "nonce already seen for signer"}
	}

	canonicalRaw, err := canon.Canonicalize(env.Record)
	if err != nil {
		return Admitted{}, &Error{Kind: KindSchema, Detail: fmt.Sprintf("canonicalize record: %v", err)}
	}
	hashHex := canon.Hash(canonicalRaw)

	hashBytes, err := hashHexTo32(hashHex)
	if err != nil {
		return Admitted{}, fmt.Errorf("intent: internal hash decode: %w", err)
	}
	ok, err := sigverify.VerifyHex(env.SignerPub, hashBytes, env.Signature.SigHex)
	if err != nil {
		return Admitted{}, &Error{Kind: KindInvalidSig, Detail: err.Error()}
	}
	if !ok {
		return Admitted{}, &Error{Kind: KindInvalidSig, Detail: "signature does not verify against record hash"}
	}

	signer, err := v.signers.Get(ctx, env.SignerPub)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Admitted{}, &Error{Kind: KindUnknownSigner, Detail: "signer not registered"}
		}
		return Admitted{}, fmt.Errorf("intent: registry lookup: %w", err)
	}
	if !signer.Active() {
		return Admitted{}, &Error{Kind: KindUnknownSigner, Detail: "signer is revoked"}
	}

	return Admitted{
		RecordID:     recordID,
		CanonicalRaw: canonicalRaw,
		RecordHash:   hashHex,
		SignerPubKey: env.SignerPub,
		Nonce:        nonce,
	}, nil
}

func (v *Validator) checkSchema(env Envelope) error {
	if env.Protocol != protocolTag {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("unsupported protocol tag %q", env.Protocol)}
	}
	if env.Version != protocolVersion {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("unsupported version %d", env.Version)}
	}
	if len(env.Record) == 0 {
		return &Error{Kind: KindSchema, Detail: "missing record"}
	}
	if env.SignerPub == "" {
		return &Error{Kind: KindSchema, Detail: "missing signer pubkey"}
	}
	if _, err := registry.NormalizePubKeyHex(env.SignerPub); err != nil {
		return &Error{Kind: KindSchema, Detail: fmt.Sprintf("invalid signer pubkey: %v", err)}
	}
	if env.Signature.Alg == "" || env.Signature.HashName == "" || env.Signature.SigHex == "" {
		return &Error{Kind: KindSchema, Detail: "missing signature fields"}
	}
	return nil
}
