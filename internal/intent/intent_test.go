package intent

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/codenlighten/sldrm-anchor/internal/canon"
	"github.com/codenlighten/sldrm-anchor/internal/registry"
)

type stubNonces struct {
	seen map[string]bool
	err  error
}

func (s *stubNonces) NonceExists(_ context.Context, signerPubKey, nonce string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
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

func buildSignedEnvelope(t *testing.T, key *btcec.PrivateKey, now time.Time, nonce string) Envelope {
	t.Helper()
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	record := map[string]any{
		"id":        "record-1",
		"timestamp": now.UTC().Format(time.RFC3339),
		"nonce":     nonce,
		"event_kind": "REGISTER",
	}
	canonicalRaw, err := canon.Canonicalize(record)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	hashHex := canon.Hash(canonicalRaw)
	hashBytes, err := hashHexTo32(hashHex)
	if err != nil {
		t.Fatalf("hashHexTo32: %v", err)
	}
	sig := ecdsa.Sign(key, hashBytes[:])

	return Envelope{
		Protocol:  protocolTag,
		Version:   protocolVersion,
		Record:    record,
		SignerPub: pubHex,
		Signature: Signature{
			Alg:      "ecdsa-secp256k1",
			HashName: "sha256",
			SigHex:   hex.EncodeToString(sig.Serialize()),
		},
	}
}

func TestValidator_Validate_Success(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	env := buildSignedEnvelope(t, key, now, "n1")

	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	v, err := New(
		&stubNonces{seen: map[string]bool{}},
		&stubRegistry{signers: map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}},
		WithNow(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	admitted, err := v.Validate(context.Background(), env)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if admitted.RecordID != "record-1" {
		t.Fatalf("unexpected record id: %q", admitted.RecordID)
	}
	if admitted.Nonce != "n1" {
		t.Fatalf("unexpected nonce: %q", admitted.Nonce)
	}
	if len(admitted.RecordHash) != 64 {
		t.Fatalf("unexpected hash length: %d", len(admitted.RecordHash))
	}
}

func TestValidator_Validate_StaleTimestamp(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	env := buildSignedEnvelope(t, key, now.Add(-11*time.Minute), "n1")

	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	v, err := New(
		&stubNonces{seen: map[string]bool{}},
		&stubRegistry{signers: map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}},
		WithNow(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = v.Validate(context.Background(), env)
	var intentErr *Error
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asIntentError(err, &intentErr) || intentErr.Kind != KindStaleTimestamp {
		t.Fatalf("expected StaleTimestamp, got %v", err)
	}
}

func TestValidator_Validate_ReplayDetected(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	env := buildSignedEnvelope(t, key, now, "n1")
	pubHex := hex.EncodeToString(key.PubKey().SerializeCompressed())

	v, err := New(
		&stubNonces{seen: map[string]bool{pubHex + "|n1": true}},
		&stubRegistry{signers: map[string]registry.Signer{pubHex: {PubKeyHex: pubHex, Status: registry.StatusActive}}},
		WithNow(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = v.Validate(context.Background(), env)
	var intentErr *Error
	if !asIntentError(err, &intentErr) || intentErr.Kind != KindReplayDetected {
		t.Fatalf("expected ReplayDetected, got %v", err)
	}
}

func TestValidator_Validate_InvalidSignature(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	otherKey, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	env := buildSignedEnvelope(t, key, now, "n1")
	// Swap in a different signer pubkey so the signature no longer matches.
	env.SignerPub = hex.EncodeToString(otherKey.PubKey().SerializeCompressed())

	v, err := New(
		&stubNonces{seen: map[string]bool{}},
		&stubRegistry{signers: map[string]registry.Signer{env.SignerPub: {PubKeyHex: env.SignerPub, Status: registry.StatusActive}}},
		WithNow(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = v.Validate(context.Background(), env)
	var intentErr *Error
	if !asIntentError(err, &intentErr) || intentErr.Kind != KindInvalidSig {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestValidator_Validate_UnknownSigner(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	env := buildSignedEnvelope(t, key, now, "n1")

	v, err := New(
		&stubNonces{seen: map[string]bool{}},
		&stubRegistry{signers: map[string]registry.Signer{}},
		WithNow(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = v.Validate(context.Background(), env)
	var intentErr *Error
	if !asIntentError(err, &intentErr) || intentErr.Kind != KindUnknownSigner {
		t.Fatalf("expected UnknownSigner, got %v", err)
	}
}

func asIntentError(err error, target **Error) bool {
	ie, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = ie
	return true
}
