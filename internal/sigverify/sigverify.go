// Package sigverify verifies ECDSA-over-secp256k1 signatures against
// compressed public keys. It never panics on malformed input.
package sigverify

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

var (
	ErrInvalidPublicKey = errors.New("sigverify: invalid public key")
	ErrInvalidSignature = errors.New("sigverify: invalid signature encoding")
	ErrInvalidHashLen   = errors.New("sigverify: message hash must be 32 bytes")
)

// ParseCompressedPublicKey decodes a 33-byte compressed secp256k1 public key.
func ParseCompressedPublicKey(compressed []byte) (*btcec.PublicKey, error) {
	if len(compressed) != 33 {
		return nil, fmt.Errorf("%w: expected 33 bytes, got %d", ErrInvalidPublicKey, len(compressed))
	}
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// Verify checks a DER-encoded ECDSA signature over a 32-byte message hash
// against a compressed public key. It returns (false, nil) for a
// well-formed-but-invalid signature, and a non-nil error only for malformed
// input that could not be parsed at all.
func Verify(compressedPubKey []byte, msgHash [32]byte, derSig []byte) (bool, error) {
	pub, err := ParseCompressedPublicKey(compressedPubKey)
	if err != nil {
		return false, err
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig.Verify(msgHash[:], pub), nil
}

// VerifyHex is a convenience wrapper for callers holding hex-encoded fields.
func VerifyHex(compressedPubKeyHex string, msgHash [32]byte, derSigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(compressedPubKeyHex)
	if err != nil {
		return false, fmt.Errorf("%w: pubkey: %v", ErrInvalidPublicKey, err)
	}
	sigBytes, err := hex.DecodeString(derSigHex)
	if err != nil {
		return false, fmt.Errorf("%w: signature: %v", ErrInvalidSignature, err)
	}
	return Verify(pubBytes, msgHash, sigBytes)
}
