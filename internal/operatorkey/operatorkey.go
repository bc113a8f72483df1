// Package operatorkey loads the secp256k1 signing key each anchoring
// binary uses to build and sign transactions, generating one on first
// run the same way the fleet's other operator keys are provisioned.
package operatorkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

var ErrInvalidKey = errors.New("operatorkey: invalid key")

// EnsurePrivateKeyFile loads a secp256k1 private key from path, generating
// one if absent. The key is stored as lowercase hex without 0x prefix and
// mode 0600 on Unix. The bool return reports whether a new key was
// generated.
func EnsurePrivateKeyFile(path string) (*btcec.PrivateKey, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, fmt.Errorf("operatorkey: key path required")
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, parseErr := parsePrivateKeyHex(string(raw))
		if parseErr != nil {
			return nil, false, fmt.Errorf("operatorkey: parse key %s: %w", path, parseErr)
		}
		return key, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("operatorkey: read key %s: %w", path, err)
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, false, fmt.Errorf("operatorkey: generate key: %w", err)
	}
	keyHex := hex.EncodeToString(key.Serialize())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("operatorkey: create key dir: %w", err)
	}
	if err := writeFile0600(path, []byte(keyHex+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func parsePrivateKeyHex(raw string) (*btcec.PrivateKey, error) {
	keyHex := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	b, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrInvalidKey)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return key, nil
}

// PublicKeyHex returns the compressed public key as lowercase hex, the
// registry's signer identity format.
func PublicKeyHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func writeFile0600(path string, bytes []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("operatorkey: open key for write %s: %w", path, err)
	}
	if _, err := f.Write(bytes); err != nil {
		_ = f.Close()
		return fmt.Errorf("operatorkey: write key %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("operatorkey: sync key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("operatorkey: close key %s: %w", path, err)
	}
	return nil
}
