package operatorkey

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestEnsurePrivateKeyFile_CreatesAndReuses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "operator.key")

	key1, created1, err := EnsurePrivateKeyFile(path)
	if err != nil {
		t.Fatalf("EnsurePrivateKeyFile create: %v", err)
	}
	if !created1 {
		t.Fatalf("created1: got false want true")
	}
	pub1 := PublicKeyHex(key1)
	if len(pub1) != 66 {
		t.Fatalf("public key hex format invalid: %q", pub1)
	}

	key2, created2, err := EnsurePrivateKeyFile(path)
	if err != nil {
		t.Fatalf("EnsurePrivateKeyFile reuse: %v", err)
	}
	if created2 {
		t.Fatalf("created2: got true want false")
	}
	pub2 := PublicKeyHex(key2)
	if pub2 != pub1 {
		t.Fatalf("public key mismatch: got %q want %q", pub2, pub1)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat key: %v", err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Fatalf("permissions: got %o want 600", got)
		}
	}
}

func TestEnsurePrivateKeyFile_RejectsMalformedHex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "operator.key")
	if err := os.WriteFile(path, []byte("not-hex\n"), 0o600); err != nil {
		t.Fatalf("seed malformed key file: %v", err)
	}

	if _, _, err := EnsurePrivateKeyFile(path); err == nil {
		t.Fatalf("expected parse error for malformed key file")
	}
}
