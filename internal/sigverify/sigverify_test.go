package sigverify

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"
)

func TestVerify_ValidSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("record body"))
	sig := ecdsa.Sign(priv, msgHash[:])

	ok, err := Verify(priv.PubKey().SerializeCompressed(), msgHash, sig.Serialize())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("record body"))
	sig := ecdsa.Sign(priv, msgHash[:])

	ok, err := Verify(other.PubKey().SerializeCompressed(), msgHash, sig.Serialize())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_MalformedInputsDoNotPanic(t *testing.T) {
	_, err := Verify([]byte{0x01, 0x02}, [32]byte{}, []byte{0x03})
	require.Error(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = Verify(priv.PubKey().SerializeCompressed(), [32]byte{}, []byte{0xde, 0xad})
	require.Error(t, err)
}
