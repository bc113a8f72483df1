package txbuilder

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func testInput(t *testing.T, key *btcec.PrivateKey, satoshis int64) Input {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(key.PubKey().SerializeCompressed())).
		Script()
	if err != nil {
		t.Fatalf("build locking script: %v", err)
	}
	return Input{
		TxID:          strings.Repeat("ab", 32),
		Vout:          0,
		Satoshis:      satoshis,
		LockingScript: script,
	}
}

func changeAddressFor(key *btcec.PrivateKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func TestBuild_OneInputOneDataOutputOneChangeOutput(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	input := testInput(t, key, 10000)

	addr, err := changeAddressFor(key, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("changeAddressFor: %v", err)
	}

	res, err := Build(Params{
		Input:         input,
		RecordHash:    strings.Repeat("11", 32),
		ChangeAddress: addr,
		SigningKey:    key,
		FeeRateSatKB:  1000,
		ChainParams:   &chaincfg.RegressionNetParams,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.RawTx) == 0 {
		t.Fatalf("expected non-empty raw tx")
	}
	if res.FeeSats <= 0 {
		t.Fatalf("expected positive fee, got %d", res.FeeSats)
	}
	if res.ChangeOut != input.Satoshis-res.FeeSats {
		t.Fatalf("change mismatch: got %d want %d", res.ChangeOut, input.Satoshis-res.FeeSats)
	}
	if res.VSize <= 0 {
		t.Fatalf("expected positive vsize")
	}
}

func TestBuild_InsufficientFunds(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	input := testInput(t, key, 1)

	addr, err := changeAddressFor(key, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("changeAddressFor: %v", err)
	}

	_, err = Build(Params{
		Input:         input,
		RecordHash:    strings.Repeat("11", 32),
		ChangeAddress: addr,
		SigningKey:    key,
		FeeRateSatKB:  100000,
		ChainParams:   &chaincfg.RegressionNetParams,
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBuild_MissingChangeAddress(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	input := testInput(t, key, 1000)

	_, err := Build(Params{
		Input:        input,
		RecordHash:   strings.Repeat("11", 32),
		SigningKey:   key,
		FeeRateSatKB: 1000,
	})
	if err == nil {
		t.Fatalf("expected error for missing change address")
	}
}
