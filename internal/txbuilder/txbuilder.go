// Package txbuilder builds and signs the one-input, one-data-output,
// one-change-output transaction that anchors a record hash.
package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/codenlighten/sldrm-anchor/internal/canon"
)

var (
	ErrInvalidConfig     = errors.New("txbuilder: invalid config")
	ErrInsufficientFunds = errors.New("txbuilder: input value below outputs + fee")
)

// Payload is the compact data-carrier body written to the OP_RETURN output.
// Its wire form is not struct field order but the canonical form (keys
// sorted by code point): {"hash":"...","p":"sl-drm","v":1}.
type Payload struct {
	Protocol string `json:"p"`
	Version  int    `json:"v"`
	Hash     string `json:"hash"`
}

// canonicalBytes renders p in canonical form via internal/canon, rather
// than encoding/json's struct-declaration field order.
func (p Payload) canonicalBytes() ([]byte, error) {
	return canon.Canonicalize(map[string]any{
		"p":    p.Protocol,
		"v":    float64(p.Version),
		"hash": p.Hash,
	})
}

// Input describes the single reserved UTXO being spent. LockingScript must
// be a witness (P2WPKH) script, since the input is signed with
// RawTxInWitnessSignature.
type Input struct {
	TxID          string
	Vout          uint32
	Satoshis      int64
	LockingScript []byte
}

// Params carries everything needed to build and sign the transaction:
// the reserved UTXO, the record hash, the change address, the server
// signing key, and the fee rate.
type Params struct {
	Input         Input
	RecordHash    string // hex sha256, written into the OP_RETURN payload
	ChangeAddress string
	SigningKey    *btcec.PrivateKey
	FeeRateSatKB  int64 // satoshis per 1000 vbytes
	ChainParams   *chaincfg.Params
}

// Result is the serialized, signed transaction plus its size and fee.
type Result struct {
	RawTx     []byte
	TxID      string
	VSize     int64
	FeeSats   int64
	ChangeOut int64
}

// Build constructs the single-input, single-OP_RETURN-output,
// single-change-output transaction and signs the input in place.
//
// RawTxInWitnessSignature signs with btcec's ECDSA, which derives its nonce
// per RFC6979, so the signature is deterministic: retrying with the same
// reserved UTXO, record hash, change address and fee rate reproduces the
// same transaction and txid, which is what the broadcaster's
// mempool-conflict detection depends on.
func Build(p Params) (Result, error) {
	if p.Input.TxID == "" || p.SigningKey == nil || p.ChangeAddress == "" {
		return Result{}, fmt.Errorf("%w: missing input, signing key, or change address", ErrInvalidConfig)
	}
	if p.FeeRateSatKB <= 0 {
		return Result{}, fmt.Errorf("%w: fee rate must be > 0", ErrInvalidConfig)
	}
	chainParams := p.ChainParams
	if chainParams == nil {
		chainParams = &chaincfg.MainNetParams
	}

	prevHash, err := chainhash.NewHashFromStr(p.Input.TxID)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: parse prev txid: %w", err)
	}

	payload, err := Payload{Protocol: "sl-drm", Version: 1, Hash: p.RecordHash}.canonicalBytes()
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: canonicalize payload: %w", err)
	}
	dataScript, err := txscript.NullDataScript(payload)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: build data script: %w", err)
	}

	changeAddr, err := btcutil.DecodeAddress(p.ChangeAddress, chainParams)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: decode change address: %w", err)
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: build change script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *prevHash, Index: p.Input.Vout},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(0, dataScript))
	tx.AddTxOut(wire.NewTxOut(0, changeScript)) // value filled in below

	fee := (estimateVSize(tx) * p.FeeRateSatKB) / 1000
	if fee < 1 {
		fee = 1
	}
	changeValue := p.Input.Satoshis - fee
	if changeValue < 0 {
		return Result{}, ErrInsufficientFunds
	}
	tx.TxOut[1].Value = changeValue

	fetcher := txscript.NewCannedPrevOutputFetcher(p.Input.LockingScript, p.Input.Satoshis)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, 0, p.Input.Satoshis, p.Input.LockingScript, txscript.SigHashAll, p.SigningKey)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: sign input: %w", err)
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, p.SigningKey.PubKey().SerializeCompressed()}

	rawTx, err := serializeTx(tx)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: serialize: %w", err)
	}

	return Result{
		RawTx:     rawTx,
		TxID:      tx.TxHash().String(),
		VSize:     vsize(tx),
		FeeSats:   fee,
		ChangeOut: changeValue,
	}, nil
}

// estimateVSize computes fee-estimation vsize using a placeholder witness
// of the typical DER-signature + compressed-pubkey size, since the real
// signature isn't available until after the fee (and thus the change
// output value) is fixed.
func estimateVSize(tx *wire.MsgTx) int64 {
	orig := tx.TxIn[0].Witness
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 72), make([]byte, 33)}
	defer func() { tx.TxIn[0].Witness = orig }()
	return vsize(tx)
}

// vsize implements BIP 141's weight-to-vsize formula.
func vsize(tx *wire.MsgTx) int64 {
	base := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	weight := base*3 + total
	return (weight + 3) / 4
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
