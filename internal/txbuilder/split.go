package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SplitParams carries everything needed to build the replenisher's
// one-input, K-equal-output, one-change-output transaction.
type SplitParams struct {
	Input         Input
	UnitValue     int64 // satoshis per split output
	OutputCount   int   // K
	ChangeAddress string
	OutputAddress string // witness address the K unit outputs pay to; same key as ChangeAddress in practice
	SigningKey    *btcec.PrivateKey
	FeeRateSatKB  int64
	ChainParams   *chaincfg.Params
}

// SplitResult is the serialized, signed split transaction.
type SplitResult struct {
	RawTx       []byte
	TxID        string
	VSize       int64
	FeeSats     int64
	ChangeOut   int64
	OutputCount int
}

// BuildSplit constructs and signs a transaction spending Input into
// OutputCount outputs of UnitValue plus one change output, funding the
// publish pool's small single-use inputs.
func BuildSplit(p SplitParams) (SplitResult, error) {
	if p.Input.TxID == "" || p.SigningKey == nil || p.ChangeAddress == "" || p.OutputAddress == "" {
		return SplitResult{}, fmt.Errorf("%w: missing input, signing key, change address, or output address", ErrInvalidConfig)
	}
	if p.OutputCount <= 0 || p.UnitValue <= 0 {
		return SplitResult{}, fmt.Errorf("%w: output count and unit value must be > 0", ErrInvalidConfig)
	}
	if p.FeeRateSatKB <= 0 {
		return SplitResult{}, fmt.Errorf("%w: fee rate must be > 0", ErrInvalidConfig)
	}
	chainParams := p.ChainParams
	if chainParams == nil {
		chainParams = &chaincfg.MainNetParams
	}

	prevHash, err := chainhash.NewHashFromStr(p.Input.TxID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: parse prev txid: %w", err)
	}

	outputAddr, err := btcutil.DecodeAddress(p.OutputAddress, chainParams)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: decode output address: %w", err)
	}
	outputScript, err := txscript.PayToAddrScript(outputAddr)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: build output script: %w", err)
	}

	changeAddr, err := btcutil.DecodeAddress(p.ChangeAddress, chainParams)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: decode change address: %w", err)
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: build change script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *prevHash, Index: p.Input.Vout},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for i := 0; i < p.OutputCount; i++ {
		tx.AddTxOut(wire.NewTxOut(p.UnitValue, outputScript))
	}
	tx.AddTxOut(wire.NewTxOut(0, changeScript)) // value filled in below
	changeIdx := len(tx.TxOut) - 1

	fee := (estimateVSize(tx) * p.FeeRateSatKB) / 1000
	if fee < 1 {
		fee = 1
	}
	spent := p.UnitValue*int64(p.OutputCount) + fee
	changeValue := p.Input.Satoshis - spent
	if changeValue < 0 {
		return SplitResult{}, ErrInsufficientFunds
	}
	tx.TxOut[changeIdx].Value = changeValue

	fetcher := txscript.NewCannedPrevOutputFetcher(p.Input.LockingScript, p.Input.Satoshis)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, 0, p.Input.Satoshis, p.Input.LockingScript, txscript.SigHashAll, p.SigningKey)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: sign input: %w", err)
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, p.SigningKey.PubKey().SerializeCompressed()}

	rawTx, err := serializeTx(tx)
	if err != nil {
		return SplitResult{}, fmt.Errorf("txbuilder: serialize: %w", err)
	}

	return SplitResult{
		RawTx:       rawTx,
		TxID:        tx.TxHash().String(),
		VSize:       vsize(tx),
		FeeSats:     fee,
		ChangeOut:   changeValue,
		OutputCount: p.OutputCount,
	}, nil
}
