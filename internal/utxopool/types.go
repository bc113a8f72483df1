// Package utxopool is the atomic reservation engine over the finite set of
// small single-use publish inputs.
package utxopool

import (
	"errors"
	"time"
)

var (
	ErrInvalidConfig = errors.New("utxopool: invalid config")
	ErrNotFound      = errors.New("utxopool: not found")
)

// Purpose classifies a UTXO by its role in the pool.
type Purpose string

const (
	PurposePublish Purpose = "publish"
	PurposeFunding Purpose = "funding"
	PurposeChange  Purpose = "change"
)

// Status is a UTXO's position in its reservation lifecycle.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSpent     Status = "spent"
)

// UTXO is a pool input row.
type UTXO struct {
	ID int64

	TxID string
	Vout uint32

	Satoshis     int64
	LockingScript []byte
	Address       string

	Purpose Purpose
	Status  Status

	ReservedAt      time.Time
	ReservedUntil   time.Time
	Dirty           bool
	SpentAt         time.Time
	SpentByTxID     string

	CreatedAt time.Time
}

// Reservation is what Reserve() hands back to a caller: just enough to
// build a transaction input.
type Reservation struct {
	ID            int64
	TxID          string
	Vout          uint32
	Satoshis      int64
	LockingScript []byte
}
