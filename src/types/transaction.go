package types

import (
	"time"
)

// Direction tells whether a transaction paid into or out of the treasury.
type Direction string

const (
	// Incoming transactions are deposits detected by the synchronizer.
	Incoming Direction = "incoming"
	// Outgoing transactions are withdrawals built by the treasury.
	Outgoing Direction = "outgoing"
)

// Status is the lifecycle state of a TransactionRecord. Incoming records are
// always StatusConfirmed.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	// StatusPending is persisted before the broadcast is attempted.
	StatusPending Status = "pending"
	// StatusBroadcast means the node accepted the transaction.
	StatusBroadcast Status = "broadcast"
	// StatusFailed means the node rejected the transaction and the reserved
	// inputs were released.
	StatusFailed Status = "failed"
	// StatusUnknown means the broadcast outcome could not be determined. The
	// inputs stay reserved until the record is confirmed or resolved.
	StatusUnknown Status = "unknown"
)

// CountsTowardsLimit reports whether an outgoing record in this state may
// have moved funds and therefore counts against a user's withdrawal window.
func (s Status) CountsTowardsLimit() bool {
	return s == StatusPending || s == StatusBroadcast || s == StatusUnknown
}

// TransactionRecord is a transaction touching the treasury address.
type TransactionRecord struct {
	TxID           string    `json:"txid"`
	Date           time.Time `json:"date"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	RawTx          string    `json:"rawTx"`
	Decoded        DecodedTx `json:"decoded"`
	Vout           uint32    `json:"vout"`
	Satoshis       uint64    `json:"satoshis"`
	FeeSatoshis    uint64    `json:"feeSatoshis"`
	Spent          bool      `json:"spent"`
	Testnet        bool      `json:"testnet"`
	UserID         *string   `json:"userId,omitempty"`
	IdempotencyKey *string   `json:"idempotencyKey,omitempty"`
}

// DecodedTx is the structured form of a raw transaction kept for audit and
// display.
type DecodedTx struct {
	TxID     string          `json:"txid"`
	Version  uint32          `json:"version"`
	LockTime uint32          `json:"lockTime"`
	Inputs   []DecodedInput  `json:"inputs"`
	Outputs  []DecodedOutput `json:"outputs"`
}

// DecodedInput references the output an input spends.
type DecodedInput struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	ScriptSig string `json:"scriptSig"`
	Sequence  uint32 `json:"sequence"`
}

// DecodedOutput is a single output. Address is nil when the locking script
// could not be resolved to a P2PKH address.
type DecodedOutput struct {
	Vout          uint32  `json:"vout"`
	Satoshis      uint64  `json:"satoshis"`
	Address       *string `json:"address"`
	LockingScript string  `json:"lockingScript"`
	ASM           string  `json:"asm"`
}

// OutputsTo returns the outputs paying to address.
func (d *DecodedTx) OutputsTo(address string) (res []DecodedOutput) {
	for _, o := range d.Outputs {
		if o.Address != nil && *o.Address == address {
			res = append(res, o)
		}
	}
	return res
}
