// Package chain describes the data source the treasury reconciles against: a
// JSON-RPC node or a UTXO indexer.
package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// Unspent is an output reported as unspent by the chain data source.
type Unspent struct {
	TxID          string
	Vout          uint32
	Satoshis      uint64
	ScriptPubKey  string
	Confirmations int64
}

// Outpoint returns the identity of the output.
func (u Unspent) Outpoint() types.Outpoint {
	return types.Outpoint{TxID: u.TxID, Vout: u.Vout}
}

// Client is the set of chain operations the treasury consumes.
//
// Calls fail with *NetworkError on transport failures and *NodeError when the
// backend rejected the call. Broadcast is not idempotent: any failure whose
// outcome is undetermined is reported as *BroadcastUnknownError and must not
// be retried blindly.
type Client interface {
	ListUnspent(ctx context.Context, address string) ([]Unspent, error)
	// GetRawTransaction returns nil without error if the transaction is
	// unknown to the backend.
	GetRawTransaction(ctx context.Context, txid string) ([]byte, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	BlockCount(ctx context.Context) (int64, error)
}

// SpendResolver is implemented by backends that can tell which transaction
// spent an output.
type SpendResolver interface {
	// SpendingTxID returns the spending txid, or false if the output is
	// unspent or the spend is unknown to the backend.
	SpendingTxID(ctx context.Context, op types.Outpoint) (string, bool, error)
}

// RawTxID computes the txid of a serialized transaction.
func RawTxID(raw []byte) string {
	return chainhash.DoubleHashH(raw).String()
}

// NetworkError is returned when the backend could not be reached.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %s", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NodeError is returned when the backend answered with an error.
type NodeError struct {
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// BroadcastUnknownError is returned when a broadcast may or may not have
// reached the network, e.g. after a timeout.
type BroadcastUnknownError struct {
	TxID string
	Err  error
}

func (e *BroadcastUnknownError) Error() string {
	return fmt.Sprintf("broadcast of %s has unknown outcome: %s", e.TxID, e.Err)
}

func (e *BroadcastUnknownError) Unwrap() error {
	return e.Err
}

// IsErrorNetwork is true if err is or wraps a *NetworkError.
func IsErrorNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsErrorNode is true if err is or wraps a *NodeError.
func IsErrorNode(err error) bool {
	var target *NodeError
	return errors.As(err, &target)
}

// IsErrorBroadcastUnknown is true if err is or wraps a *BroadcastUnknownError.
func IsErrorBroadcastUnknown(err error) bool {
	var target *BroadcastUnknownError
	return errors.As(err, &target)
}
