// Package txbuilder assembles and signs treasury payments.
package txbuilder

import (
	"context"
	"fmt"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/unlocker"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/types"
)

var ErrSourceNotFound = errors.New("source transaction not found")

// SourceFetchError is returned when the transaction funding an input cannot
// be retrieved or does not match the stored output.
type SourceFetchError struct {
	TxID string
	Vout uint32
	Err  error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("could not fetch source of %s:%d: %s", e.TxID, e.Vout, e.Err)
}

func (e *SourceFetchError) Unwrap() error {
	return e.Err
}

// SigningError is returned for unusable key material and incomplete
// signatures.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %s", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

func IsErrorSourceFetch(err error) bool {
	var target *SourceFetchError
	return errors.As(err, &target)
}

func IsErrorSigning(err error) bool {
	var target *SigningError
	return errors.As(err, &target)
}

// Request describes a payment. Change is paid to ChangeAddress when
// non-zero.
type Request struct {
	Inputs        []types.UTXO
	Destination   string
	Amount        uint64
	ChangeAddress string
	Change        uint64
}

// Signed is a fully signed transaction ready for broadcast.
type Signed struct {
	TxID    string
	Raw     []byte
	Decoded types.DecodedTx
	// Fee is the input value not paid to any output.
	Fee uint64
	// ChangeVout is the index of the change output, or -1.
	ChangeVout int
}

// Builder signs payments with P2PKH unlocking scripts. Source transactions
// are fetched through the chain client.
type Builder struct {
	chain   chain.Client
	mainnet bool
}

func New(c chain.Client, mainnet bool) *Builder {
	return &Builder{chain: c, mainnet: mainnet}
}

// Build fetches the source of every input, adds the payment and change
// outputs and signs all inputs with key. Nothing is broadcast.
func (b *Builder) Build(ctx context.Context, key *bec.PrivateKey, req Request) (*Signed, error) {
	if key == nil {
		return nil, &SigningError{Err: errors.New("no private key")}
	}
	if len(req.Inputs) == 0 {
		return nil, errors.New("payment without inputs")
	}

	owner, err := bscript.NewAddressFromPublicKey(key.PubKey(), b.mainnet)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	ownerScript, err := bscript.NewP2PKHFromAddress(owner.AddressString)
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	tx := bt.NewTx()
	var inputTotal uint64
	for _, in := range req.Inputs {
		prev, err := b.sourceOutput(ctx, in)
		if err != nil {
			return nil, err
		}
		if prev.LockingScript.String() != ownerScript.String() {
			return nil, &SigningError{Err: errors.Errorf("key does not control %s", in.Outpoint)}
		}
		if err := tx.From(in.TxID, in.Vout, prev.LockingScript.String(), prev.Satoshis); err != nil {
			return nil, errors.Wrapf(err, "could not add input %s", in.Outpoint)
		}
		inputTotal += prev.Satoshis
	}

	if err := tx.AddP2PKHOutputFromAddress(req.Destination, req.Amount); err != nil {
		return nil, errors.Wrapf(err, "invalid destination %s", req.Destination)
	}
	changeVout := -1
	if req.Change > 0 {
		if err := tx.AddP2PKHOutputFromAddress(req.ChangeAddress, req.Change); err != nil {
			return nil, errors.Wrapf(err, "invalid change address %s", req.ChangeAddress)
		}
		changeVout = 1
	}

	if outTotal := req.Amount + req.Change; outTotal > inputTotal {
		return nil, errors.Errorf("outputs (%d) exceed inputs (%d)", outTotal, inputTotal)
	}

	if err := tx.FillAllInputs(ctx, &unlocker.Getter{PrivateKey: key}); err != nil {
		return nil, &SigningError{Err: err}
	}
	for i, in := range tx.Inputs {
		if in.UnlockingScript == nil || len(*in.UnlockingScript) == 0 {
			return nil, &SigningError{Err: errors.Errorf("input %d left unsigned", i)}
		}
	}

	return &Signed{
		TxID:       tx.TxID(),
		Raw:        tx.Bytes(),
		Decoded:    Decode(tx, b.mainnet),
		Fee:        inputTotal - req.Amount - req.Change,
		ChangeVout: changeVout,
	}, nil
}

func (b *Builder) sourceOutput(ctx context.Context, in types.UTXO) (*bt.Output, error) {
	fail := func(err error) error {
		return &SourceFetchError{TxID: in.TxID, Vout: in.Vout, Err: err}
	}

	raw, err := b.chain.GetRawTransaction(ctx, in.TxID)
	if err != nil {
		return nil, fail(err)
	}
	if raw == nil {
		return nil, fail(ErrSourceNotFound)
	}
	src, err := bt.NewTxFromBytes(raw)
	if err != nil {
		return nil, fail(errors.Wrap(err, "could not decode source"))
	}
	if src.TxID() != in.TxID {
		return nil, fail(errors.Errorf("backend returned %s", src.TxID()))
	}
	if int(in.Vout) >= len(src.Outputs) {
		return nil, fail(errors.Errorf("source has %d outputs", len(src.Outputs)))
	}
	out := src.Outputs[in.Vout]
	if out.Satoshis != in.Satoshis {
		return nil, fail(errors.Errorf("source output holds %d satoshis, ledger has %d", out.Satoshis, in.Satoshis))
	}
	return out, nil
}
