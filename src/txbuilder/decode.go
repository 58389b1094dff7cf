package txbuilder

import (
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// DecodeRaw parses a serialized transaction into its stored form.
func DecodeRaw(raw []byte, mainnet bool) (*bt.Tx, types.DecodedTx, error) {
	tx, err := bt.NewTxFromBytes(raw)
	if err != nil {
		return nil, types.DecodedTx{}, errors.Wrap(err, "could not decode transaction")
	}
	return tx, Decode(tx, mainnet), nil
}

// Decode converts tx into the structured form kept for audit. Outputs whose
// locking script is not P2PKH carry no address.
func Decode(tx *bt.Tx, mainnet bool) types.DecodedTx {
	d := types.DecodedTx{
		TxID:     tx.TxID(),
		Version:  tx.Version,
		LockTime: tx.LockTime,
		Inputs:   make([]types.DecodedInput, 0, len(tx.Inputs)),
		Outputs:  make([]types.DecodedOutput, 0, len(tx.Outputs)),
	}

	for _, in := range tx.Inputs {
		di := types.DecodedInput{
			TxID:     in.PreviousTxIDStr(),
			Vout:     in.PreviousTxOutIndex,
			Sequence: in.SequenceNumber,
		}
		if in.UnlockingScript != nil {
			di.ScriptSig, _ = in.UnlockingScript.ToASM()
		}
		d.Inputs = append(d.Inputs, di)
	}

	for i, out := range tx.Outputs {
		do := types.DecodedOutput{
			Vout:     uint32(i),
			Satoshis: out.Satoshis,
		}
		if out.LockingScript != nil {
			do.LockingScript = out.LockingScript.String()
			do.ASM, _ = out.LockingScript.ToASM()
			do.Address = AddressOf(out.LockingScript, mainnet)
		}
		d.Outputs = append(d.Outputs, do)
	}
	return d
}

// AddressOf returns the P2PKH address a locking script pays to, or nil.
func AddressOf(s *bscript.Script, mainnet bool) *string {
	if s == nil || !s.IsP2PKH() {
		return nil
	}
	pkh, err := s.PublicKeyHash()
	if err != nil {
		return nil
	}
	addr, err := bscript.NewAddressFromPublicKeyHash(pkh, mainnet)
	if err != nil {
		return nil
	}
	return &addr.AddressString
}
