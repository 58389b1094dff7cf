// Package coinselect picks treasury outputs to fund a payment.
//
// The policy is greedy first-fit in snapshot order: outputs are accumulated
// one at a time until they cover the amount plus the estimated fee. It does
// not try to minimise the number of inputs or the change.
package coinselect

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// DefaultDustThreshold is the smallest change output worth creating.
const DefaultDustThreshold = 546

var (
	// ErrInsufficientFunds is matched by every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrZeroAmount        = errors.New("amount must be positive")
)

// InsufficientFundsError is returned when the whole snapshot cannot cover the
// payment and its fee.
type InsufficientFundsError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Selection is the result of a coin selection. Total always equals
// Amount + Fee + Absorbed + Change.
type Selection struct {
	Inputs []types.UTXO
	Total  uint64
	Amount uint64
	// Fee is the model fee for the final number of inputs and outputs.
	Fee uint64
	// Absorbed is leftover value below the dust threshold that is paid to
	// the miner instead of creating a change output.
	Absorbed uint64
	Change   uint64
}

// HasChange reports whether the payment needs a change output.
func (s *Selection) HasChange() bool {
	return s.Change > 0
}

// Outputs is the number of outputs of the payment.
func (s *Selection) Outputs() int {
	if s.HasChange() {
		return 2
	}
	return 1
}

// EffectiveFee is what the transaction pays to the miner.
func (s *Selection) EffectiveFee() uint64 {
	return s.Fee + s.Absorbed
}

// Select runs first-fit selection over snapshot for amount. Spent and
// zero-value outputs in the snapshot are skipped.
func Select(snapshot []types.UTXO, amount uint64, model FeeModel, dustThreshold uint64) (*Selection, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	var selected []types.UTXO
	var accumulated uint64
	covered := false

	for _, u := range snapshot {
		if u.Spent || u.Satoshis == 0 {
			continue
		}
		selected = append(selected, u)
		accumulated += u.Satoshis

		// assume a change output until we know better
		if accumulated >= amount+model.Fee(len(selected), 2) {
			covered = true
			break
		}
	}

	k := len(selected)
	if !covered {
		// Without a change output the fee is slightly lower, which may be
		// enough when the whole snapshot is used.
		if k == 0 || accumulated < amount+model.Fee(k, 1) {
			return nil, &InsufficientFundsError{
				Required:  amount + model.Fee(max(k, 1), 1),
				Available: accumulated,
			}
		}
	}

	sel := &Selection{
		Inputs: selected,
		Total:  accumulated,
		Amount: amount,
	}

	if covered {
		withChange := model.Fee(k, 2)
		if change := accumulated - amount - withChange; change > dustThreshold {
			sel.Fee = withChange
			sel.Change = change
			return sel, nil
		}
	}

	sel.Fee = model.Fee(k, 1)
	sel.Absorbed = accumulated - amount - sel.Fee
	return sel, nil
}
