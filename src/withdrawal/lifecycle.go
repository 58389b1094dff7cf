// Package withdrawal holds the lifecycle of outgoing transaction records and
// the ledger writes that go with each transition.
//
//	pending --accepted--> broadcast
//	pending --rejected--> failed
//	pending --lost------> unknown
//	pending, unknown --found----> broadcast
//	pending, unknown --released-> failed
//	failed --retried--> pending
package withdrawal

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/types"
)

// Event moves an outgoing record to its next status.
type Event string

const (
	// Accepted is fired when the node accepted the broadcast.
	Accepted Event = "accepted"
	// Rejected is fired when the node rejected the broadcast.
	Rejected Event = "rejected"
	// Lost is fired when the broadcast outcome is undetermined.
	Lost Event = "lost"
	// Found is fired when the chain knows a transaction whose broadcast was
	// never confirmed to us.
	Found Event = "found"
	// Released is fired when an operator gives up on a transaction that
	// never reached the chain.
	Released Event = "released"
	// Retried is fired when a failed withdrawal is rebuilt into the very
	// same transaction.
	Retried Event = "retried"
)

var events = fsm.Events{
	{Name: string(Accepted), Src: []string{string(types.StatusPending)}, Dst: string(types.StatusBroadcast)},
	{Name: string(Rejected), Src: []string{string(types.StatusPending)}, Dst: string(types.StatusFailed)},
	{Name: string(Lost), Src: []string{string(types.StatusPending)}, Dst: string(types.StatusUnknown)},
	{
		Name: string(Found),
		Src:  []string{string(types.StatusPending), string(types.StatusUnknown)},
		Dst:  string(types.StatusBroadcast),
	},
	{
		Name: string(Released),
		Src:  []string{string(types.StatusPending), string(types.StatusUnknown)},
		Dst:  string(types.StatusFailed),
	},
	{Name: string(Retried), Src: []string{string(types.StatusFailed)}, Dst: string(types.StatusPending)},
}

// ErrConflict is returned when a ledger row changed under a transition, e.g.
// an input was spent by a concurrent writer.
var ErrConflict = errors.New("ledger changed concurrently")

// Next returns the status an outgoing record in status from moves to on ev.
func Next(ctx context.Context, from types.Status, ev Event) (types.Status, error) {
	machine := fsm.NewFSM(string(from), events, fsm.Callbacks{})
	if err := machine.Event(ctx, string(ev)); err != nil {
		return "", errors.Wrapf(err, "%s on %s record", ev, from)
	}
	return types.Status(machine.Current()), nil
}

// transition applies ev to rec both in the ledger and in memory.
func transition(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord, ev Event) error {
	to, err := Next(ctx, rec.Status, ev)
	if err != nil {
		return err
	}
	ok, err := tx.SetTransactionStatus(ctx, rec.TxID, rec.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrConflict, "record %s is no longer %s", rec.TxID, rec.Status)
	}
	rec.Status = to
	return nil
}

// Reserve stores rec as pending and marks its inputs spent by it, so that no
// other withdrawal can select them. The balance is recomputed.
func Reserve(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord, inputs []types.UTXO, now time.Time) error {
	if rec.Status != types.StatusPending || rec.Direction != types.Outgoing {
		return errors.Errorf("cannot reserve a %s %s record", rec.Status, rec.Direction)
	}

	ok, err := tx.InsertTransaction(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := Next(ctx, types.StatusFailed, Retried); err != nil {
			return err
		}
		if ok, err = tx.RetryTransaction(ctx, rec); err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrConflict, "record %s exists", rec.TxID)
		}
	}

	spentBy := rec.TxID
	for _, in := range inputs {
		ok, err := tx.MarkUTXOSpent(ctx, in.Outpoint, &spentBy, now)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrConflict, "input %s is already spent", in.Outpoint)
		}
	}

	_, err = tx.RecomputeBalance(ctx, now)
	return err
}

// Confirm moves rec to broadcast via ev (Accepted or Found), credits the
// owning user and starts tracking the change output paying to address. A
// transaction without change leaves nothing to track and its record is
// marked spent right away.
func Confirm(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord, ev Event, address string, now time.Time) error {
	if err := transition(ctx, tx, rec, ev); err != nil {
		return err
	}

	if rec.UserID != nil {
		if err := tx.AddUserWithdrawn(ctx, *rec.UserID, rec.Satoshis, now); err != nil {
			return err
		}
	}

	change := rec.Decoded.OutputsTo(address)
	for _, out := range change {
		_, err := tx.InsertUTXO(ctx, &types.UTXO{
			Outpoint:     types.Outpoint{TxID: rec.TxID, Vout: out.Vout},
			Address:      address,
			Satoshis:     out.Satoshis,
			ScriptPubKey: out.LockingScript,
		}, now)
		if err != nil {
			return err
		}
	}
	if len(change) == 0 {
		if _, err := tx.MarkTransactionSpent(ctx, rec.TxID); err != nil {
			return err
		}
		rec.Spent = true
	}

	_, err := tx.RecomputeBalance(ctx, now)
	return err
}

// Fail moves rec to failed via ev (Rejected or Released) and makes its
// reserved inputs spendable again. It returns the number of released inputs.
func Fail(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord, ev Event, now time.Time) (int64, error) {
	if err := transition(ctx, tx, rec, ev); err != nil {
		return 0, err
	}
	released, err := tx.ReleaseUTXOs(ctx, rec.TxID, now)
	if err != nil {
		return 0, err
	}
	if _, err := tx.RecomputeBalance(ctx, now); err != nil {
		return 0, err
	}
	return released, nil
}

// MarkUnknown moves rec to unknown. Its inputs stay reserved.
func MarkUnknown(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord) error {
	return transition(ctx, tx, rec, Lost)
}
