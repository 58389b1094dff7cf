package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

var utxoFields = []string{
	"txid", "vout", "address", "amount_satoshis", "script_pub_key",
	"confirmations", "spent", "spent_by_txid", "created_at", "updated_at",
}

type UTXOIterator struct {
	rows *sql.Rows
}

// Next returns the next output or nil once the rows are exhausted.
func (i *UTXOIterator) Next() (*types.UTXO, error) {
	if !i.rows.Next() {
		return nil, i.rows.Err()
	}

	var u types.UTXO
	var amount int64
	var createdAt, updatedAt int64
	err := i.rows.Scan(
		&u.TxID,
		&u.Vout,
		&u.Address,
		&amount,
		&u.ScriptPubKey,
		&u.Confirmations,
		&u.Spent,
		&u.SpentByTxID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not scan utxo")
	}
	u.Satoshis = uint64(amount)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

// Collect reads all remaining rows and closes the iterator.
func (i *UTXOIterator) Collect() (res []types.UTXO, err error) {
	defer i.Close()
	for {
		u, err := i.Next()
		if err != nil {
			return nil, err
		}
		if u == nil {
			return res, nil
		}
		res = append(res, *u)
	}
}

func (i *UTXOIterator) Close() error {
	return i.rows.Close()
}

func (l *ledger) QueryUTXOs(ctx context.Context, q Query) (*UTXOIterator, error) {
	query, args := formatQuery(utxoFields, "utxo", q)
	rows, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error in utxo query %v", q)
	}
	return &UTXOIterator{rows}, nil
}

// UTXOs returns all outputs matching q.
func (l *ledger) UTXOs(ctx context.Context, q UTXOQuery) ([]types.UTXO, error) {
	it, err := l.QueryUTXOs(ctx, q)
	if err != nil {
		return nil, err
	}
	return it.Collect()
}

// SpendableUTXOs returns the unspent outputs of address in selection order.
func (l *ledger) SpendableUTXOs(ctx context.Context, address string) ([]types.UTXO, error) {
	return l.UTXOs(ctx, UTXOQuery{Address: address, OnlyUnspent: true})
}

func (l *ledger) UTXO(ctx context.Context, op types.Outpoint) (*types.UTXO, error) {
	it, err := l.QueryUTXOs(ctx, utxoByOutpoint(op))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	u, err := it.Next()
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.Wrapf(ErrNotFound, "utxo %s", op)
	}
	return u, nil
}

type utxoByOutpoint types.Outpoint

func (q utxoByOutpoint) Where() (string, []interface{}) {
	return "txid = ? AND vout = ?", []interface{}{q.TxID, int64(q.Vout)}
}

func (q utxoByOutpoint) Order() string { return "" }
func (q utxoByOutpoint) Limit() int    { return 1 }

// InsertUTXO stores a new output. It returns false if the output is already
// known, in which case the stored row is left untouched.
func (l *ledger) InsertUTXO(ctx context.Context, u *types.UTXO, now time.Time) (bool, error) {
	const insertUTXO = `
	INSERT INTO utxo (
		txid, vout, address, amount_satoshis, script_pub_key,
		confirmations, spent, spent_by_txid, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (txid, vout) DO NOTHING`

	res, err := l.exec(ctx, insertUTXO,
		u.TxID, int64(u.Vout), u.Address, int64(u.Satoshis), u.ScriptPubKey,
		u.Confirmations, u.Spent, u.SpentByTxID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "could not insert utxo %s", u.Outpoint)
	}
	return affected(res)
}

// MarkUTXOSpent flips an unspent output to spent. spentBy may be nil when
// the spending transaction is unknown. It returns false if the output was
// already spent or does not exist.
func (l *ledger) MarkUTXOSpent(ctx context.Context, op types.Outpoint, spentBy *string, now time.Time) (bool, error) {
	const markSpent = `
	UPDATE utxo SET spent = TRUE, spent_by_txid = ?, updated_at = ?
	WHERE txid = ? AND vout = ? AND spent = FALSE`

	res, err := l.exec(ctx, markSpent, spentBy, now.Unix(), op.TxID, int64(op.Vout))
	if err != nil {
		return false, errors.Wrapf(err, "could not mark %s spent", op)
	}
	return affected(res)
}

// SetSpentBy records the spending transaction of an already spent output
// whose spender was unknown.
func (l *ledger) SetSpentBy(ctx context.Context, op types.Outpoint, spentBy string, now time.Time) (bool, error) {
	const setSpentBy = `
	UPDATE utxo SET spent_by_txid = ?, updated_at = ?
	WHERE txid = ? AND vout = ? AND spent = TRUE AND spent_by_txid IS NULL`

	res, err := l.exec(ctx, setSpentBy, spentBy, now.Unix(), op.TxID, int64(op.Vout))
	if err != nil {
		return false, errors.Wrapf(err, "could not set spender of %s", op)
	}
	return affected(res)
}

// ReviveUTXO makes an output spendable again that was flipped to spent
// without a known spender. Outputs reserved by a withdrawal are left alone.
// The record of the output's transaction loses its spent flag with it.
func (l *ledger) ReviveUTXO(ctx context.Context, op types.Outpoint, now time.Time) (bool, error) {
	const revive = `
	UPDATE utxo SET spent = FALSE, updated_at = ?
	WHERE txid = ? AND vout = ? AND spent = TRUE AND spent_by_txid IS NULL`

	res, err := l.exec(ctx, revive, now.Unix(), op.TxID, int64(op.Vout))
	if err != nil {
		return false, errors.Wrapf(err, "could not revive %s", op)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return ok, err
	}
	_, err = l.exec(ctx, `UPDATE "transaction" SET spent = FALSE WHERE txid = ? AND spent = TRUE`, op.TxID)
	if err != nil {
		return false, errors.Wrapf(err, "could not clear spent flag of transaction %s", op.TxID)
	}
	return true, nil
}

// ReleaseUTXOs makes the outputs reserved by spentBy spendable again and
// returns how many were released.
func (l *ledger) ReleaseUTXOs(ctx context.Context, spentBy string, now time.Time) (int64, error) {
	const release = `
	UPDATE utxo SET spent = FALSE, spent_by_txid = NULL, updated_at = ?
	WHERE spent_by_txid = ? AND spent = TRUE`

	res, err := l.exec(ctx, release, now.Unix(), spentBy)
	if err != nil {
		return 0, errors.Wrapf(err, "could not release outputs reserved by %s", spentBy)
	}
	return res.RowsAffected()
}

// UpdateConfirmations stores a new confirmation count if it changed.
func (l *ledger) UpdateConfirmations(ctx context.Context, op types.Outpoint, confirmations int64, now time.Time) (bool, error) {
	const update = `
	UPDATE utxo SET confirmations = ?, updated_at = ?
	WHERE txid = ? AND vout = ? AND confirmations <> ?`

	res, err := l.exec(ctx, update, confirmations, now.Unix(), op.TxID, int64(op.Vout), confirmations)
	if err != nil {
		return false, errors.Wrapf(err, "could not update confirmations of %s", op)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
