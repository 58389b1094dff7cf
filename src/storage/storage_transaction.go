package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

var transactionFields = []string{
	"txid", "recorded_at", "direction", "status", "raw_tx", "decoded_tx", "vout",
	"amount_satoshis", "fee_satoshis", "spent", "testnet", "user_id", "idempotency_key",
}

type TxIterator struct {
	rows *sql.Rows
}

// Next returns the next record or nil once the rows are exhausted.
func (i *TxIterator) Next() (*types.TransactionRecord, error) {
	if !i.rows.Next() {
		return nil, i.rows.Err()
	}

	var rec types.TransactionRecord
	var recordedAt, amount, fee int64
	var direction, status, decoded string
	err := i.rows.Scan(
		&rec.TxID,
		&recordedAt,
		&direction,
		&status,
		&rec.RawTx,
		&decoded,
		&rec.Vout,
		&amount,
		&fee,
		&rec.Spent,
		&rec.Testnet,
		&rec.UserID,
		&rec.IdempotencyKey,
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not scan transaction")
	}
	if err := json.Unmarshal([]byte(decoded), &rec.Decoded); err != nil {
		return nil, errors.Wrapf(err, "could not decode stored transaction %s", rec.TxID)
	}
	rec.Date = time.Unix(recordedAt, 0).UTC()
	rec.Direction = types.Direction(direction)
	rec.Status = types.Status(status)
	rec.Satoshis = uint64(amount)
	rec.FeeSatoshis = uint64(fee)
	return &rec, nil
}

// Collect reads all remaining rows and closes the iterator.
func (i *TxIterator) Collect() (res []types.TransactionRecord, err error) {
	defer i.Close()
	for {
		rec, err := i.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return res, nil
		}
		res = append(res, *rec)
	}
}

func (i *TxIterator) Close() error {
	return i.rows.Close()
}

func (l *ledger) QueryTransactions(ctx context.Context, q Query) (*TxIterator, error) {
	query, args := formatQuery(transactionFields, `"transaction"`, q)
	rows, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error in transaction query %v", q)
	}
	return &TxIterator{rows}, nil
}

// Transactions returns all records matching q.
func (l *ledger) Transactions(ctx context.Context, q TransactionQuery) ([]types.TransactionRecord, error) {
	it, err := l.QueryTransactions(ctx, q)
	if err != nil {
		return nil, err
	}
	return it.Collect()
}

type staticQuery struct {
	where string
	args  []interface{}
}

func (q staticQuery) Where() (string, []interface{}) { return q.where, q.args }
func (q staticQuery) Order() string                  { return "" }
func (q staticQuery) Limit() int                     { return 1 }

func (l *ledger) transaction(ctx context.Context, q staticQuery) (*types.TransactionRecord, error) {
	it, err := l.QueryTransactions(ctx, q)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	rec, err := it.Next()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Transaction returns the record of txid or ErrNotFound.
func (l *ledger) Transaction(ctx context.Context, txid string) (*types.TransactionRecord, error) {
	rec, err := l.transaction(ctx, staticQuery{where: "txid = ?", args: []interface{}{txid}})
	return rec, errors.Wrapf(err, "transaction %s", txid)
}

// TransactionByIdempotencyKey returns the outgoing record created for key or
// ErrNotFound.
func (l *ledger) TransactionByIdempotencyKey(ctx context.Context, key string) (*types.TransactionRecord, error) {
	rec, err := l.transaction(ctx, staticQuery{where: "idempotency_key = ?", args: []interface{}{key}})
	return rec, errors.Wrapf(err, "idempotency key %s", key)
}

// InsertTransaction stores a new record. It returns false if a record with
// the same txid exists.
func (l *ledger) InsertTransaction(ctx context.Context, rec *types.TransactionRecord) (bool, error) {
	const insertTransaction = `
	INSERT INTO "transaction" (
		txid, recorded_at, direction, status, raw_tx, decoded_tx, vout,
		amount_satoshis, fee_satoshis, spent, testnet, user_id, idempotency_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (txid) DO NOTHING`

	decoded, err := json.Marshal(rec.Decoded)
	if err != nil {
		return false, errors.Wrapf(err, "could not encode transaction %s", rec.TxID)
	}

	res, err := l.exec(ctx, insertTransaction,
		rec.TxID, rec.Date.Unix(), string(rec.Direction), string(rec.Status),
		rec.RawTx, string(decoded), int64(rec.Vout), int64(rec.Satoshis),
		int64(rec.FeeSatoshis), rec.Spent, rec.Testnet, rec.UserID, rec.IdempotencyKey,
	)
	if err != nil {
		return false, errors.Wrapf(err, "could not insert transaction %s", rec.TxID)
	}
	return affected(res)
}

// RetryTransaction replaces a failed outgoing record with rec, which must
// have the same txid. Rebuilding a rejected withdrawal from the same inputs
// yields the same transaction. It returns false if there is no failed record.
func (l *ledger) RetryTransaction(ctx context.Context, rec *types.TransactionRecord) (bool, error) {
	const retryTransaction = `
	UPDATE "transaction" SET
		recorded_at = ?, status = ?, raw_tx = ?, decoded_tx = ?, amount_satoshis = ?,
		fee_satoshis = ?, spent = FALSE, user_id = ?, idempotency_key = ?
	WHERE txid = ? AND direction = ? AND status = ?`

	decoded, err := json.Marshal(rec.Decoded)
	if err != nil {
		return false, errors.Wrapf(err, "could not encode transaction %s", rec.TxID)
	}

	res, err := l.exec(ctx, retryTransaction,
		rec.Date.Unix(), string(rec.Status), rec.RawTx, string(decoded), int64(rec.Satoshis),
		int64(rec.FeeSatoshis), rec.UserID, rec.IdempotencyKey,
		rec.TxID, string(types.Outgoing), string(types.StatusFailed),
	)
	if err != nil {
		return false, errors.Wrapf(err, "could not retry transaction %s", rec.TxID)
	}
	return affected(res)
}

// SetTransactionStatus moves a record from one status to another. It returns
// false if the record is not in status from.
func (l *ledger) SetTransactionStatus(ctx context.Context, txid string, from, to types.Status) (bool, error) {
	const setStatus = `UPDATE "transaction" SET status = ? WHERE txid = ? AND status = ?`

	res, err := l.exec(ctx, setStatus, string(to), txid, string(from))
	if err != nil {
		return false, errors.Wrapf(err, "could not set status of %s", txid)
	}
	return affected(res)
}

// MarkTransactionSpent flags a single record as spent.
func (l *ledger) MarkTransactionSpent(ctx context.Context, txid string) (bool, error) {
	res, err := l.exec(ctx, `UPDATE "transaction" SET spent = TRUE WHERE txid = ? AND spent = FALSE`, txid)
	if err != nil {
		return false, errors.Wrapf(err, "could not mark transaction %s spent", txid)
	}
	return affected(res)
}

// PropagateSpent marks every record spent whose tracked outputs are all
// spent. Records without tracked outputs are left alone.
func (l *ledger) PropagateSpent(ctx context.Context) (int64, error) {
	const propagate = `
	UPDATE "transaction" SET spent = TRUE
	WHERE spent = FALSE
		AND status IN ('confirmed', 'broadcast')
		AND EXISTS (SELECT 1 FROM utxo WHERE utxo.txid = "transaction".txid)
		AND NOT EXISTS (
			SELECT 1 FROM utxo WHERE utxo.txid = "transaction".txid AND utxo.spent = FALSE
		)`

	res, err := l.exec(ctx, propagate)
	if err != nil {
		return 0, errors.Wrap(err, "could not propagate spent status")
	}
	return res.RowsAffected()
}
