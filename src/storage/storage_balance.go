package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// SumUnspent sums all unspent outputs.
func (l *ledger) SumUnspent(ctx context.Context) (uint64, error) {
	var sum int64
	err := l.queryRow(ctx,
		`SELECT CAST(COALESCE(SUM(amount_satoshis), 0) AS BIGINT) FROM utxo WHERE spent = FALSE`,
	).Scan(&sum)
	if err != nil {
		return 0, errors.Wrap(err, "could not sum unspent outputs")
	}
	return uint64(sum), nil
}

// Balance returns the stored aggregate. Before the first recompute it is
// zero with a zero LastUpdated.
func (l *ledger) Balance(ctx context.Context) (*types.TreasuryBalance, error) {
	var total, lastUpdated int64
	err := l.queryRow(ctx,
		`SELECT total_balance_satoshis, last_updated FROM treasury_balance WHERE id = 1`,
	).Scan(&total, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.TreasuryBalance{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read balance")
	}
	return &types.TreasuryBalance{
		TotalSatoshis: uint64(total),
		LastUpdated:   time.Unix(lastUpdated, 0).UTC(),
	}, nil
}

// RecomputeBalance overwrites the aggregate with the sum of the unspent
// outputs. It is never patched incrementally.
func (l *ledger) RecomputeBalance(ctx context.Context, now time.Time) (*types.TreasuryBalance, error) {
	sum, err := l.SumUnspent(ctx)
	if err != nil {
		return nil, err
	}

	const upsertBalance = `
	INSERT INTO treasury_balance (id, total_balance_satoshis, last_updated) VALUES (1, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		total_balance_satoshis = excluded.total_balance_satoshis,
		last_updated = excluded.last_updated`

	if _, err := l.exec(ctx, upsertBalance, int64(sum), now.Unix()); err != nil {
		return nil, errors.Wrap(err, "could not store balance")
	}
	return &types.TreasuryBalance{TotalSatoshis: sum, LastUpdated: time.Unix(now.Unix(), 0).UTC()}, nil
}

// CheckIntegrity compares the stored aggregate with the unspent outputs and
// returns a *DataIntegrityError if they differ. A ledger that never had its
// balance computed is consistent only while it holds no unspent outputs.
func (l *ledger) CheckIntegrity(ctx context.Context) error {
	stored, err := l.Balance(ctx)
	if err != nil {
		return err
	}
	computed, err := l.SumUnspent(ctx)
	if err != nil {
		return err
	}
	if stored.TotalSatoshis != computed {
		return &DataIntegrityError{Stored: stored.TotalSatoshis, Computed: computed}
	}
	return nil
}

// AddUserWithdrawn increments the lifetime withdrawal counter of a user.
func (l *ledger) AddUserWithdrawn(ctx context.Context, userID string, satoshis uint64, now time.Time) error {
	const upsertUser = `
	INSERT INTO treasury_user (user_id, withdrawn_satoshis, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		withdrawn_satoshis = treasury_user.withdrawn_satoshis + excluded.withdrawn_satoshis,
		updated_at = excluded.updated_at`

	if _, err := l.exec(ctx, upsertUser, userID, int64(satoshis), now.Unix()); err != nil {
		return errors.Wrapf(err, "could not update withdrawals of user %s", userID)
	}
	return nil
}

// UserWithdrawn returns the lifetime withdrawal counter of a user.
func (l *ledger) UserWithdrawn(ctx context.Context, userID string) (uint64, error) {
	var total int64
	err := l.queryRow(ctx,
		`SELECT withdrawn_satoshis FROM treasury_user WHERE user_id = ?`, userID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "could not read withdrawals of user %s", userID)
	}
	return uint64(total), nil
}

// WithdrawalWindow sums the outgoing records of a user after since that may
// have moved funds.
func (l *ledger) WithdrawalWindow(ctx context.Context, userID string, since time.Time) (*types.WithdrawalWindow, error) {
	const window = `
	SELECT CAST(COALESCE(SUM(amount_satoshis), 0) AS BIGINT), MAX(recorded_at)
	FROM "transaction"
	WHERE user_id = ? AND direction = ? AND recorded_at > ? AND status IN (?, ?, ?)`

	var total int64
	var last sql.NullInt64
	err := l.queryRow(ctx, window,
		userID, string(types.Outgoing), since.Unix(),
		string(types.StatusPending), string(types.StatusBroadcast), string(types.StatusUnknown),
	).Scan(&total, &last)
	if err != nil {
		return nil, errors.Wrapf(err, "could not compute withdrawal window of user %s", userID)
	}

	w := &types.WithdrawalWindow{UserID: userID, TotalSatoshis: uint64(total)}
	if last.Valid {
		t := time.Unix(last.Int64, 0).UTC()
		w.LastWithdrawal = &t
	}
	return w, nil
}
