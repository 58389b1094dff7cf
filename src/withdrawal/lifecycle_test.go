package withdrawal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/test"
	"github.com/0xb10c/treasury-go/src/types"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func TestNext(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		from types.Status
		ev   Event
		to   types.Status
	}{
		{types.StatusPending, Accepted, types.StatusBroadcast},
		{types.StatusPending, Rejected, types.StatusFailed},
		{types.StatusPending, Lost, types.StatusUnknown},
		{types.StatusPending, Found, types.StatusBroadcast},
		{types.StatusUnknown, Found, types.StatusBroadcast},
		{types.StatusUnknown, Released, types.StatusFailed},
		{types.StatusFailed, Retried, types.StatusPending},
	}
	for _, c := range cases {
		to, err := Next(ctx, c.from, c.ev)
		require.NoError(t, err, "%s on %s", c.ev, c.from)
		assert.Equal(t, c.to, to)
	}

	illegal := []struct {
		from types.Status
		ev   Event
	}{
		{types.StatusBroadcast, Rejected},
		{types.StatusFailed, Accepted},
		{types.StatusUnknown, Accepted},
		{types.StatusConfirmed, Found},
		{types.StatusBroadcast, Released},
		{types.StatusPending, Retried},
	}
	for _, c := range illegal {
		_, err := Next(ctx, c.from, c.ev)
		assert.Error(t, err, "%s on %s", c.ev, c.from)
	}
}

type fixture struct {
	st     *storage.Storage
	inputs []types.UTXO
	rec    *types.TransactionRecord
}

func newFixture(t *testing.T, withChange bool) *fixture {
	ctx := context.Background()
	st, err := storage.NewStorage(storage.DriverSQLite, filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st}
	for i, v := range []uint64{30_000, 20_000, 5_000} {
		u := types.UTXO{
			Outpoint:     types.Outpoint{TxID: test.GenerateTxID("deposit"), Vout: uint32(i)},
			Address:      test.TreasuryAddress,
			Satoshis:     v,
			ScriptPubKey: "76a914",
		}
		_, err := st.InsertUTXO(ctx, &u, t0)
		require.NoError(t, err)
		if i < 2 {
			f.inputs = append(f.inputs, u)
		}
	}
	_, err = st.RecomputeBalance(ctx, t0)
	require.NoError(t, err)

	treasury, dest := test.TreasuryAddress, test.DestinationAddress
	txid := test.GenerateTxID("withdrawal")
	decoded := types.DecodedTx{
		TxID:    txid,
		Outputs: []types.DecodedOutput{{Vout: 0, Satoshis: 40_000, Address: &dest}},
	}
	if withChange {
		decoded.Outputs = append(decoded.Outputs, types.DecodedOutput{Vout: 1, Satoshis: 9_800, Address: &treasury, LockingScript: "76a914"})
	}
	user := "alice"
	f.rec = &types.TransactionRecord{
		TxID:      txid,
		Date:      t0,
		Direction: types.Outgoing,
		Status:    types.StatusPending,
		RawTx:     "0100",
		Decoded:   decoded,
		Satoshis:  40_000,
		UserID:    &user,
	}
	return f
}

func (f *fixture) reserve(t *testing.T) {
	err := f.st.Exclusive(context.Background(), func(tx *storage.LedgerTx) error {
		return Reserve(context.Background(), tx, f.rec, f.inputs, t0)
	})
	require.NoError(t, err)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	for _, in := range f.inputs {
		u, err := f.st.UTXO(ctx, in.Outpoint)
		require.NoError(t, err)
		assert.True(t, u.Spent)
		require.NotNil(t, u.SpentByTxID)
		assert.Equal(t, f.rec.TxID, *u.SpentByTxID)
	}

	b, err := f.st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), b.TotalSatoshis)

	rec, err := f.st.Transaction(ctx, f.rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestReserve_ConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	other := *f.rec
	other.TxID = test.GenerateTxID("competing")
	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Reserve(ctx, tx, &other, f.inputs, t0)
	})
	require.True(t, errors.Is(err, ErrConflict))

	_, err = f.st.Transaction(ctx, other.TxID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Confirm(ctx, tx, f.rec, Accepted, test.TreasuryAddress, t0)
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusBroadcast, f.rec.Status)

	change, err := f.st.UTXO(ctx, types.Outpoint{TxID: f.rec.TxID, Vout: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(9_800), change.Satoshis)
	assert.False(t, change.Spent)

	b, err := f.st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(14_800), b.TotalSatoshis)

	withdrawn, err := f.st.UserWithdrawn(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), withdrawn)

	rec, err := f.st.Transaction(ctx, f.rec.TxID)
	require.NoError(t, err)
	assert.False(t, rec.Spent)

	// a second confirmation is refused
	err = f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Confirm(ctx, tx, f.rec, Found, test.TreasuryAddress, t0)
	})
	assert.Error(t, err)
	withdrawn, err = f.st.UserWithdrawn(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), withdrawn)
}

func TestConfirm_WithoutChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.reserve(t)

	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Confirm(ctx, tx, f.rec, Accepted, test.TreasuryAddress, t0)
	})
	require.NoError(t, err)

	rec, err := f.st.Transaction(ctx, f.rec.TxID)
	require.NoError(t, err)
	assert.True(t, rec.Spent)
	assert.Equal(t, types.StatusBroadcast, rec.Status)
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	var released int64
	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) (err error) {
		released, err = Fail(ctx, tx, f.rec, Rejected, t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	b, err := f.st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(55_000), b.TotalSatoshis)

	withdrawn, err := f.st.UserWithdrawn(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, withdrawn)
}

func TestMarkUnknownThenRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return MarkUnknown(ctx, tx, f.rec)
	})
	require.NoError(t, err)

	// inputs stay reserved while the outcome is open
	b, err := f.st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), b.TotalSatoshis)

	err = f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		_, err := Fail(ctx, tx, f.rec, Released, t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, f.rec.Status)
}

func TestReserve_RetriesFailedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.reserve(t)

	err := f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		_, err := Fail(ctx, tx, f.rec, Rejected, t0)
		return err
	})
	require.NoError(t, err)

	// the same inputs and outputs sign into the same transaction
	retry := *f.rec
	retry.Status = types.StatusPending
	key := "second-attempt"
	retry.IdempotencyKey = &key
	err = f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Reserve(ctx, tx, &retry, f.inputs, t0.Add(time.Minute))
	})
	require.NoError(t, err)

	rec, err := f.st.TransactionByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)

	b, err := f.st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), b.TotalSatoshis)

	// a pending record is not replaced
	err = f.st.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return Reserve(ctx, tx, &retry, f.inputs, t0.Add(time.Minute))
	})
	assert.True(t, errors.Is(err, ErrConflict))
}
