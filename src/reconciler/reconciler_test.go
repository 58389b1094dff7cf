package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/logging"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/test"
	"github.com/0xb10c/treasury-go/src/types"
)

var t0 = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

func newStorage(t *testing.T) *storage.Storage {
	st, err := storage.NewStorage(storage.DriverSQLite, filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// ingest stores the live outputs of txid and an incoming record for it.
func ingest(t *testing.T, st *storage.Storage, fc *test.FakeChain, address, txid string) {
	ctx := context.Background()
	var total uint64
	for _, u := range fc.Unspent(address) {
		if u.TxID != txid {
			continue
		}
		_, err := st.InsertUTXO(ctx, &types.UTXO{
			Outpoint:      u.Outpoint(),
			Address:       address,
			Satoshis:      u.Satoshis,
			ScriptPubKey:  u.ScriptPubKey,
			Confirmations: u.Confirmations,
		}, t0)
		require.NoError(t, err)
		total += u.Satoshis
	}
	_, err := st.InsertTransaction(ctx, &types.TransactionRecord{
		TxID:      txid,
		Date:      t0,
		Direction: types.Incoming,
		Status:    types.StatusConfirmed,
		Decoded:   types.DecodedTx{TxID: txid},
		Satoshis:  total,
	})
	require.NoError(t, err)
	_, err = st.RecomputeBalance(ctx, t0)
	require.NoError(t, err)
}

func TestReconciler_FlipsVanishedOutputs(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)
	fc := test.NewFakeChain()

	txA := fc.Deposit(test.TreasuryAddress, 1_000, 2_000)
	txB := fc.Deposit(test.TreasuryAddress, 4_000)
	ingest(t, st, fc, test.TreasuryAddress, txA)
	ingest(t, st, fc, test.TreasuryAddress, txB)

	spender := test.GenerateTxID("spender")
	fc.SpendExternally(types.Outpoint{TxID: txA, Vout: 0}, spender)

	r := New(st, fc, logging.Discard())
	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.MarkedSpent)
	// one of two outputs left
	assert.Zero(t, res.RecordsSpent)
	assert.Equal(t, uint64(6_000), res.Balance.TotalSatoshis)

	u, err := st.UTXO(ctx, types.Outpoint{TxID: txA, Vout: 0})
	require.NoError(t, err)
	assert.True(t, u.Spent)
	require.NotNil(t, u.SpentByTxID)
	assert.Equal(t, spender, *u.SpentByTxID)

	fc.SpendExternally(types.Outpoint{TxID: txA, Vout: 1}, spender)
	res, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedSpent)
	assert.Equal(t, int64(1), res.RecordsSpent)

	rec, err := st.Transaction(ctx, txA)
	require.NoError(t, err)
	assert.True(t, rec.Spent)
	rec, err = st.Transaction(ctx, txB)
	require.NoError(t, err)
	assert.False(t, rec.Spent)
}

func TestReconciler_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)
	fc := test.NewFakeChain()

	txA := fc.Deposit(test.TreasuryAddress, 1_000, 2_000)
	ingest(t, st, fc, test.TreasuryAddress, txA)
	fc.SpendExternally(types.Outpoint{TxID: txA, Vout: 1}, test.GenerateTxID("spender"))

	r := New(st, fc, logging.Discard())
	first, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.MarkedSpent)

	before, err := st.Balance(ctx)
	require.NoError(t, err)

	r.now = func() time.Time { return t0.Add(time.Hour) }
	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.MarkedSpent)
	assert.Zero(t, second.RecordsSpent)
	assert.Nil(t, second.Balance)

	after, err := st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReconciler_SkipsReservedOutputs(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)
	fc := test.NewFakeChain()

	txA := fc.Deposit(test.TreasuryAddress, 1_000)
	ingest(t, st, fc, test.TreasuryAddress, txA)

	op := types.Outpoint{TxID: txA, Vout: 0}
	withdrawal := test.GenerateTxID("withdrawal")
	_, err := st.MarkUTXOSpent(ctx, op, &withdrawal, t0)
	require.NoError(t, err)
	fc.SpendExternally(op, withdrawal)

	res, err := New(st, fc, logging.Discard()).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Checked)

	u, err := st.UTXO(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, withdrawal, *u.SpentByTxID)
}

func TestReconciler_ChainErrorAbandonsPass(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)
	fc := test.NewFakeChain()

	txA := fc.Deposit(test.TreasuryAddress, 1_000)
	ingest(t, st, fc, test.TreasuryAddress, txA)
	fc.SpendExternally(types.Outpoint{TxID: txA, Vout: 0}, test.GenerateTxID("spender"))
	fc.ListUnspentErr = &chain.NodeError{Code: -1, Message: "loading wallet"}

	_, err := New(st, fc, logging.Discard()).Run(ctx)
	require.Error(t, err)
	assert.True(t, chain.IsErrorNode(err))

	b, err := st.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), b.TotalSatoshis)
}
