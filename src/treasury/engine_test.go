package treasury

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/coinselect"
	"github.com/0xb10c/treasury-go/src/keystore"
	"github.com/0xb10c/treasury-go/src/logging"
	"github.com/0xb10c/treasury-go/src/ratelimit"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/syncer"
	"github.com/0xb10c/treasury-go/src/test"
	"github.com/0xb10c/treasury-go/src/types"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	st     *storage.Storage
	chain  *test.FakeChain
	engine *Engine
	sync   *syncer.Syncer
	clock  time.Time
}

func newEnv(t *testing.T, cfg Config) *env {
	st, err := storage.NewStorage(storage.DriverSQLite, filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := &env{st: st, chain: test.NewFakeChain(), clock: t0}
	e.engine = New(st, e.chain, keystore.New(types.Mainnet, ""), cfg, logging.Discard())
	e.engine.now = func() time.Time { return e.clock }
	e.sync = syncer.New(st, e.chain, types.Mainnet, logging.Discard())

	_, err = e.engine.ImportWallet(context.Background(), test.GetPrivateKeyWIF(test.TreasurySeed))
	require.NoError(t, err)
	return e
}

// fund deposits to the treasury and syncs the ledger.
func (e *env) fund(t *testing.T, satoshis ...uint64) string {
	txid := e.chain.Deposit(test.TreasuryAddress, satoshis...)
	e.syncNow(t)
	return txid
}

func (e *env) syncNow(t *testing.T) {
	_, err := e.sync.Run(context.Background())
	require.NoError(t, err)
}

func (e *env) balance(t *testing.T) uint64 {
	b, err := e.engine.Balance(context.Background())
	require.NoError(t, err)
	return b.TotalSatoshis
}

func (e *env) outgoing(t *testing.T) []types.TransactionRecord {
	recs, err := e.engine.History(context.Background(), storage.TransactionQuery{Direction: types.Outgoing})
	require.NoError(t, err)
	return recs
}

func request(user string, satoshis uint64) WithdrawalRequest {
	return WithdrawalRequest{UserID: user, Destination: test.DestinationAddress, Satoshis: satoshis}
}

func TestEngine_Withdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 30_000, 20_000)
	require.Equal(t, uint64(50_000), e.balance(t))

	res, err := e.engine.Withdraw(ctx, request("alice", 40_000))
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	sel := res.Selection
	assert.Len(t, sel.Inputs, 2)
	assert.Equal(t, uint64(187), sel.Fee)
	assert.Equal(t, uint64(9_813), sel.Change)

	rec := res.Record
	assert.Equal(t, types.StatusBroadcast, rec.Status)
	assert.Equal(t, types.Outgoing, rec.Direction)
	assert.Equal(t, uint64(40_000), rec.Satoshis)
	assert.Equal(t, uint64(187), rec.FeeSatoshis)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "alice", *rec.UserID)
	require.NotNil(t, rec.IdempotencyKey)
	assert.NotEmpty(t, *rec.IdempotencyKey)
	assert.Equal(t, []string{rec.TxID}, e.chain.Broadcasts())

	// the change is spendable right away
	assert.Equal(t, uint64(9_813), e.balance(t))
	change, err := e.st.UTXO(ctx, types.Outpoint{TxID: rec.TxID, Vout: 1})
	require.NoError(t, err)
	assert.False(t, change.Spent)

	withdrawn, err := e.st.UserWithdrawn(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), withdrawn)

	// the next sync agrees with the ledger
	e.syncNow(t)
	assert.Equal(t, uint64(9_813), e.balance(t))
	require.NoError(t, e.st.CheckIntegrity(ctx))
}

func TestEngine_WithdrawIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)

	req := request("alice", 10_000)
	req.IdempotencyKey = "3f1e2a52-7a43-4a8e-9d43-2a3b5a0f7e11"
	first, err := e.engine.Withdraw(ctx, req)
	require.NoError(t, err)

	second, err := e.engine.Withdraw(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.TxID, second.Record.TxID)
	assert.Len(t, e.chain.Broadcasts(), 1)

	req.UserID = "mallory"
	_, err = e.engine.Withdraw(ctx, req)
	assert.True(t, IsErrorValidation(err))
}

func TestEngine_WithdrawValidation(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(types.Mainnet)
	cfg.MaxWithdrawal = 1_000_000
	cfg.DailyCap = 500_000
	e := newEnv(t, cfg)
	e.fund(t, 50_000)

	testnetAddr, err := bscript.NewAddressFromPublicKey(test.GetPrivateKey("destination").PubKey(), false)
	require.NoError(t, err)

	cases := map[string]WithdrawalRequest{
		"no user":          {Destination: test.DestinationAddress, Satoshis: 10_000},
		"zero amount":      {UserID: "alice", Destination: test.DestinationAddress},
		"dust":             {UserID: "alice", Destination: test.DestinationAddress, Satoshis: 546},
		"above maximum":    {UserID: "alice", Destination: test.DestinationAddress, Satoshis: 1_000_001},
		"above daily cap":  {UserID: "alice", Destination: test.DestinationAddress, Satoshis: 500_001},
		"garbage address":  {UserID: "alice", Destination: "not-an-address", Satoshis: 10_000},
		"testnet address":  {UserID: "alice", Destination: testnetAddr.AddressString, Satoshis: 10_000},
		"treasury address": {UserID: "alice", Destination: test.TreasuryAddress, Satoshis: 10_000},
	}
	for name, req := range cases {
		_, err := e.engine.Withdraw(ctx, req)
		assert.True(t, IsErrorValidation(err), "%s: %v", name, err)
	}
	assert.Empty(t, e.chain.Broadcasts())
	assert.Empty(t, e.outgoing(t))
}

func TestEngine_WithdrawInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 30_000, 20_000)

	_, err := e.engine.Withdraw(ctx, request("alice", 50_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, coinselect.ErrInsufficientFunds))

	assert.Equal(t, uint64(50_000), e.balance(t))
	assert.Empty(t, e.outgoing(t))
	assert.Empty(t, e.chain.Broadcasts())
}

func TestEngine_WithdrawRateLimited(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(types.Mainnet)
	cfg.DailyCap = 50_000
	e := newEnv(t, cfg)
	e.fund(t, 100_000)

	_, err := e.engine.Withdraw(ctx, request("alice", 40_000))
	require.NoError(t, err)

	e.clock = t0.Add(time.Hour)
	_, err = e.engine.Withdraw(ctx, request("alice", 20_000))
	require.True(t, ratelimit.IsErrorRateLimitExceeded(err))
	var limited *ratelimit.RateLimitExceededError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, 23*time.Hour, limited.Remaining)

	// below the cap there is no cooldown to wait for
	remaining, window, err := e.engine.Cooldown(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, uint64(40_000), window.TotalSatoshis)

	// other users have their own window
	_, err = e.engine.Withdraw(ctx, request("bob", 20_000))
	require.NoError(t, err)

	e.clock = t0.Add(25 * time.Hour)
	_, err = e.engine.Withdraw(ctx, request("alice", 20_000))
	require.NoError(t, err)
}

func TestEngine_WithdrawRejectedByNode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)
	e.chain.BroadcastErr = &chain.NodeError{Code: -26, Message: "66: insufficient priority"}

	first := request("alice", 10_000)
	first.IdempotencyKey = "attempt-1"
	_, err := e.engine.Withdraw(ctx, first)
	require.Error(t, err)
	assert.True(t, chain.IsErrorNode(err))
	assert.False(t, chain.IsErrorBroadcastUnknown(err))

	recs := e.outgoing(t)
	require.Len(t, recs, 1)
	assert.Equal(t, types.StatusFailed, recs[0].Status)

	// inputs are released and the attempt does not count
	assert.Equal(t, uint64(50_000), e.balance(t))
	_, window, err := e.engine.Cooldown(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, window.TotalSatoshis)

	// the failed key reports the failure instead of a replay
	e.chain.BroadcastErr = nil
	_, err = e.engine.Withdraw(ctx, first)
	require.True(t, IsErrorValidation(err))
	assert.Contains(t, err.Error(), recs[0].TxID)
	assert.Empty(t, e.chain.Broadcasts())

	// rebuilding from the same inputs yields the same transaction
	res, err := e.engine.Withdraw(ctx, request("alice", 10_000))
	require.NoError(t, err)
	assert.Equal(t, recs[0].TxID, res.Record.TxID)
	recs = e.outgoing(t)
	require.Len(t, recs, 1)
	assert.Equal(t, types.StatusBroadcast, recs[0].Status)
}

func TestEngine_WithdrawUnknownOutcome(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 30_000, 20_000)
	// relayed, but the answer got lost
	e.chain.BroadcastLostErr = &chain.NetworkError{Op: "broadcast", Err: context.DeadlineExceeded}

	_, err := e.engine.Withdraw(ctx, request("alice", 40_000))
	require.True(t, chain.IsErrorBroadcastUnknown(err))
	var unknown *chain.BroadcastUnknownError
	require.True(t, errors.As(err, &unknown))

	recs := e.outgoing(t)
	require.Len(t, recs, 1)
	assert.Equal(t, types.StatusUnknown, recs[0].Status)
	assert.Equal(t, recs[0].TxID, unknown.TxID)

	// inputs stay reserved and the attempt counts against the window
	assert.Equal(t, uint64(0), e.balance(t))
	_, window, err := e.engine.Cooldown(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), window.TotalSatoshis)

	// a retry with a new key has nothing left to spend
	_, err = e.engine.Withdraw(ctx, request("alice", 5_000))
	assert.True(t, errors.Is(err, coinselect.ErrInsufficientFunds))
	assert.Len(t, e.chain.Broadcasts(), 1)

	// the synchronizer finds it on chain
	e.syncNow(t)
	rec, err := e.st.Transaction(ctx, unknown.TxID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBroadcast, rec.Status)
	assert.Equal(t, uint64(9_813), e.balance(t))

	withdrawn, err := e.st.UserWithdrawn(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), withdrawn)
}

func TestEngine_ResolvePending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)
	// never reached the node
	e.chain.BroadcastErr = errors.New("connection reset by peer")

	_, err := e.engine.Withdraw(ctx, request("alice", 10_000))
	var unknown *chain.BroadcastUnknownError
	require.True(t, errors.As(err, &unknown))
	e.chain.BroadcastErr = nil

	rec, err := e.engine.ResolvePending(ctx, unknown.TxID, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, rec.Status)
	assert.Equal(t, uint64(0), e.balance(t))

	rec, err = e.engine.ResolvePending(ctx, unknown.TxID, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, uint64(50_000), e.balance(t))

	_, err = e.engine.ResolvePending(ctx, unknown.TxID, true)
	assert.True(t, IsErrorValidation(err))
	_, err = e.engine.ResolvePending(ctx, "zz", true)
	assert.True(t, IsErrorValidation(err))
}

func TestEngine_ResolvePendingFoundOnChain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)
	e.chain.BroadcastLostErr = errors.New("EOF")

	_, err := e.engine.Withdraw(ctx, request("alice", 10_000))
	var unknown *chain.BroadcastUnknownError
	require.True(t, errors.As(err, &unknown))

	// release is not honoured for a transaction the chain knows
	rec, err := e.engine.ResolvePending(ctx, unknown.TxID, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBroadcast, rec.Status)
}

// closingChain closes the ledger right after relaying a transaction.
type closingChain struct {
	*test.FakeChain
	st *storage.Storage
}

func (c *closingChain) Broadcast(ctx context.Context, raw []byte) (string, error) {
	txid, err := c.FakeChain.Broadcast(ctx, raw)
	_ = c.st.Close()
	return txid, err
}

func TestEngine_UnrecordedPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)

	cc := &closingChain{FakeChain: e.chain, st: e.st}
	engine := New(e.st, cc, keystore.New(types.Mainnet, ""), DefaultConfig(types.Mainnet), logging.Discard())

	req := request("alice", 10_000)
	req.IdempotencyKey = "unrecorded-1"
	_, err := engine.Withdraw(ctx, req)
	require.True(t, IsErrorUnrecordedPayment(err))

	var unrecorded *UnrecordedPaymentError
	require.True(t, errors.As(err, &unrecorded))
	assert.Equal(t, "unrecorded-1", unrecorded.IdempotencyKey)
	assert.Equal(t, []string{unrecorded.TxID}, e.chain.Broadcasts())
}

func TestEngine_ConcurrentWithdrawalsNeverDoubleSpend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)

	const attempts = 4
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.engine.Withdraw(ctx, request("alice", 30_000))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, coinselect.ErrInsufficientFunds):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, insufficient)
	assert.Len(t, e.chain.Broadcasts(), 1)
	assert.Equal(t, uint64(19_887), e.balance(t))
}

func TestEngine_CreateWallet(t *testing.T) {
	ctx := context.Background()
	st, err := storage.NewStorage(storage.DriverSQLite, filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	defer st.Close()

	keys := keystore.New(types.Testnet, "correct horse").WithParams(keystore.Params{Memory: 1024, Iterations: 1, Parallelism: 1})
	engine := New(st, test.NewFakeChain(), keys, DefaultConfig(types.Testnet), logging.Discard())

	w, err := engine.CreateWallet(ctx)
	require.NoError(t, err)
	assert.True(t, w.Encrypted)
	assert.NotEqual(t, '1', rune(w.Address[0]))

	stored, err := engine.Wallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.Address, stored.Address)
	_, err = keys.Load(stored)
	require.NoError(t, err)

	_, err = engine.CreateWallet(ctx)
	assert.True(t, errors.Is(err, storage.ErrWalletExists))
	_, err = engine.ImportWallet(ctx, test.GetPrivateKeyWIF("other"))
	assert.True(t, errors.Is(err, storage.ErrWalletExists))
}

func TestEngine_BalanceRepairsDivergence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	e.fund(t, 50_000)

	_, err := e.st.InsertUTXO(ctx, &types.UTXO{
		Outpoint: types.Outpoint{TxID: test.GenerateTxID("stray"), Vout: 0},
		Address:  test.TreasuryAddress,
		Satoshis: 700,
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, uint64(50_700), e.balance(t))
	require.NoError(t, e.st.CheckIntegrity(ctx))
}

func TestEngine_History(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultConfig(types.Mainnet))
	deposit := e.fund(t, 50_000)

	e.clock = t0.Add(time.Minute)
	res, err := e.engine.Withdraw(ctx, request("alice", 10_000))
	require.NoError(t, err)

	all, err := e.engine.History(ctx, storage.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := e.engine.History(ctx, storage.TransactionQuery{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, res.Record.TxID, mine[0].TxID)

	incoming, err := e.engine.History(ctx, storage.TransactionQuery{Direction: types.Incoming})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, deposit, incoming[0].TxID)
}
