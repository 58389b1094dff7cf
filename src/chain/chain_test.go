package chain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/test"
	"github.com/0xb10c/treasury-go/src/types"
)

func TestRawTxID(t *testing.T) {
	fc := test.NewFakeChain()
	txid := fc.Deposit(test.TreasuryAddress, 1_000)

	raw, err := fc.GetRawTransaction(context.Background(), txid)
	require.NoError(t, err)
	assert.Equal(t, txid, chain.RawTxID(raw))

	tx, err := bt.NewTxFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, tx.TxID(), chain.RawTxID(raw))
}

func TestErrorHelpers(t *testing.T) {
	network := errors.Wrap(&chain.NetworkError{Op: "listunspent", Err: context.DeadlineExceeded}, "sync")
	assert.True(t, chain.IsErrorNetwork(network))
	assert.False(t, chain.IsErrorNode(network))
	assert.True(t, errors.Is(network, context.DeadlineExceeded))

	node := &chain.NodeError{Code: -26, Message: "dust"}
	assert.True(t, chain.IsErrorNode(node))
	assert.Equal(t, "node error -26: dust", node.Error())

	unknown := &chain.BroadcastUnknownError{TxID: "ab", Err: node}
	assert.True(t, chain.IsErrorBroadcastUnknown(unknown))
	assert.True(t, chain.IsErrorNode(unknown))
}

// slowClient blocks every call until its context is done.
type slowClient struct {
	*test.FakeChain
}

func (c slowClient) BlockCount(ctx context.Context) (int64, error) {
	<-ctx.Done()
	return 0, &chain.NetworkError{Op: "blockcount", Err: ctx.Err()}
}

func TestWithTimeout(t *testing.T) {
	c := chain.WithTimeout(slowClient{test.NewFakeChain()}, 20*time.Millisecond)

	start := time.Now()
	_, err := c.BlockCount(context.Background())
	require.Error(t, err)
	assert.True(t, chain.IsErrorNetwork(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)

	// calls that return in time are unaffected
	unspent, err := c.ListUnspent(context.Background(), test.TreasuryAddress)
	require.NoError(t, err)
	assert.Empty(t, unspent)
}

func TestWithTimeout_SpendResolver(t *testing.T) {
	fc := test.NewFakeChain()
	txid := fc.Deposit(test.TreasuryAddress, 1_000)
	op := types.Outpoint{TxID: txid, Vout: 0}
	fc.SpendExternally(op, test.GenerateTxID("thief"))

	r, ok := chain.WithTimeout(fc, time.Second).(chain.SpendResolver)
	require.True(t, ok)
	spender, found, err := r.SpendingTxID(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, test.GenerateTxID("thief"), spender)
}

// countingClient counts raw transaction fetches.
type countingClient struct {
	*test.FakeChain
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (c *countingClient) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	time.Sleep(c.delay)
	return c.FakeChain.GetRawTransaction(ctx, txid)
}

func (c *countingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCachingClient(t *testing.T) {
	ctx := context.Background()
	backend := &countingClient{FakeChain: test.NewFakeChain()}
	txid := backend.Deposit(test.TreasuryAddress, 1_000)

	c := chain.NewCachingClient(backend, time.Minute, 16)
	defer c.Close()

	first, err := c.GetRawTransaction(ctx, txid)
	require.NoError(t, err)
	second, err := c.GetRawTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.Calls())

	// unknown transactions are asked for every time
	missing := test.GenerateTxID("missing")
	for i := 0; i < 2; i++ {
		raw, err := c.GetRawTransaction(ctx, missing)
		require.NoError(t, err)
		assert.Nil(t, raw)
	}
	assert.Equal(t, 3, backend.Calls())
}

func TestCachingClient_CollapsesConcurrentFetches(t *testing.T) {
	backend := &countingClient{FakeChain: test.NewFakeChain(), delay: 50 * time.Millisecond}
	txid := backend.Deposit(test.TreasuryAddress, 1_000)

	c := chain.NewCachingClient(backend, time.Minute, 16)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.GetRawTransaction(context.Background(), txid)
			assert.NoError(t, err)
			assert.NotEmpty(t, raw)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, backend.Calls())
}

func TestCachingClient_PassesThrough(t *testing.T) {
	backend := test.NewFakeChain()
	backend.Deposit(test.TreasuryAddress, 1_000, 2_000)

	c := chain.NewCachingClient(backend, time.Minute, 16)
	defer c.Close()

	unspent, err := c.ListUnspent(context.Background(), test.TreasuryAddress)
	require.NoError(t, err)
	assert.Len(t, unspent, 2)
	assert.Equal(t, 1, backend.ListUnspentCalls)
}
