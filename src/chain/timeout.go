package chain

import (
	"context"
	"time"

	"github.com/0xb10c/treasury-go/src/metrics"
	"github.com/0xb10c/treasury-go/src/types"
)

type timeoutClient struct {
	Client
	timeout time.Duration
}

// WithTimeout bounds every call made through the returned client by d. The
// wrapped client is expected to honour context cancellation.
func WithTimeout(c Client, d time.Duration) Client {
	return &timeoutClient{Client: c, timeout: d}
}

func (c *timeoutClient) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.timeout)
}

func (c *timeoutClient) ListUnspent(ctx context.Context, address string) ([]Unspent, error) {
	defer metrics.ObserveChainCall("listunspent", time.Now())
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.Client.ListUnspent(ctx, address)
}

func (c *timeoutClient) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	defer metrics.ObserveChainCall("getrawtransaction", time.Now())
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.Client.GetRawTransaction(ctx, txid)
}

func (c *timeoutClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	defer metrics.ObserveChainCall("broadcast", time.Now())
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.Client.Broadcast(ctx, rawTx)
}

func (c *timeoutClient) BlockCount(ctx context.Context) (int64, error) {
	defer metrics.ObserveChainCall("blockcount", time.Now())
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.Client.BlockCount(ctx)
}

// SpendingTxID forwards to the wrapped client if it is a SpendResolver.
func (c *timeoutClient) SpendingTxID(ctx context.Context, op types.Outpoint) (string, bool, error) {
	r, ok := c.Client.(SpendResolver)
	if !ok {
		return "", false, nil
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return r.SpendingTxID(ctx, op)
}
