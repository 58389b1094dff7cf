package chain

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/0xb10c/treasury-go/src/types"
)

// CachingClient caches raw transactions, which are immutable once known, and
// collapses concurrent fetches of the same txid into one backend call. All
// other calls pass through.
type CachingClient struct {
	Client
	cache *ttlcache.Cache[string, []byte]
	group singleflight.Group
}

// NewCachingClient wraps c with a raw transaction cache holding at most
// capacity entries for ttl each.
func NewCachingClient(c Client, ttl time.Duration, capacity uint64) *CachingClient {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](ttl),
		ttlcache.WithCapacity[string, []byte](capacity),
	)
	go cache.Start()

	return &CachingClient{Client: c, cache: cache}
}

// GetRawTransaction returns the cached transaction or fetches it. Unknown
// transactions are not cached.
func (c *CachingClient) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	if item := c.cache.Get(txid); item != nil {
		return item.Value(), nil
	}

	v, err, _ := c.group.Do(txid, func() (interface{}, error) {
		if item := c.cache.Get(txid); item != nil {
			return item.Value(), nil
		}
		raw, err := c.Client.GetRawTransaction(ctx, txid)
		if err != nil || raw == nil {
			return raw, err
		}
		c.cache.Set(txid, raw, ttlcache.DefaultTTL)
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SpendingTxID forwards to the wrapped client if it is a SpendResolver.
func (c *CachingClient) SpendingTxID(ctx context.Context, op types.Outpoint) (string, bool, error) {
	r, ok := c.Client.(SpendResolver)
	if !ok {
		return "", false, nil
	}
	return r.SpendingTxID(ctx, op)
}

// Close stops the cache janitor.
func (c *CachingClient) Close() {
	c.cache.Stop()
}
