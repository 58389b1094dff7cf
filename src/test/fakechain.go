package test

import (
	"context"
	"fmt"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/types"
)

// FakeChain is an in-memory chain.Client and chain.SpendResolver. Accepted
// broadcasts behave like a mempool: their inputs leave the unspent set and
// outputs paying a watched address enter it with zero confirmations.
type FakeChain struct {
	mu sync.Mutex

	watched    map[string]string // locking script hex -> address
	unspent    map[string][]chain.Unspent
	raw        map[string][]byte
	spentBy    map[types.Outpoint]string
	broadcasts []string
	height     int64
	deposits   int

	// ListUnspentErr is returned by every ListUnspent call while set.
	ListUnspentErr error
	// BroadcastErr rejects broadcasts without relaying them.
	BroadcastErr error
	// BroadcastLostErr relays the transaction and then returns the error,
	// like a timeout after the node accepted it.
	BroadcastLostErr error
	// NoSpendIndex makes SpendingTxID report that it cannot resolve spends.
	NoSpendIndex bool

	ListUnspentCalls int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		watched: make(map[string]string),
		unspent: make(map[string][]chain.Unspent),
		raw:     make(map[string][]byte),
		spentBy: make(map[types.Outpoint]string),
		height:  100,
	}
}

// Watch makes broadcast outputs paying address show up in its unspent set.
func (c *FakeChain) Watch(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watch(address)
}

func (c *FakeChain) watch(address string) {
	s, err := bscript.NewP2PKHFromAddress(address)
	if err != nil {
		panic(err)
	}
	c.watched[s.String()] = address
}

// Deposit creates an external transaction paying each amount to address and
// returns its txid. Outputs start with one confirmation.
func (c *FakeChain) Deposit(address string, satoshis ...uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watch(address)

	s, err := bscript.NewP2PKHFromAddress(address)
	if err != nil {
		panic(err)
	}

	var total uint64
	for _, v := range satoshis {
		total += v
	}

	c.deposits++
	tx := bt.NewTx()
	funder := GenerateTxID(fmt.Sprintf("funding-%d", c.deposits))
	if err := tx.From(funder, 0, s.String(), total+1000); err != nil {
		panic(err)
	}
	tx.Inputs[0].UnlockingScript = bscript.NewFromBytes([]byte{})
	for _, v := range satoshis {
		if err := tx.AddP2PKHOutputFromAddress(address, v); err != nil {
			panic(err)
		}
	}

	txid := tx.TxID()
	c.raw[txid] = tx.Bytes()
	for i, v := range satoshis {
		c.unspent[address] = append(c.unspent[address], chain.Unspent{
			TxID:          txid,
			Vout:          uint32(i),
			Satoshis:      v,
			ScriptPubKey:  s.String(),
			Confirmations: 1,
		})
	}
	return txid
}

// SpendExternally removes an output as if it was spent by spender outside of
// the treasury.
func (c *FakeChain) SpendExternally(op types.Outpoint, spender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(op)
	c.spentBy[op] = spender
}

// Confirm sets the confirmation count of every unspent output of txid.
func (c *FakeChain) Confirm(txid string, confirmations int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, list := range c.unspent {
		for i := range list {
			if list[i].TxID == txid {
				list[i].Confirmations = confirmations
			}
		}
		c.unspent[addr] = list
	}
}

// Broadcasts returns the txids of all relayed transactions in order.
func (c *FakeChain) Broadcasts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.broadcasts...)
}

// Unspent returns the current unspent set of address.
func (c *FakeChain) Unspent(address string) []chain.Unspent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Unspent(nil), c.unspent[address]...)
}

func (c *FakeChain) remove(op types.Outpoint) bool {
	for addr, list := range c.unspent {
		for i, u := range list {
			if u.Outpoint() == op {
				c.unspent[addr] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (c *FakeChain) ListUnspent(ctx context.Context, address string) ([]chain.Unspent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ListUnspentCalls++
	if c.ListUnspentErr != nil {
		return nil, c.ListUnspentErr
	}
	return append([]chain.Unspent(nil), c.unspent[address]...), nil
}

func (c *FakeChain) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.raw[txid]
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (c *FakeChain) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	tx, err := bt.NewTxFromBytes(rawTx)
	if err != nil {
		return "", &chain.NodeError{Code: -22, Message: "TX decode failed"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.BroadcastErr != nil {
		return "", c.BroadcastErr
	}

	txid := tx.TxID()
	for _, in := range tx.Inputs {
		op := types.Outpoint{TxID: in.PreviousTxIDStr(), Vout: in.PreviousTxOutIndex}
		if !c.spendable(op) {
			return "", &chain.NodeError{Code: -25, Message: "Missing inputs"}
		}
	}
	for _, in := range tx.Inputs {
		op := types.Outpoint{TxID: in.PreviousTxIDStr(), Vout: in.PreviousTxOutIndex}
		c.remove(op)
		c.spentBy[op] = txid
	}
	for i, out := range tx.Outputs {
		addr, ok := c.watched[out.LockingScript.String()]
		if !ok {
			continue
		}
		c.unspent[addr] = append(c.unspent[addr], chain.Unspent{
			TxID:         txid,
			Vout:         uint32(i),
			Satoshis:     out.Satoshis,
			ScriptPubKey: out.LockingScript.String(),
		})
	}
	c.raw[txid] = rawTx
	c.broadcasts = append(c.broadcasts, txid)

	if c.BroadcastLostErr != nil {
		return "", c.BroadcastLostErr
	}
	return txid, nil
}

func (c *FakeChain) spendable(op types.Outpoint) bool {
	for _, list := range c.unspent {
		for _, u := range list {
			if u.Outpoint() == op {
				return true
			}
		}
	}
	return false
}

func (c *FakeChain) BlockCount(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *FakeChain) SpendingTxID(ctx context.Context, op types.Outpoint) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NoSpendIndex {
		return "", false, nil
	}
	txid, ok := c.spentBy[op]
	return txid, ok, nil
}

var _ chain.Client = (*FakeChain)(nil)
var _ chain.SpendResolver = (*FakeChain)(nil)
