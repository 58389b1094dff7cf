// Package syncer aligns the stored outputs of the treasury address with the
// live unspent set reported by the chain backend.
package syncer

import (
	"context"
	"encoding/hex"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/metrics"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/txbuilder"
	"github.com/0xb10c/treasury-go/src/types"
	"github.com/0xb10c/treasury-go/src/withdrawal"
)

// spenderRetryWindow bounds how long spent outputs with an unknown spender
// are looked up again.
const spenderRetryWindow = 24 * time.Hour

// Syncer runs synchronization cycles. Cycles must not overlap; the scheduler
// guarantees that, and the exclusive section keeps them consistent with
// withdrawals.
type Syncer struct {
	store   *storage.Storage
	chain   chain.Client
	network types.Network
	log     logrus.FieldLogger
	now     func() time.Time
}

func New(store *storage.Storage, c chain.Client, network types.Network, log logrus.FieldLogger) *Syncer {
	return &Syncer{
		store:   store,
		chain:   c,
		network: network,
		log:     log.WithField("component", "syncer"),
		now:     time.Now,
	}
}

// Result summarises a cycle.
type Result struct {
	Inserted      int
	Records       int
	MarkedSpent   int
	Revived       int
	Spenders      int
	Confirmations int
	Confirmed     []string
	Balance       *types.TreasuryBalance
}

// snapshot is everything read from the chain before the exclusive section.
type snapshot struct {
	address  string
	live     []chain.Unspent
	known    map[types.Outpoint]bool
	raw      map[string][]byte
	spenders map[types.Outpoint]string
	onChain  map[string]bool
}

// Run performs one cycle. Chain reads happen first; all ledger writes and the
// balance recompute are then applied in a single exclusive section, so a
// failed cycle leaves no trace.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	w, err := s.store.Wallet(ctx)
	if errors.Is(err, storage.ErrNoWallet) {
		s.log.Debug("no wallet, skipping")
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	snap, err := s.read(ctx, w.Address)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	err = s.store.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		return s.apply(ctx, tx, snap, res)
	})
	if err != nil {
		return nil, errors.Wrap(err, "sync cycle abandoned")
	}

	metrics.DepositsIngested(res.Inserted)
	metrics.OutputsMarkedSpent("sync", res.MarkedSpent)
	metrics.Balance(res.Balance.TotalSatoshis)

	s.log.WithFields(logrus.Fields{
		"inserted":    res.Inserted,
		"records":     res.Records,
		"markedSpent": res.MarkedSpent,
		"revived":     res.Revived,
		"confirmed":   len(res.Confirmed),
		"balance":     res.Balance.TotalSatoshis,
	}).Info("sync cycle done")
	return res, nil
}

func (s *Syncer) read(ctx context.Context, address string) (*snapshot, error) {
	// Stored rows are read before the live set so that rows written after
	// the listing, like the change of a concurrent withdrawal, are never
	// taken for vanished.
	stored, err := s.store.UTXOs(ctx, storage.UTXOQuery{Address: address})
	if err != nil {
		return nil, err
	}
	live, err := s.chain.ListUnspent(ctx, address)
	switch {
	case isNotFound(err) && len(stored) == 0:
		// some indexers do not know addresses that never received anything
		live = nil
	case err != nil:
		return nil, errors.Wrap(err, "could not list unspent outputs")
	}

	snap := &snapshot{
		address:  address,
		live:     live,
		known:    make(map[types.Outpoint]bool, len(stored)),
		raw:      make(map[string][]byte),
		spenders: make(map[types.Outpoint]string),
		onChain:  make(map[string]bool),
	}
	known := snap.known
	for _, u := range stored {
		known[u.Outpoint] = true
	}
	liveSet := make(map[types.Outpoint]bool, len(live))
	for _, u := range live {
		liveSet[u.Outpoint()] = true
		if known[u.Outpoint()] {
			continue
		}
		if _, ok := snap.raw[u.TxID]; ok {
			continue
		}
		raw, err := s.fetch(ctx, u.TxID)
		if err != nil {
			return nil, err
		}
		snap.raw[u.TxID] = raw
	}

	now := s.now()
	for _, u := range stored {
		if liveSet[u.Outpoint] {
			continue
		}
		if u.Spent && (u.SpentByTxID != nil || now.Sub(u.UpdatedAt) > spenderRetryWindow) {
			continue
		}
		if txid, ok := s.spender(ctx, u.Outpoint); ok {
			snap.spenders[u.Outpoint] = txid
		}
	}

	open, err := s.store.Transactions(ctx, storage.TransactionQuery{
		Direction: types.Outgoing,
		Statuses:  []types.Status{types.StatusPending, types.StatusUnknown},
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range open {
		raw, err := s.chain.GetRawTransaction(ctx, rec.TxID)
		if err != nil {
			return nil, errors.Wrapf(err, "could not look up open withdrawal %s", rec.TxID)
		}
		if raw != nil {
			snap.onChain[rec.TxID] = true
		}
	}
	return snap, nil
}

func (s *Syncer) fetch(ctx context.Context, txid string) ([]byte, error) {
	raw, err := s.chain.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch transaction %s", txid)
	}
	if raw == nil {
		return nil, errors.Errorf("transaction %s of a live output is unknown to the backend", txid)
	}
	return raw, nil
}

// spender resolves the transaction that spent op if the backend can.
func (s *Syncer) spender(ctx context.Context, op types.Outpoint) (string, bool) {
	r, ok := s.chain.(chain.SpendResolver)
	if !ok {
		return "", false
	}
	txid, ok, err := r.SpendingTxID(ctx, op)
	if err != nil {
		s.log.WithError(err).WithField("outpoint", op.String()).Warn("could not resolve spending transaction")
		return "", false
	}
	return txid, ok
}

func (s *Syncer) apply(ctx context.Context, tx *storage.LedgerTx, snap *snapshot, res *Result) error {
	now := s.now()

	if err := tx.CheckIntegrity(ctx); err != nil {
		if !storage.IsErrorDataIntegrity(err) {
			return err
		}
		metrics.IntegrityError()
		s.log.WithError(err).Error("stored balance diverged, recomputing")
	}

	stored, err := tx.UTXOs(ctx, storage.UTXOQuery{Address: snap.address})
	if err != nil {
		return err
	}
	byOutpoint := make(map[types.Outpoint]types.UTXO, len(stored))
	for _, u := range stored {
		byOutpoint[u.Outpoint] = u
	}

	// live outputs
	added := make(map[string][]chain.Unspent)
	liveSet := make(map[types.Outpoint]bool, len(snap.live))
	for _, u := range snap.live {
		op := u.Outpoint()
		liveSet[op] = true

		if stored, ok := byOutpoint[op]; ok {
			if stored.Spent && stored.SpentByTxID == nil {
				// flipped while a listing lagged behind
				revived, err := tx.ReviveUTXO(ctx, op, now)
				if err != nil {
					return err
				}
				if revived {
					res.Revived++
					s.log.WithField("outpoint", op.String()).Warn("output marked spent is live again")
				}
			}
			changed, err := tx.UpdateConfirmations(ctx, op, u.Confirmations, now)
			if err != nil {
				return err
			}
			if changed {
				res.Confirmations++
			}
			continue
		}

		inserted, err := tx.InsertUTXO(ctx, &types.UTXO{
			Outpoint:      op,
			Address:       snap.address,
			Satoshis:      u.Satoshis,
			ScriptPubKey:  u.ScriptPubKey,
			Confirmations: u.Confirmations,
		}, now)
		if err != nil {
			return err
		}
		if inserted {
			res.Inserted++
			added[u.TxID] = append(added[u.TxID], u)
		}
	}

	for _, txid := range sortedKeys(added) {
		if err := s.record(ctx, tx, snap, txid, added[txid], now, res); err != nil {
			return err
		}
	}

	// vanished outputs
	for _, u := range stored {
		if liveSet[u.Outpoint] || !snap.known[u.Outpoint] {
			continue
		}
		spender, resolved := snap.spenders[u.Outpoint]
		if !u.Spent {
			var spentBy *string
			if resolved {
				spentBy = &spender
			} else {
				s.log.WithField("outpoint", u.Outpoint.String()).Warn("output vanished, spending transaction unknown")
			}
			flipped, err := tx.MarkUTXOSpent(ctx, u.Outpoint, spentBy, now)
			if err != nil {
				return err
			}
			if flipped {
				res.MarkedSpent++
			}
			continue
		}
		if resolved && u.SpentByTxID == nil {
			filled, err := tx.SetSpentBy(ctx, u.Outpoint, spender, now)
			if err != nil {
				return err
			}
			if filled {
				res.Spenders++
			}
		}
	}

	if err := s.confirmOpen(ctx, tx, snap, now, res); err != nil {
		return err
	}

	if _, err := tx.PropagateSpent(ctx); err != nil {
		return err
	}
	res.Balance, err = tx.RecomputeBalance(ctx, now)
	return err
}

// record stores an incoming record for a transaction that paid the treasury,
// unless one exists already, e.g. for the change of our own withdrawal.
func (s *Syncer) record(ctx context.Context, tx *storage.LedgerTx, snap *snapshot, txid string, outputs []chain.Unspent, now time.Time, res *Result) error {
	existing, err := tx.Transaction(ctx, txid)
	switch {
	case err == nil:
		if existing.Direction == types.Outgoing && existing.Status != types.StatusBroadcast {
			// the change is on chain, so is the withdrawal
			snap.onChain[txid] = true
		}
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	raw, ok := snap.raw[txid]
	if !ok {
		if raw, err = s.fetch(ctx, txid); err != nil {
			return err
		}
	}
	_, decoded, err := txbuilder.DecodeRaw(raw, s.network.IsMainnet())
	if err != nil {
		return errors.Wrapf(err, "transaction %s", txid)
	}

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Vout < outputs[j].Vout })
	var amount uint64
	for _, o := range outputs {
		amount += o.Satoshis
	}

	rec := &types.TransactionRecord{
		TxID:      txid,
		Date:      now,
		Direction: types.Incoming,
		Status:    types.StatusConfirmed,
		RawTx:     hex.EncodeToString(raw),
		Decoded:   decoded,
		Vout:      outputs[0].Vout,
		Satoshis:  amount,
		Testnet:   !s.network.IsMainnet(),
	}
	if _, err := tx.InsertTransaction(ctx, rec); err != nil {
		return err
	}
	res.Records++
	s.log.WithFields(logrus.Fields{
		"txid":     txid,
		"satoshis": amount,
	}).Info("deposit detected")
	return nil
}

// confirmOpen confirms pending and unknown withdrawals the chain knows about.
func (s *Syncer) confirmOpen(ctx context.Context, tx *storage.LedgerTx, snap *snapshot, now time.Time, res *Result) error {
	for _, txid := range sortedKeys(snap.onChain) {
		rec, err := tx.Transaction(ctx, txid)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusPending && rec.Status != types.StatusUnknown {
			continue
		}
		if err := withdrawal.Confirm(ctx, tx, rec, withdrawal.Found, snap.address, now); err != nil {
			return err
		}
		res.Confirmed = append(res.Confirmed, txid)
		s.log.WithFields(logrus.Fields{
			"txid":           txid,
			"idempotencyKey": deref(rec.IdempotencyKey),
		}).Warn("confirmed withdrawal found on chain")
	}
	return nil
}

func isNotFound(err error) bool {
	var nodeErr *chain.NodeError
	return errors.As(err, &nodeErr) && nodeErr.Code == http.StatusNotFound
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
