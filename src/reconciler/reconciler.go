// Package reconciler re-checks every unspent output in the ledger against the
// chain and flips the ones that are gone.
package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/metrics"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/types"
)

// Reconciler runs spent-status passes.
type Reconciler struct {
	store *storage.Storage
	chain chain.Client
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(store *storage.Storage, c chain.Client, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		store: store,
		chain: c,
		log:   log.WithField("component", "reconciler"),
		now:   time.Now,
	}
}

// Result counts the work of a pass. A pass over an unchanged chain checks
// outputs but writes nothing.
type Result struct {
	Checked      int
	Addresses    int
	MarkedSpent  int
	RecordsSpent int64
	Balance      *types.TreasuryBalance
}

// Run performs one pass. The chain is queried once per distinct address
// outside the exclusive section; only outputs that were unspent before the
// query and are absent from its answer are flipped, each with a conditional
// update.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	unspent, err := r.store.UTXOs(ctx, storage.UTXOQuery{OnlyUnspent: true})
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string][]types.UTXO)
	for _, u := range unspent {
		byAddress[u.Address] = append(byAddress[u.Address], u)
	}
	addresses := make([]string, 0, len(byAddress))
	for a := range byAddress {
		addresses = append(addresses, a)
	}
	sort.Strings(addresses)

	res := &Result{Checked: len(unspent), Addresses: len(addresses)}
	var gone []types.UTXO
	for _, address := range addresses {
		live, err := r.chain.ListUnspent(ctx, address)
		if err != nil {
			return nil, errors.Wrapf(err, "could not list unspent outputs of %s", address)
		}
		liveSet := make(map[types.Outpoint]bool, len(live))
		for _, u := range live {
			liveSet[u.Outpoint()] = true
		}
		for _, u := range byAddress[address] {
			if !liveSet[u.Outpoint] {
				gone = append(gone, u)
			}
		}
	}

	if len(gone) == 0 {
		r.log.WithField("checked", res.Checked).Debug("reconcile pass found nothing")
		return res, nil
	}

	spenders := make(map[types.Outpoint]string)
	if resolver, ok := r.chain.(chain.SpendResolver); ok {
		for _, u := range gone {
			txid, found, err := resolver.SpendingTxID(ctx, u.Outpoint)
			if err != nil {
				r.log.WithError(err).WithField("outpoint", u.Outpoint.String()).Warn("could not resolve spending transaction")
				continue
			}
			if found {
				spenders[u.Outpoint] = txid
			}
		}
	}

	err = r.store.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		now := r.now()
		for _, u := range gone {
			var spentBy *string
			if txid, ok := spenders[u.Outpoint]; ok {
				spentBy = &txid
			}
			flipped, err := tx.MarkUTXOSpent(ctx, u.Outpoint, spentBy, now)
			if err != nil {
				return err
			}
			if flipped {
				res.MarkedSpent++
				r.log.WithFields(logrus.Fields{
					"outpoint": u.Outpoint.String(),
					"satoshis": u.Satoshis,
				}).Info("output spent")
			}
		}

		var err error
		if res.RecordsSpent, err = tx.PropagateSpent(ctx); err != nil {
			return err
		}
		res.Balance, err = tx.RecomputeBalance(ctx, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "reconcile pass abandoned")
	}

	metrics.OutputsMarkedSpent("reconcile", res.MarkedSpent)
	metrics.Balance(res.Balance.TotalSatoshis)
	r.log.WithFields(logrus.Fields{
		"checked":      res.Checked,
		"markedSpent":  res.MarkedSpent,
		"recordsSpent": res.RecordsSpent,
	}).Info("reconcile pass done")
	return res, nil
}
