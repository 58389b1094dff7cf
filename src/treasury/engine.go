// Package treasury composes coin selection, signing, broadcasting and the
// ledger into withdrawals, and serves the read side of the treasury.
package treasury

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/coinselect"
	"github.com/0xb10c/treasury-go/src/keystore"
	"github.com/0xb10c/treasury-go/src/metrics"
	"github.com/0xb10c/treasury-go/src/ratelimit"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/txbuilder"
	"github.com/0xb10c/treasury-go/src/types"
	"github.com/0xb10c/treasury-go/src/withdrawal"
)

// Config holds the withdrawal policy.
type Config struct {
	Network       types.Network
	FeeModel      coinselect.FeeModel
	DustThreshold uint64
	// DailyCap is the most a user can withdraw in 24 hours. Zero disables
	// the limit.
	DailyCap uint64
	// MaxWithdrawal caps a single request. Zero means no cap.
	MaxWithdrawal uint64
}

// DefaultConfig returns the policy for network with the default fee model.
func DefaultConfig(network types.Network) Config {
	return Config{
		Network:       network,
		FeeModel:      coinselect.DefaultFeeModel(),
		DustThreshold: coinselect.DefaultDustThreshold,
	}
}

// Engine is the treasury. It is safe for concurrent use; withdrawals and
// reconciliation serialize on the ledger's exclusive section.
type Engine struct {
	store   *storage.Storage
	chain   chain.Client
	keys    *keystore.Keystore
	builder *txbuilder.Builder
	limiter *ratelimit.Limiter
	cfg     Config
	log     logrus.FieldLogger
	now     func() time.Time
}

func New(store *storage.Storage, c chain.Client, keys *keystore.Keystore, cfg Config, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:   store,
		chain:   c,
		keys:    keys,
		builder: txbuilder.New(c, cfg.Network.IsMainnet()),
		limiter: ratelimit.New(cfg.DailyCap),
		cfg:     cfg,
		log:     log.WithField("component", "treasury"),
		now:     time.Now,
	}
}

// CreateWallet generates the treasury key. It fails with
// storage.ErrWalletExists if there is a wallet already.
func (e *Engine) CreateWallet(ctx context.Context) (*types.Wallet, error) {
	w, err := e.keys.Generate(e.now())
	if err != nil {
		return nil, err
	}
	return w, e.storeWallet(ctx, w)
}

// ImportWallet makes an existing WIF key the treasury key.
func (e *Engine) ImportWallet(ctx context.Context, wif string) (*types.Wallet, error) {
	w, err := e.keys.Import(wif, e.now())
	if err != nil {
		return nil, &ValidationError{Field: "wif", Reason: err.Error()}
	}
	return w, e.storeWallet(ctx, w)
}

func (e *Engine) storeWallet(ctx context.Context, w *types.Wallet) error {
	if err := e.store.InsertWallet(ctx, w); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"address":   w.Address,
		"encrypted": w.Encrypted,
	}).Info("wallet created")
	return nil
}

func (e *Engine) Wallet(ctx context.Context) (*types.Wallet, error) {
	return e.store.Wallet(ctx)
}

// Balance returns the stored aggregate. If it diverged from the summed
// outputs it is recomputed first.
func (e *Engine) Balance(ctx context.Context) (*types.TreasuryBalance, error) {
	err := e.store.CheckIntegrity(ctx)
	if err == nil {
		return e.store.Balance(ctx)
	}
	if !storage.IsErrorDataIntegrity(err) {
		return nil, err
	}

	metrics.IntegrityError()
	e.log.WithError(err).Error("stored balance diverged, recomputing")

	var b *types.TreasuryBalance
	err = e.store.Exclusive(ctx, func(tx *storage.LedgerTx) (err error) {
		b, err = tx.RecomputeBalance(ctx, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.Balance(b.TotalSatoshis)
	return b, nil
}

// History lists transaction records, newest first.
func (e *Engine) History(ctx context.Context, q storage.TransactionQuery) ([]types.TransactionRecord, error) {
	return e.store.Transactions(ctx, q)
}

// Cooldown is how long userID has to wait before withdrawing again, along
// with the window it was computed from.
func (e *Engine) Cooldown(ctx context.Context, userID string) (time.Duration, *types.WithdrawalWindow, error) {
	if userID == "" {
		return 0, nil, &ValidationError{Field: "user", Reason: "empty"}
	}
	return e.limiter.Remaining(ctx, e.store, userID, e.now())
}

// ResolvePending settles an outgoing record whose broadcast was never
// confirmed. If the chain knows the transaction the record is confirmed.
// Otherwise, with release set, it is marked failed and its inputs become
// spendable again; without release it is left as is.
func (e *Engine) ResolvePending(ctx context.Context, txid string, release bool) (*types.TransactionRecord, error) {
	txid, err := types.NormalizeTxID(txid)
	if err != nil {
		return nil, &ValidationError{Field: "txid", Reason: err.Error()}
	}
	w, err := e.store.Wallet(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := e.chain.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, errors.Wrapf(err, "could not look up %s", txid)
	}

	var rec *types.TransactionRecord
	err = e.store.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		rec, err = tx.Transaction(ctx, txid)
		if err != nil {
			return err
		}
		if rec.Direction != types.Outgoing || (rec.Status != types.StatusPending && rec.Status != types.StatusUnknown) {
			return &ValidationError{Field: "txid", Reason: "not an open withdrawal"}
		}

		now := e.now()
		switch {
		case raw != nil:
			return withdrawal.Confirm(ctx, tx, rec, withdrawal.Found, w.Address, now)
		case release:
			_, err := withdrawal.Fail(ctx, tx, rec, withdrawal.Released, now)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"txid":   txid,
		"status": rec.Status,
	}).Warn("open withdrawal resolved")
	return rec, nil
}
