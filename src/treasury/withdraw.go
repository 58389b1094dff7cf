package treasury

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/coinselect"
	"github.com/0xb10c/treasury-go/src/metrics"
	"github.com/0xb10c/treasury-go/src/ratelimit"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/txbuilder"
	"github.com/0xb10c/treasury-go/src/types"
	"github.com/0xb10c/treasury-go/src/withdrawal"
)

const maxIdempotencyKeyLen = 128

// WithdrawalRequest asks for a payment of Satoshis to Destination on behalf
// of UserID. Requests with the same IdempotencyKey pay at most once; an empty
// key is replaced by a random one.
type WithdrawalRequest struct {
	UserID         string
	Destination    string
	Satoshis       uint64
	IdempotencyKey string
}

// Withdrawal is the outcome of a successful request.
type Withdrawal struct {
	Record    *types.TransactionRecord
	Selection *coinselect.Selection
	// Replayed is set when the idempotency key was used before and no new
	// payment was made. Keys of failed withdrawals are not replayed.
	Replayed bool
}

func (e *Engine) validate(req *WithdrawalRequest, treasuryAddress string) error {
	if req.UserID == "" {
		return &ValidationError{Field: "user", Reason: "empty"}
	}
	if req.Satoshis == 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.Satoshis <= e.cfg.DustThreshold {
		return &ValidationError{Field: "amount", Reason: "below the dust threshold"}
	}
	if e.cfg.MaxWithdrawal > 0 && req.Satoshis > e.cfg.MaxWithdrawal {
		return &ValidationError{Field: "amount", Reason: "exceeds the per-request maximum"}
	}
	if e.cfg.DailyCap > 0 && req.Satoshis > e.cfg.DailyCap {
		return &ValidationError{Field: "amount", Reason: "exceeds the daily cap"}
	}

	req.Destination = strings.TrimSpace(req.Destination)
	addr, err := bscript.NewAddressFromString(req.Destination)
	if err != nil {
		return &ValidationError{Field: "destination", Reason: err.Error()}
	}
	pkh, err := hex.DecodeString(addr.PublicKeyHash)
	if err != nil {
		return &ValidationError{Field: "destination", Reason: err.Error()}
	}
	canonical, err := bscript.NewAddressFromPublicKeyHash(pkh, e.cfg.Network.IsMainnet())
	if err != nil || canonical.AddressString != req.Destination {
		return &ValidationError{Field: "destination", Reason: "not a P2PKH address on " + string(e.cfg.Network)}
	}
	if req.Destination == treasuryAddress {
		return &ValidationError{Field: "destination", Reason: "is the treasury address"}
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return &ValidationError{Field: "idempotency key", Reason: "too long"}
	}
	return nil
}

// Withdraw pays out a request.
//
// The payment is signed and recorded as pending, with its inputs reserved, in
// one exclusive section. It is then broadcast and the outcome recorded in a
// second section: accepted payments become broadcast, rejected ones failed
// with their inputs released. When the outcome cannot be determined the
// record is marked unknown, the inputs stay reserved and a
// *chain.BroadcastUnknownError is returned; the payment is never rebroadcast
// automatically.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawalRequest) (*Withdrawal, error) {
	w, err := e.store.Wallet(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.validate(&req, w.Address); err != nil {
		metrics.Withdrawal("invalid")
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{
		"user":           req.UserID,
		"satoshis":       req.Satoshis,
		"idempotencyKey": req.IdempotencyKey,
	})

	key, err := e.keys.Load(w)
	if err != nil {
		return nil, &txbuilder.SigningError{Err: err}
	}

	var (
		res    = &Withdrawal{}
		signed *txbuilder.Signed
	)
	err = e.store.Exclusive(ctx, func(tx *storage.LedgerTx) error {
		existing, err := tx.TransactionByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.UserID == nil || *existing.UserID != req.UserID {
				return &ValidationError{Field: "idempotency key", Reason: "used by another user"}
			}
			if existing.Status == types.StatusFailed {
				return &ValidationError{
					Field:  "idempotency key",
					Reason: "withdrawal " + existing.TxID + " failed, retry with a new key",
				}
			}
			res.Record, res.Replayed = existing, true
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		now := e.now()
		if err := e.limiter.Check(ctx, tx, req.UserID, req.Satoshis, now); err != nil {
			return err
		}

		snapshot, err := tx.SpendableUTXOs(ctx, w.Address)
		if err != nil {
			return err
		}
		sel, err := coinselect.Select(snapshot, req.Satoshis, e.cfg.FeeModel, e.cfg.DustThreshold)
		if err != nil {
			return err
		}

		signed, err = e.builder.Build(ctx, key, txbuilder.Request{
			Inputs:        sel.Inputs,
			Destination:   req.Destination,
			Amount:        sel.Amount,
			ChangeAddress: w.Address,
			Change:        sel.Change,
		})
		if err != nil {
			return err
		}

		userID, idempotencyKey := req.UserID, req.IdempotencyKey
		res.Selection = sel
		res.Record = &types.TransactionRecord{
			TxID:           signed.TxID,
			Date:           now,
			Direction:      types.Outgoing,
			Status:         types.StatusPending,
			RawTx:          hex.EncodeToString(signed.Raw),
			Decoded:        signed.Decoded,
			Satoshis:       sel.Amount,
			FeeSatoshis:    signed.Fee,
			Testnet:        !e.cfg.Network.IsMainnet(),
			UserID:         &userID,
			IdempotencyKey: &idempotencyKey,
		}
		return withdrawal.Reserve(ctx, tx, res.Record, sel.Inputs, now)
	})
	if err != nil {
		if ratelimit.IsErrorRateLimitExceeded(err) {
			metrics.RateLimited()
		}
		metrics.Withdrawal("rejected")
		log.WithError(err).Info("withdrawal refused")
		return nil, err
	}
	if res.Replayed {
		log.WithField("txid", res.Record.TxID).Info("withdrawal replayed")
		return res, nil
	}

	log = log.WithField("txid", res.Record.TxID)
	txid, broadcastErr := e.chain.Broadcast(ctx, signed.Raw)
	if broadcastErr == nil && txid != res.Record.TxID {
		log.WithField("reported", txid).Warn("backend reported a different txid")
	}

	// the outcome is recorded even if the caller gave up meanwhile
	recordCtx := context.WithoutCancel(ctx)
	switch {
	case broadcastErr == nil:
		err = e.store.Exclusive(recordCtx, func(tx *storage.LedgerTx) error {
			return e.confirm(recordCtx, tx, res.Record, w.Address)
		})
		if err != nil {
			metrics.Withdrawal("unrecorded")
			log.WithError(err).Error("payment broadcast but not recorded")
			return nil, &UnrecordedPaymentError{TxID: res.Record.TxID, IdempotencyKey: req.IdempotencyKey, Err: err}
		}
		metrics.Withdrawal("broadcast")
		log.Info("withdrawal broadcast")
		return res, nil

	case chain.IsErrorNode(broadcastErr) && !chain.IsErrorBroadcastUnknown(broadcastErr):
		err = e.store.Exclusive(recordCtx, func(tx *storage.LedgerTx) error {
			_, err := withdrawal.Fail(recordCtx, tx, res.Record, withdrawal.Rejected, e.now())
			return err
		})
		if err != nil {
			log.WithError(err).Error("could not release inputs of rejected withdrawal")
		}
		metrics.Withdrawal("failed")
		log.WithError(broadcastErr).Warn("withdrawal rejected by node")
		return nil, errors.Wrap(broadcastErr, "broadcast rejected")

	default:
		err = e.store.Exclusive(recordCtx, func(tx *storage.LedgerTx) error {
			return e.markUnknown(recordCtx, tx, res.Record)
		})
		if err != nil {
			log.WithError(err).Error("could not mark withdrawal unknown")
		}
		metrics.Withdrawal("unknown")
		log.WithError(broadcastErr).Error("withdrawal broadcast outcome unknown, operator action required")

		var unknown *chain.BroadcastUnknownError
		if errors.As(broadcastErr, &unknown) {
			return nil, unknown
		}
		return nil, &chain.BroadcastUnknownError{TxID: res.Record.TxID, Err: broadcastErr}
	}
}

// confirm records an accepted broadcast unless the synchronizer has found
// the transaction on chain in the meantime.
func (e *Engine) confirm(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord, address string) error {
	current, err := tx.Transaction(ctx, rec.TxID)
	if err != nil {
		return err
	}
	if current.Status == types.StatusBroadcast {
		*rec = *current
		return nil
	}
	if err := withdrawal.Confirm(ctx, tx, current, withdrawal.Accepted, address, e.now()); err != nil {
		return err
	}
	*rec = *current
	return nil
}

func (e *Engine) markUnknown(ctx context.Context, tx *storage.LedgerTx, rec *types.TransactionRecord) error {
	current, err := tx.Transaction(ctx, rec.TxID)
	if err != nil {
		return err
	}
	if current.Status != types.StatusPending {
		*rec = *current
		return nil
	}
	if err := withdrawal.MarkUnknown(ctx, tx, current); err != nil {
		return err
	}
	*rec = *current
	return nil
}
