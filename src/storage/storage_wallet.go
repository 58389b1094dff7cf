package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// Wallet returns the treasury wallet or ErrNoWallet.
func (l *ledger) Wallet(ctx context.Context) (*types.Wallet, error) {
	var w types.Wallet
	var createdAt int64
	err := l.queryRow(ctx,
		`SELECT address, private_key, encrypted, created_at FROM wallet WHERE id = 1`,
	).Scan(&w.Address, &w.PrivateKey, &w.Encrypted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read wallet")
	}
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &w, nil
}

// InsertWallet stores the treasury wallet. Only one wallet can ever exist;
// a second insert fails with ErrWalletExists.
func (l *ledger) InsertWallet(ctx context.Context, w *types.Wallet) error {
	const insertWallet = `
	INSERT INTO wallet (id, address, private_key, encrypted, created_at)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`

	res, err := l.exec(ctx, insertWallet, w.Address, w.PrivateKey, w.Encrypted, w.CreatedAt.Unix())
	if err != nil {
		return errors.Wrap(err, "could not insert wallet")
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWalletExists
	}
	return nil
}
