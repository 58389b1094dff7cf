// Package keystore creates the treasury key and keeps it encrypted at rest
// when a passphrase is configured.
package keystore

import (
	"encoding/hex"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/pkg/errors"

	"github.com/0xb10c/treasury-go/src/types"
)

// Keystore turns private keys into wallet records and back.
type Keystore struct {
	network    types.Network
	passphrase []byte
	params     Params
}

// New returns a keystore for network. An empty passphrase stores keys as
// plain WIF.
func New(network types.Network, passphrase string) *Keystore {
	return &Keystore{
		network:    network,
		passphrase: []byte(passphrase),
		params:     DefaultParams(),
	}
}

// WithParams overrides the Argon2id cost, mainly for tests.
func (k *Keystore) WithParams(p Params) *Keystore {
	k.params = p
	return k
}

// Address derives the P2PKH address of key on the keystore's network.
func (k *Keystore) Address(key *bec.PrivateKey) (string, error) {
	addr, err := bscript.NewAddressFromPublicKey(key.PubKey(), k.network.IsMainnet())
	if err != nil {
		return "", errors.Wrap(err, "could not derive address")
	}
	return addr.AddressString, nil
}

// Generate creates a wallet record for a new random key.
func (k *Keystore) Generate(now time.Time) (*types.Wallet, error) {
	key, err := bec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "could not generate key")
	}
	return k.wallet(key, now)
}

// Import creates a wallet record for an existing WIF key.
func (k *Keystore) Import(wif string, now time.Time) (*types.Wallet, error) {
	key, err := bec.PrivateKeyFromWif(wif)
	if err != nil {
		return nil, errors.Wrap(err, "invalid WIF")
	}
	return k.wallet(key, now)
}

func (k *Keystore) wallet(key *bec.PrivateKey, now time.Time) (*types.Wallet, error) {
	address, err := k.Address(key)
	if err != nil {
		return nil, err
	}

	w := &types.Wallet{
		Address:    address,
		PrivateKey: key.Wif(),
		CreatedAt:  now.UTC(),
	}
	if len(k.passphrase) > 0 {
		sealed, err := Encrypt([]byte(w.PrivateKey), k.passphrase, k.params)
		if err != nil {
			return nil, err
		}
		w.PrivateKey = hex.EncodeToString(sealed)
		w.Encrypted = true
	}
	return w, nil
}

// Load returns the signing key of a stored wallet. It fails if the key
// cannot be decrypted or does not belong to the wallet's address.
func (k *Keystore) Load(w *types.Wallet) (*bec.PrivateKey, error) {
	wif := w.PrivateKey
	if w.Encrypted {
		if len(k.passphrase) == 0 {
			return nil, errors.New("wallet key is encrypted but no passphrase is configured")
		}
		sealed, err := hex.DecodeString(w.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "malformed encrypted key")
		}
		plain, err := Decrypt(sealed, k.passphrase)
		if err != nil {
			return nil, err
		}
		wif = string(plain)
	}

	key, err := bec.PrivateKeyFromWif(wif)
	if err != nil {
		return nil, errors.Wrap(err, "stored key is not a valid WIF")
	}
	address, err := k.Address(key)
	if err != nil {
		return nil, err
	}
	if address != w.Address {
		return nil, errors.Errorf("stored key does not match wallet address %s", w.Address)
	}
	return key, nil
}
