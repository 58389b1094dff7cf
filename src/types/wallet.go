package types

import (
	"time"

	"github.com/pkg/errors"
)

// Network selects address encoding and the testnet flag of stored records.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	// Regtest uses testnet address encoding.
	Regtest Network = "regtest"
)

// ParseNetwork parses a network name.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Mainnet, Testnet, Regtest:
		return n, nil
	}
	return "", errors.Errorf("unknown network %q", s)
}

// IsMainnet is true when mainnet address prefixes are used.
func (n Network) IsMainnet() bool {
	return n == Mainnet
}

// Wallet is the single treasury wallet. PrivateKey is either a WIF or, when
// Encrypted is set, the hex encoded ciphertext produced by the keystore.
type Wallet struct {
	Address    string    `json:"address"`
	PrivateKey string    `json:"-"`
	Encrypted  bool      `json:"encrypted"`
	CreatedAt  time.Time `json:"createdAt"`
}
