package test

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
)

// GenerateTxID returns a deterministic txid-shaped hex string for a seed.
func GenerateTxID(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// GetPrivateKey returns a private key derived from a fixed seed.
func GetPrivateKey(seed string) *bec.PrivateKey {
	h := sha256.Sum256([]byte("key:" + seed))
	priv, _ := bec.PrivateKeyFromBytes(h[:])
	return priv
}

// GetPrivateKeyWIF returns the private key in WIF (wallet import format)
func GetPrivateKeyWIF(seed string) string {
	return GetPrivateKey(seed).Wif()
}

// GetAddress returns the mainnet P2PKH address for a seed.
func GetAddress(seed string) string {
	addr, err := bscript.NewAddressFromPublicKey(GetPrivateKey(seed).PubKey(), true)
	if err != nil {
		panic(err)
	}
	return addr.AddressString
}

// TreasurySeed is the seed of the wallet most tests operate on.
var TreasurySeed = "treasury"

// TreasuryAddress receives deposits in tests.
var TreasuryAddress = GetAddress(TreasurySeed)

// DestinationAddress is an external payee.
var DestinationAddress = GetAddress("destination")
