package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// NormalizeTxID validates a transaction id given as hex in RPC byte order and
// returns it lowercased. The RPC byte order is the reverse of the internal
// byte order, see https://bitcoin.stackexchange.com/a/32767/3811.
func NormalizeTxID(txid string) (string, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return "", errors.Wrapf(err, "invalid txid %q", txid)
	}
	if len(txid) != 2*chainhash.HashSize {
		return "", errors.Errorf("invalid txid length %d", len(txid))
	}
	return h.String(), nil
}

// Outpoint identifies a single transaction output.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// ParseOutpoint parses the `txid:vout` form produced by Outpoint.String.
func ParseOutpoint(s string) (Outpoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Outpoint{}, errors.Errorf("invalid outpoint %q", s)
	}
	txid, err := NormalizeTxID(s[:i])
	if err != nil {
		return Outpoint{}, err
	}
	vout, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Outpoint{}, errors.Wrapf(err, "invalid output index in %q", s)
	}
	return Outpoint{TxID: txid, Vout: uint32(vout)}, nil
}
