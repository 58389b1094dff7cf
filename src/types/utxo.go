package types

import "time"

// UTXO is an output paying to the treasury that the ledger tracks. Rows are
// never deleted; spent outputs are kept for audit.
type UTXO struct {
	Outpoint
	Address       string    `json:"address"`
	Satoshis      uint64    `json:"satoshis"`
	ScriptPubKey  string    `json:"scriptPubKey"`
	Confirmations int64     `json:"confirmations"`
	Spent         bool      `json:"spent"`
	SpentByTxID   *string   `json:"spentByTxid,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TotalSatoshis sums the amounts of the passed outputs.
func TotalSatoshis(utxos []UTXO) (total uint64) {
	for _, u := range utxos {
		total += u.Satoshis
	}
	return total
}
