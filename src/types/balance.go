package types

import (
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SatoshisPerBSV is the number of satoshis in one BSV.
const SatoshisPerBSV = 100_000_000

// TreasuryBalance is the aggregate of all unspent treasury outputs.
type TreasuryBalance struct {
	TotalSatoshis uint64    `json:"totalSatoshis"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// WithdrawalWindow summarises a user's withdrawals in the trailing window.
type WithdrawalWindow struct {
	UserID         string     `json:"userId"`
	TotalSatoshis  uint64     `json:"totalSatoshis"`
	LastWithdrawal *time.Time `json:"lastWithdrawal,omitempty"`
}

var satoshisPerBSV = decimal.NewFromInt(SatoshisPerBSV)

// SatoshisToBSV converts an amount for display. Stored and computed values
// always stay in satoshis.
func SatoshisToBSV(satoshis uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(satoshis), 0).Div(satoshisPerBSV)
}

// ParseBSV converts a user supplied BSV amount into satoshis. More than 8
// decimal places or a negative amount are rejected.
func ParseBSV(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid BSV amount %q", s)
	}
	sats := d.Mul(satoshisPerBSV)
	if !sats.IsInteger() {
		return 0, errors.Errorf("BSV amount %q has more than 8 decimal places", s)
	}
	if sats.IsNegative() {
		return 0, errors.Errorf("BSV amount %q is negative", s)
	}
	return sats.BigInt().Uint64(), nil
}

// FormatBSV renders satoshis as a BSV amount with 8 decimal places.
func FormatBSV(satoshis uint64) string {
	return SatoshisToBSV(satoshis).StringFixed(8)
}
