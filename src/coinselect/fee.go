package coinselect

import (
	"math"

	"github.com/pkg/errors"
)

// FeeModel is a fixed linear size estimate priced at a constant rate.
// The rate is kept in millisatoshis per byte so fee math stays in integers.
type FeeModel struct {
	BaseSize         uint64
	PerInputSize     uint64
	PerOutputSize    uint64
	MilliSatsPerByte uint64
}

// DefaultFeeModel estimates P2PKH spends at 0.5 sat/byte.
func DefaultFeeModel() FeeModel {
	return FeeModel{
		BaseSize:         10,
		PerInputSize:     148,
		PerOutputSize:    34,
		MilliSatsPerByte: 500,
	}
}

// NewFeeModel builds a model from a fractional satoshis-per-byte rate.
func NewFeeModel(baseSize, perInputSize, perOutputSize uint64, satsPerByte float64) (FeeModel, error) {
	if satsPerByte < 0 || math.IsNaN(satsPerByte) || math.IsInf(satsPerByte, 0) {
		return FeeModel{}, errors.Errorf("invalid fee rate %v", satsPerByte)
	}
	return FeeModel{
		BaseSize:         baseSize,
		PerInputSize:     perInputSize,
		PerOutputSize:    perOutputSize,
		MilliSatsPerByte: uint64(math.Round(satsPerByte * 1000)),
	}, nil
}

// Size is the estimated serialized size in bytes.
func (m FeeModel) Size(inputs, outputs int) uint64 {
	return m.BaseSize + m.PerInputSize*uint64(inputs) + m.PerOutputSize*uint64(outputs)
}

// Fee is ceil(Size(inputs, outputs) * rate).
func (m FeeModel) Fee(inputs, outputs int) uint64 {
	milli := m.Size(inputs, outputs) * m.MilliSatsPerByte
	return (milli + 999) / 1000
}
