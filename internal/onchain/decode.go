package onchain

import (
	"encoding/binary"
	"fmt"
	"math"

	"riskflow/internal/models"
)

// On-chain fixed-point precisions for perp position accounts.
const (
	basePrecision  = 1e9
	quotePrecision = 1e6
)

// Byte layout of the position slice this scanner reads: an 8-byte account
// discriminator, the 32-byte authority, then the little-endian position
// fields.
const (
	offMarketIndex = 40
	offBaseAmount  = 42
	offQuoteEntry  = 50
	offCollateral  = 58
	positionLen    = 66
)

// DecodePosition parses one program account into a position state. The
// quote entry amount carries the opposite sign of the base amount; entry
// price is their unsigned ratio.
func DecodePosition(account string, data []byte) (models.PositionState, error) {
	if len(data) < positionLen {
		return models.PositionState{}, fmt.Errorf("account %s: data too short (%d bytes)", account, len(data))
	}

	marketIndex := binary.LittleEndian.Uint16(data[offMarketIndex:])
	baseRaw := int64(binary.LittleEndian.Uint64(data[offBaseAmount:]))
	quoteRaw := int64(binary.LittleEndian.Uint64(data[offQuoteEntry:]))
	collateralRaw := int64(binary.LittleEndian.Uint64(data[offCollateral:]))

	size := float64(baseRaw) / basePrecision
	avgEntry := 0.0
	if baseRaw != 0 {
		avgEntry = math.Abs(float64(quoteRaw)/quotePrecision) / math.Abs(size)
	}

	return models.PositionState{
		Account:       account,
		MarketIndex:   int32(marketIndex),
		PositionSize:  size,
		AvgEntryPrice: avgEntry,
		CollateralUSD: float64(collateralRaw) / quotePrecision,
	}, nil
}
