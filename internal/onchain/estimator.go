package onchain

import (
	"math"

	"riskflow/internal/models"
)

// Estimate derives an oracle-based liquidation estimate for one decoded
// position. The liquidation price solves equity = maintenance requirement:
//
//	C + q*(p - avg) = m * |q| * p
//
// for the mark price p, with q the signed base size, avg the entry price,
// C the collateral and m the maintenance margin ratio. Positions whose
// solution is non-positive or non-finite cannot be liquidated by price
// alone and are discarded.
func Estimate(pos models.PositionState, oraclePx, maintMarginRatio float64, nowMs int64) (models.LiquidationEstimate, bool) {
	q := pos.PositionSize
	if q == 0 || oraclePx <= 0 || pos.CollateralUSD <= 0 {
		return models.LiquidationEstimate{}, false
	}

	denom := maintMarginRatio*math.Abs(q) - q
	if denom == 0 {
		return models.LiquidationEstimate{}, false
	}

	liqPx := (pos.CollateralUSD - q*pos.AvgEntryPrice) / denom
	if liqPx <= 0 || math.IsInf(liqPx, 0) || math.IsNaN(liqPx) {
		return models.LiquidationEstimate{}, false
	}

	// Signed gap between the liquidation price and the oracle. Negative for
	// a solvent long (liquidation sits below the oracle), positive for a
	// solvent short.
	distanceBps := (liqPx - oraclePx) / oraclePx * 10000

	// Health is equity over the maintenance requirement at the oracle.
	equity := pos.CollateralUSD + q*(oraclePx-pos.AvgEntryPrice)
	maintReq := maintMarginRatio * math.Abs(q) * oraclePx
	health := 1.0
	if maintReq > 0 {
		health = equity / maintReq
	}

	return models.LiquidationEstimate{
		Account:       pos.Account,
		MarketIndex:   pos.MarketIndex,
		PositionSize:  q,
		AvgEntryPrice: pos.AvgEntryPrice,
		EstLiqPx:      liqPx,
		CollateralUSD: pos.CollateralUSD,
		Leverage:      math.Abs(q) * oraclePx / pos.CollateralUSD,
		Health:        health,
		DistanceBps:   distanceBps,
		UpdatedAt:     nowMs,
	}, true
}
