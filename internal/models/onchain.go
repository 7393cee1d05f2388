package models

// PositionState is a decoded on-chain perp position for one account.
type PositionState struct {
	Account       string  `json:"account"`
	MarketIndex   int32   `json:"market_index"`
	PositionSize  float64 `json:"position_size"` // signed base quantity
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CollateralUSD float64 `json:"collateral_usd"`
}

// LiquidationEstimate is an oracle-based liquidation distance estimate.
// Estimates with a non-positive or non-finite liquidation price are
// discarded upstream and never appear here.
type LiquidationEstimate struct {
	Account       string  `json:"account"`
	MarketIndex   int32   `json:"market_index"`
	PositionSize  float64 `json:"position_size"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	EstLiqPx      float64 `json:"est_liq_px"`
	CollateralUSD float64 `json:"collateral_usd"`
	Leverage      float64 `json:"leverage"`
	Health        float64 `json:"health"`
	DistanceBps   float64 `json:"distance_bps"` // (liq_px - oracle) / oracle * 1e4
	UpdatedAt     int64   `json:"updated_at"`
}

// ChainEvent is a verified on-chain event relayed through the webhook
// receiver onto the unified on-chain topic.
type ChainEvent struct {
	Signature string `json:"signature"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Slot      int64  `json:"slot"`
	EventJSON string `json:"event_json"`
}
