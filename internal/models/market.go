package models

// TakerSide is the canonical aggressor side of a trade.
type TakerSide string

const (
	TakerBuy  TakerSide = "buy"
	TakerSell TakerSide = "sell"
)

// Trade is a normalized trade print from any venue.
type Trade struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TakerSide `json:"side"`
	Timestamp int64     `json:"timestamp"` // exchange time, unix ms
	TradeID   int64     `json:"trade_id"`  // sequence id for dedup where available
}

// BookSnapshot is a derived top-of-book view with band-bounded depth.
// It is only produced when both sides of the book are populated.
type BookSnapshot struct {
	Symbol      string  `json:"symbol"`
	Timestamp   int64   `json:"timestamp"`
	BidPx       float64 `json:"bid_px"`
	BidQty      float64 `json:"bid_qty"`
	AskPx       float64 `json:"ask_px"`
	AskQty      float64 `json:"ask_qty"`
	MidPx       float64 `json:"mid_px"`
	SpreadBps   float64 `json:"spread_bps"`
	BidDepthUSD float64 `json:"depth_bid_usd"` // notional within the bps band below mid
	AskDepthUSD float64 `json:"depth_ask_usd"` // notional within the bps band above mid
}

// Bar is a sealed fixed-window trade aggregate.
type Bar struct {
	Symbol     string  `json:"symbol"`
	Timestamp  int64   `json:"timestamp"` // window start, unix ms
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	CVD        float64 `json:"cvd"`
	VWAP       float64 `json:"vwap"`
	TradeCount int64   `json:"trade_count"`
}

// FundingSnapshot combines open interest, funding rate and mark price from a
// single successful poll cycle. Partial cycles are never published.
type FundingSnapshot struct {
	Symbol          string  `json:"symbol"`
	Timestamp       int64   `json:"timestamp"`
	OIValue         float64 `json:"oi_value"`    // base quantity
	OINotional      float64 `json:"oi_notional"` // OI * mark price
	FundingRate     float64 `json:"funding_rate"`
	FundingAPR      float64 `json:"funding_apr"`
	NextFundingTime int64   `json:"next_funding_time"`
}

// PositionSide is the direction of a liquidated position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// LiquidationEvent is a liquidation normalized across venues. Raw side
// conventions differ per venue; normalizers map them onto PositionSide.
type LiquidationEvent struct {
	Venue     string       `json:"venue"`
	Symbol    string       `json:"symbol"`
	Side      PositionSide `json:"side"`
	Price     float64      `json:"price"`
	Quantity  float64      `json:"quantity"`
	Timestamp int64        `json:"timestamp"`
}

// Notional returns the USD notional of the liquidation.
func (e LiquidationEvent) Notional() float64 {
	return e.Price * e.Quantity
}
