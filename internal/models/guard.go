package models

// GuardStatus is the composite verdict of the guard engine.
type GuardStatus string

const (
	GuardPassing GuardStatus = "passing"
	GuardWarning GuardStatus = "warning"
	GuardBreach  GuardStatus = "breach"
)

var severity = map[GuardStatus]int{
	GuardPassing: 0,
	GuardWarning: 1,
	GuardBreach:  2,
}

// Max returns the more severe of the two statuses.
func (s GuardStatus) Max(other GuardStatus) GuardStatus {
	if severity[other] > severity[s] {
		return other
	}
	return s
}

// DataSource records the provenance of a guard metric. Consumers must not
// treat a fallback "passing" verdict as authoritative.
type DataSource string

const (
	SourceLive     DataSource = "live"
	SourceFallback DataSource = "fallback"
)

// DepthMetrics is the band-bounded notional depth per side.
type DepthMetrics struct {
	BidUSD float64 `json:"bid_usd"`
	AskUSD float64 `json:"ask_usd"`
}

// GuardSnapshot is the evaluated guard verdict with its constituent metrics
// and per-metric provenance.
type GuardSnapshot struct {
	Timestamp   int64                 `json:"ts"`
	SpreadBps   float64               `json:"spread_bps"`
	Depth       DepthMetrics          `json:"depth_10bps"`
	FundingAPR  float64               `json:"funding_apr"`
	BasisBps    float64               `json:"basis_bps"`
	OINotional  float64               `json:"oi_notional"`
	LiqEvents5m int64                 `json:"liq_events_5m"`
	Status      GuardStatus           `json:"status"`
	Warnings    []string              `json:"warnings"`
	DataSources map[string]DataSource `json:"data_sources"`
}
