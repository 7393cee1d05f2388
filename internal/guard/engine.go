package guard

import (
	"fmt"
	"math"
	"sync"
	"time"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// MarketReader is the read side of the event log the engine derives from.
type MarketReader interface {
	Latest(topic string, n int) ([]stream.Entry, error)
	CountSince(topic string, floor time.Time) (int, error)
}

// BasisSource supplies the USDC/USDT basis. Optional; a nil source leaves
// the basis metric at zero with fallback provenance.
type BasisSource interface {
	BasisBps(usdtPx float64, maxAge time.Duration) (bps float64, stale bool, ok bool)
}

// Engine derives the composite guard verdict from the latest market state.
// Results are cached for a short TTL since every API consumer polls the same
// verdict. Evaluation fails open: when live data is missing the engine
// serves the last good snapshot with fallback provenance rather than
// erroring, and consumers decide how much to trust it.
type Engine struct {
	cfg   *config.Config
	store MarketReader
	basis BasisSource
	cache *stream.Cache
	now   func() time.Time
	log   *logger.Entry

	mu       sync.Mutex
	lastGood *models.GuardSnapshot
}

func NewEngine(cfg *config.Config, store MarketReader, basis BasisSource) *Engine {
	return &Engine{
		cfg:   cfg,
		store: store,
		basis: basis,
		cache: stream.NewCache(cfg.Guard.CacheTTL.Std(), nil),
		now:   time.Now,
		log:   logger.GetLogger().WithComponent("guard_engine"),
	}
}

// SetClock overrides the time source and rebuilds the result cache on the
// same clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.cache = stream.NewCache(e.cfg.Guard.CacheTTL.Std(), stream.Clock(now))
}

// Evaluate returns the current guard snapshot, cached for the configured
// TTL. It never returns nil.
func (e *Engine) Evaluate() *models.GuardSnapshot {
	v, err := e.cache.Get("guards", func() (any, error) {
		return e.evaluate()
	})
	if err != nil {
		return e.fallback(err)
	}

	snap := v.(*models.GuardSnapshot)
	e.mu.Lock()
	e.lastGood = snap
	e.mu.Unlock()
	return snap
}

func (e *Engine) evaluate() (*models.GuardSnapshot, error) {
	now := e.now()
	snap := &models.GuardSnapshot{
		Timestamp:   now.UnixMilli(),
		Status:      models.GuardPassing,
		Warnings:    []string{},
		DataSources: map[string]models.DataSource{},
	}

	prev := e.lastGoodCopy()
	symbol := e.cfg.Market.Symbol

	// Spread and depth from the latest book snapshot.
	var mid float64
	books, err := e.store.Latest(stream.BookTopic(symbol), 1)
	if err != nil {
		return nil, fmt.Errorf("read book topic: %w", err)
	}
	if len(books) > 0 {
		b := books[0]
		snap.SpreadBps = b.Float("spread_bps")
		snap.Depth = models.DepthMetrics{
			BidUSD: b.Float("depth_bid_usd"),
			AskUSD: b.Float("depth_ask_usd"),
		}
		mid = b.Float("mid_px")
		snap.DataSources["book"] = models.SourceLive
	} else if prev != nil {
		snap.SpreadBps = prev.SpreadBps
		snap.Depth = prev.Depth
		snap.DataSources["book"] = models.SourceFallback
	} else {
		snap.DataSources["book"] = models.SourceFallback
	}

	// Funding APR and open interest from the latest poll cycle.
	fundings, err := e.store.Latest(stream.FundingTopic(symbol), 1)
	if err != nil {
		return nil, fmt.Errorf("read funding topic: %w", err)
	}
	if len(fundings) > 0 {
		f := fundings[0]
		snap.FundingAPR = f.Float("funding_apr")
		snap.OINotional = f.Float("oi_notional")
		snap.DataSources["funding"] = models.SourceLive
	} else if prev != nil {
		snap.FundingAPR = prev.FundingAPR
		snap.OINotional = prev.OINotional
		snap.DataSources["funding"] = models.SourceFallback
	} else {
		snap.DataSources["funding"] = models.SourceFallback
	}

	// Liquidation pressure over the rolling window.
	count, err := e.store.CountSince(stream.LiquidationsTopic(symbol), now.Add(-e.cfg.Guard.LiqWindow.Std()))
	if err != nil {
		return nil, fmt.Errorf("count liquidations: %w", err)
	}
	snap.LiqEvents5m = int64(count)
	snap.DataSources["liquidations"] = models.SourceLive

	// Basis is informational, never thresholded.
	if e.basis != nil && mid > 0 {
		if bps, stale, ok := e.basis.BasisBps(mid, e.cfg.Guard.CacheTTL.Std()); ok {
			snap.BasisBps = bps
			if stale {
				snap.DataSources["basis"] = models.SourceFallback
			} else {
				snap.DataSources["basis"] = models.SourceLive
			}
		} else {
			snap.DataSources["basis"] = models.SourceFallback
		}
	} else {
		snap.DataSources["basis"] = models.SourceFallback
	}

	e.applyChecks(snap)
	return snap, nil
}

// applyChecks runs the threshold checks in a fixed order so warnings come
// out deterministically, and folds each verdict in at max severity.
func (e *Engine) applyChecks(snap *models.GuardSnapshot) {
	g := e.cfg.Guard

	if snap.SpreadBps > g.SpreadWarnBps {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("Spread: %.2fbps (>%.0fbps)", snap.SpreadBps, g.SpreadWarnBps))
		snap.Status = snap.Status.Max(models.GuardWarning)
	}

	minDepth := math.Min(snap.Depth.BidUSD, snap.Depth.AskUSD)
	if minDepth < g.DepthWarnUSD {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("Depth(10bps): $%.0f (<$%.0f)", minDepth, g.DepthWarnUSD))
		snap.Status = snap.Status.Max(models.GuardWarning)
	}

	if math.Abs(snap.FundingAPR) > g.FundingWarnAPR {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("Funding APR: %.1f%% (>%.0f%%)", snap.FundingAPR, g.FundingWarnAPR))
		snap.Status = snap.Status.Max(models.GuardWarning)
	}

	if snap.LiqEvents5m > int64(g.LiqBreachCount) {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("Liquidations(5m): %d (>%d)", snap.LiqEvents5m, g.LiqBreachCount))
		snap.Status = snap.Status.Max(models.GuardBreach)
	}
}

// fallback serves the last good verdict with every metric marked fallback.
// With no prior verdict the engine fails open: passing, all fallback.
func (e *Engine) fallback(cause error) *models.GuardSnapshot {
	e.log.WithError(cause).Warn("guard evaluation failed, serving fallback snapshot")

	snap := &models.GuardSnapshot{
		Timestamp:   e.now().UnixMilli(),
		Status:      models.GuardPassing,
		Warnings:    []string{},
		DataSources: map[string]models.DataSource{},
	}
	if prev := e.lastGoodCopy(); prev != nil {
		*snap = *prev
		snap.Timestamp = e.now().UnixMilli()
	}
	// Fresh map so the retained last-good snapshot keeps its own provenance.
	snap.DataSources = map[string]models.DataSource{}
	for _, k := range []string{"book", "funding", "liquidations", "basis"} {
		snap.DataSources[k] = models.SourceFallback
	}
	return snap
}

func (e *Engine) lastGoodCopy() *models.GuardSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastGood == nil {
		return nil
	}
	cp := *e.lastGood
	return &cp
}
