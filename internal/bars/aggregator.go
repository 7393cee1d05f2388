package bars

import (
	"sync"
	"time"

	"riskflow/internal/models"
	"riskflow/logger"
)

// Aggregator folds a trade stream into fixed, wall-clock-aligned bars.
// A bar seals exactly once, when the first trade of a later window arrives
// or on Flush. Trades behind the open window are dropped, never merged into
// a sealed bar.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	emit   func(models.Bar)
	log    *logger.Entry

	cur       *models.Bar
	notional  float64 // running sum of price*qty for vwap
	lateDrops int64
}

func NewAggregator(window time.Duration, emit func(models.Bar)) *Aggregator {
	return &Aggregator{
		window: window,
		emit:   emit,
		log:    logger.GetLogger().WithComponent("bar_aggregator"),
	}
}

// AddTrade folds one trade into the open bar, sealing and emitting the
// previous bar if the trade belongs to a later window.
func (a *Aggregator) AddTrade(t models.Trade) {
	windowMs := a.window.Milliseconds()
	start := t.Timestamp - t.Timestamp%windowMs

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil && start < a.cur.Timestamp {
		a.lateDrops++
		a.log.WithFields(logger.Fields{
			"trade_ts":   t.Timestamp,
			"bar_ts":     a.cur.Timestamp,
			"late_drops": a.lateDrops,
		}).Debug("dropping trade behind open window")
		return
	}

	if a.cur == nil || start > a.cur.Timestamp {
		a.sealLocked()
		a.cur = &models.Bar{
			Symbol:    t.Symbol,
			Timestamp: start,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
		}
		a.notional = 0
	}

	b := a.cur
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Quantity
	if t.Side == models.TakerSell {
		b.SellVolume += t.Quantity
	} else {
		b.BuyVolume += t.Quantity
	}
	b.CVD = b.BuyVolume - b.SellVolume
	b.TradeCount++
	a.notional += t.Price * t.Quantity
}

// Flush seals and emits the open bar. Used on shutdown so a partial window
// is not lost.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealLocked()
}

// LateDrops reports how many trades were discarded for arriving behind the
// open window.
func (a *Aggregator) LateDrops() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lateDrops
}

func (a *Aggregator) sealLocked() {
	if a.cur == nil {
		return
	}
	b := *a.cur
	if b.Volume > 0 {
		b.VWAP = a.notional / b.Volume
	} else {
		b.VWAP = b.Close
	}
	a.cur = nil
	a.notional = 0
	a.emit(b)
}
