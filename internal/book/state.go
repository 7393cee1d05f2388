package book

import (
	"sync"
	"time"

	"riskflow/internal/models"
)

// Level is one price level of a depth diff.
type Level struct {
	Price float64
	Qty   float64
}

// State holds the reconstructed order book for a single symbol. Diffs are
// applied under a single lock so snapshots always observe a whole update.
type State struct {
	mu           sync.Mutex
	symbol       string
	bids         map[float64]float64
	asks         map[float64]float64
	lastUpdateID int64
}

func NewState(symbol string) *State {
	return &State{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// ApplyDiff merges one depth diff into the book. A zero quantity removes the
// level. Updates at or behind the last applied sequence are discarded.
func (s *State) ApplyDiff(updateID int64, bids, asks []Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if updateID != 0 && updateID <= s.lastUpdateID {
		return
	}
	s.lastUpdateID = updateID

	for _, l := range bids {
		if l.Qty == 0 {
			delete(s.bids, l.Price)
		} else {
			s.bids[l.Price] = l.Qty
		}
	}
	for _, l := range asks {
		if l.Qty == 0 {
			delete(s.asks, l.Price)
		} else {
			s.asks[l.Price] = l.Qty
		}
	}
}

// Reset clears the book, used when the upstream stream restarts and the
// sequence numbers begin again.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids = make(map[float64]float64)
	s.asks = make(map[float64]float64)
	s.lastUpdateID = 0
}

// Snapshot derives top-of-book metrics plus USD depth within bandBps of mid.
// It returns nil while either side is empty or the book is crossed, which
// happens transiently between a reconnect and the first full diff.
func (s *State) Snapshot(bandBps float64, now time.Time) *models.BookSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bids) == 0 || len(s.asks) == 0 {
		return nil
	}

	var bestBid, bestAsk float64
	first := true
	for px := range s.bids {
		if first || px > bestBid {
			bestBid = px
		}
		first = false
	}
	first = true
	for px := range s.asks {
		if first || px < bestAsk {
			bestAsk = px
		}
		first = false
	}

	if bestBid >= bestAsk {
		return nil
	}

	mid := (bestBid + bestAsk) / 2
	lo := mid * (1 - bandBps/10000)
	hi := mid * (1 + bandBps/10000)

	var depthBid, depthAsk float64
	for px, qty := range s.bids {
		if px >= lo {
			depthBid += px * qty
		}
	}
	for px, qty := range s.asks {
		if px <= hi {
			depthAsk += px * qty
		}
	}

	return &models.BookSnapshot{
		Symbol:      s.symbol,
		Timestamp:   now.UnixMilli(),
		BidPx:       bestBid,
		BidQty:      s.bids[bestBid],
		AskPx:       bestAsk,
		AskQty:      s.asks[bestAsk],
		MidPx:       mid,
		SpreadBps:   (bestAsk - bestBid) / mid * 10000,
		BidDepthUSD: depthBid,
		AskDepthUSD: depthAsk,
	}
}
