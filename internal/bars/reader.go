package bars

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// Reader streams aggregated trades from Binance futures and feeds them into
// the bar aggregator. Sealed bars are published onto the trades topic.
type Reader struct {
	cfg     *config.Config
	agg     *Aggregator
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewReader(cfg *config.Config, pub *stream.Publisher) *Reader {
	topic := stream.TradesTopic(cfg.Market.Symbol)
	agg := NewAggregator(cfg.Market.BarWindow.Std(), func(b models.Bar) {
		pub.Publish(topic, b)
	})
	return &Reader{
		cfg: cfg,
		agg: agg,
		log: logger.GetLogger().WithComponent("bar_reader"),
	}
}

// Aggregator exposes the underlying aggregator, mainly for late-drop stats.
func (r *Reader) Aggregator() *Aggregator { return r.agg }

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bar reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.log.WithFields(logger.Fields{
		"symbol": r.cfg.Market.Symbol,
		"window": r.cfg.Market.BarWindow.Std().String(),
	}).Info("starting bar reader")

	r.wg.Add(1)
	go r.streamLoop()
	return nil
}

// Stop waits for the stream goroutine and flushes the partial bar so the
// open window survives shutdown.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
	r.agg.Flush()
	r.log.Info("bar reader stopped")
}

func (r *Reader) streamLoop() {
	defer r.wg.Done()

	rc := r.cfg.Source.Reconnect
	delay := rc.MinDelay.Std()

	for r.ctx.Err() == nil {
		start := time.Now()
		err := r.streamOnce()
		if r.ctx.Err() != nil {
			return
		}

		if time.Since(start) >= rc.GracePeriod.Std() {
			delay = rc.MinDelay.Std()
		}

		r.log.WithError(err).WithField("retry_delay", delay.String()).Warn("trade stream ended, reconnecting")

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > rc.MaxDelay.Std() {
			delay = rc.MaxDelay.Std()
		}
	}
}

func (r *Reader) streamOnce() error {
	handler := func(event *futures.WsAggTradeEvent) {
		logger.RecordStreamMessage("binance_trades", len(event.Price)+len(event.Quantity))

		px, err := strconv.ParseFloat(event.Price, 64)
		if err != nil {
			r.log.WithError(err).Warn("unparseable trade price")
			return
		}
		qty, err := strconv.ParseFloat(event.Quantity, 64)
		if err != nil {
			r.log.WithError(err).Warn("unparseable trade quantity")
			return
		}

		// Buyer-is-maker means the aggressor sold.
		side := models.TakerBuy
		if event.Maker {
			side = models.TakerSell
		}

		r.agg.AddTrade(models.Trade{
			Venue:     "binance",
			Symbol:    event.Symbol,
			Price:     px,
			Quantity:  qty,
			Side:      side,
			Timestamp: event.TradeTime,
			TradeID:   event.AggregateTradeID,
		})
	}
	errHandler := func(err error) {
		if err != nil {
			r.log.WithError(err).Warn("trade websocket error")
		}
	}

	doneC, stopC, err := futures.WsAggTradeServe(r.cfg.Market.Symbol, handler, errHandler)
	if err != nil {
		return err
	}

	select {
	case <-r.ctx.Done():
		close(stopC)
		<-doneC
		return r.ctx.Err()
	case <-doneC:
		return fmt.Errorf("trade stream closed")
	}
}
