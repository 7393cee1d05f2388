package liq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"riskflow/config"
	"riskflow/internal/conn"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// Fanin merges forced liquidations from Binance, Bybit and OKX onto the
// single liquidations topic, normalized to the side of the position that got
// liquidated. Each venue feed reconnects independently.
type Fanin struct {
	cfg     *config.Config
	pub     *stream.Publisher
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewFanin(cfg *config.Config, pub *stream.Publisher) *Fanin {
	return &Fanin{
		cfg: cfg,
		pub: pub,
		log: logger.GetLogger().WithComponent("liq_fanin"),
	}
}

func (f *Fanin) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("liquidation fan-in already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	f.log.WithField("symbol", f.cfg.Market.Symbol).Info("starting liquidation fan-in")

	f.wg.Add(3)
	go f.binanceLoop()
	go f.bybitLoop()
	go f.okxLoop()
	return nil
}

func (f *Fanin) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.wg.Wait()
	f.log.Info("liquidation fan-in stopped")
}

func (f *Fanin) publish(events []models.LiquidationEvent) {
	topic := stream.LiquidationsTopic(f.cfg.Market.Symbol)
	for _, ev := range events {
		f.pub.Publish(topic, ev)
	}
}

func (f *Fanin) binanceLoop() {
	defer f.wg.Done()

	rc := f.cfg.Source.Reconnect
	delay := rc.MinDelay.Std()

	for f.ctx.Err() == nil {
		start := time.Now()
		err := f.binanceOnce()
		if f.ctx.Err() != nil {
			return
		}
		if time.Since(start) >= rc.GracePeriod.Std() {
			delay = rc.MinDelay.Std()
		}
		f.log.WithError(err).WithField("retry_delay", delay.String()).Warn("binance liquidation stream ended, reconnecting")
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > rc.MaxDelay.Std() {
			delay = rc.MaxDelay.Std()
		}
	}
}

func (f *Fanin) binanceOnce() error {
	symbol := f.cfg.Market.Symbol
	handler := func(event *futures.WsLiquidationOrderEvent) {
		o := event.LiquidationOrder
		if o.Symbol != symbol {
			return
		}
		logger.RecordStreamMessage("binance_liquidations", len(o.Price)+len(o.OrigQuantity))

		px, err := strconv.ParseFloat(o.Price, 64)
		if err != nil {
			f.log.WithError(err).Warn("unparseable liquidation price")
			return
		}
		qty, err := strconv.ParseFloat(o.OrigQuantity, 64)
		if err != nil {
			f.log.WithError(err).Warn("unparseable liquidation quantity")
			return
		}

		f.publish([]models.LiquidationEvent{{
			Venue:     "binance",
			Symbol:    o.Symbol,
			Side:      SideFromOrder(string(o.Side)),
			Price:     px,
			Quantity:  qty,
			Timestamp: o.TradeTime,
		}})
	}
	errHandler := func(err error) {
		if err != nil {
			f.log.WithError(err).Warn("binance liquidation websocket error")
		}
	}

	doneC, stopC, err := futures.WsLiquidationOrderServe(symbol, handler, errHandler)
	if err != nil {
		return err
	}

	select {
	case <-f.ctx.Done():
		close(stopC)
		<-doneC
		return f.ctx.Err()
	case <-doneC:
		return fmt.Errorf("liquidation stream closed")
	}
}

func (f *Fanin) bybitLoop() {
	defer f.wg.Done()

	rc := f.cfg.Source.Reconnect
	mgr := conn.NewManager(conn.Config{
		Name: "bybit_liquidations",
		URL:  f.cfg.Source.Bybit.WsURL,
		Subscribe: map[string]any{
			"op":   "subscribe",
			"args": []string{"allLiquidation." + f.cfg.Market.Symbol},
		},
		MinDelay:    rc.MinDelay.Std(),
		MaxDelay:    rc.MaxDelay.Std(),
		GracePeriod: rc.GracePeriod.Std(),
		KeepAlive:   rc.KeepAlive.Std(),
		DialTimeout: rc.DialTimeout.Std(),
	}, func(msg []byte) {
		events, err := ParseBybit(msg)
		if err != nil {
			f.log.WithError(err).Warn("bad bybit liquidation message")
			return
		}
		f.publish(events)
	})
	mgr.Run(f.ctx)
}

func (f *Fanin) okxLoop() {
	defer f.wg.Done()

	instID := okxInstID(f.cfg.Market.Symbol)
	rc := f.cfg.Source.Reconnect
	mgr := conn.NewManager(conn.Config{
		Name: "okx_liquidations",
		URL:  f.cfg.Source.Okx.WsURL,
		Subscribe: map[string]any{
			"op": "subscribe",
			"args": []map[string]string{{
				"channel":  "liquidation-orders",
				"instType": "SWAP",
			}},
		},
		MinDelay:    rc.MinDelay.Std(),
		MaxDelay:    rc.MaxDelay.Std(),
		GracePeriod: rc.GracePeriod.Std(),
		KeepAlive:   rc.KeepAlive.Std(),
		DialTimeout: rc.DialTimeout.Std(),
	}, func(msg []byte) {
		events, err := ParseOkx(msg, instID)
		if err != nil {
			f.log.WithError(err).Warn("bad okx liquidation message")
			return
		}
		f.publish(events)
	})
	mgr.Run(f.ctx)
}
