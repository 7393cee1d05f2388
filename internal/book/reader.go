package book

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"riskflow/config"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// Reader streams futures diff depth events from Binance, maintains the
// reconstructed book and publishes throttled snapshots onto the event log.
type Reader struct {
	cfg     *config.Config
	state   *State
	pub     *stream.Publisher
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewReader(cfg *config.Config, pub *stream.Publisher) *Reader {
	return &Reader{
		cfg:   cfg,
		state: NewState(cfg.Market.Symbol),
		pub:   pub,
		log:   logger.GetLogger().WithComponent("book_reader"),
	}
}

// State exposes the live book for consumers that need point-in-time reads.
func (r *Reader) State() *State { return r.state }

// Start subscribes to the diff depth stream and begins the publish loop.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("book reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.log.WithField("symbol", r.cfg.Market.Symbol).Info("starting book reader")

	r.wg.Add(2)
	go r.streamLoop()
	go r.publishLoop()
	return nil
}

// Stop waits for the stream and publish goroutines to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info("book reader stopped")
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

		r.log.WithError(err).WithField("retry_delay", delay.String()).Warn("depth stream ended, reconnecting")
		// Sequence numbers restart with the stream, so the book does too.
		r.state.Reset()

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
	handler := func(event *futures.WsDepthEvent) {
		logger.RecordStreamMessage("binance_depth", len(event.Bids)+len(event.Asks))
		bids := make([]Level, 0, len(event.Bids))
		for _, l := range event.Bids {
			bids = append(bids, parseLevel(l.Price, l.Quantity))
		}
		asks := make([]Level, 0, len(event.Asks))
		for _, l := range event.Asks {
			asks = append(asks, parseLevel(l.Price, l.Quantity))
		}
		r.state.ApplyDiff(event.LastUpdateID, bids, asks)
	}
	errHandler := func(err error) {
		if err != nil {
			r.log.WithError(err).Warn("depth websocket error")
		}
	}

	doneC, stopC, err := futures.WsDiffDepthServe(r.cfg.Market.Symbol, handler, errHandler)
	if err != nil {
		return err
	}

	select {
	case <-r.ctx.Done():
		close(stopC)
		<-doneC
		return r.ctx.Err()
	case <-doneC:
		return fmt.Errorf("depth stream closed")
	}
}

func (r *Reader) publishLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Market.BookPublishInterval.Std())
	defer ticker.Stop()

	topic := stream.BookTopic(r.cfg.Market.Symbol)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			snap := r.state.Snapshot(r.cfg.Market.BookDepthBandBps, time.Now().UTC())
			if snap == nil {
				continue
			}
			r.pub.Publish(topic, snap)
		}
	}
}

func parseLevel(price, qty string) Level {
	px, _ := strconv.ParseFloat(price, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	return Level{Price: px, Qty: q}
}
