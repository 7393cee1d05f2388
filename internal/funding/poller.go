package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// Poller periodically fetches open interest, the latest funding rate and the
// ticker from Bybit. The three requests of a cycle run concurrently and the
// cycle is all-or-nothing: any failure skips publishing so a funding snapshot
// never mixes data from different cycles.
type Poller struct {
	cfg     *config.Config
	client  *bybit.Client
	pub     *stream.Publisher
	limiter *rate.Limiter
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewPoller(cfg *config.Config, pub *stream.Publisher) *Poller {
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(cfg.Source.Bybit.RestURL))
	return &Poller{
		cfg:     cfg,
		client:  client,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Limit(cfg.Source.Bybit.RequestsPerSecond), 1),
		log:     logger.GetLogger().WithComponent("funding_poller"),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("funding poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		"symbol":   p.cfg.Market.Symbol,
		"interval": p.cfg.Source.Bybit.PollInterval.Std().String(),
	}).Info("starting funding poller")

	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
	p.log.Info("funding poller stopped")
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Source.Bybit.PollInterval.Std())
	defer ticker.Stop()

	// First cycle runs immediately so the guard engine has data at startup.
	p.pollOnce()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

type tickerData struct {
	LastPrice       float64
	MarkPrice       float64
	OpenInterest    float64
	OINotional      float64
	NextFundingTime int64
}

func (p *Poller) pollOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Source.Bybit.RequestTimeout.Std())
	defer cancel()

	var (
		wg      sync.WaitGroup
		oi      float64
		frate   float64
		tick    tickerData
		oiErr   error
		rateErr error
		tickErr error
	)

	wg.Add(3)
	go func() { defer wg.Done(); oi, oiErr = p.fetchOpenInterest(ctx) }()
	go func() { defer wg.Done(); frate, rateErr = p.fetchFundingRate(ctx) }()
	go func() { defer wg.Done(); tick, tickErr = p.fetchTicker(ctx) }()
	wg.Wait()

	for _, err := range []error{oiErr, rateErr, tickErr} {
		if err != nil {
			p.log.WithError(err).Warn("poll cycle failed, skipping publish")
			return
		}
	}

	perDay := 24.0 / float64(p.cfg.Source.Bybit.FundingIntervalHour)
	snap := models.FundingSnapshot{
		Symbol:          p.cfg.Market.Symbol,
		Timestamp:       time.Now().UTC().UnixMilli(),
		OIValue:         oi,
		OINotional:      oi * tick.MarkPrice,
		FundingRate:     frate,
		FundingAPR:      frate * perDay * 365 * 100,
		NextFundingTime: tick.NextFundingTime,
	}

	p.pub.Publish(stream.FundingTopic(p.cfg.Market.Symbol), snap)
	p.log.WithFields(logger.Fields{
		"oi_notional": snap.OINotional,
		"funding_apr": snap.FundingAPR,
	}).Debug("published funding snapshot")
}

func (p *Poller) fetchOpenInterest(ctx context.Context) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := map[string]interface{}{
		"category":     p.cfg.Source.Bybit.Category,
		"symbol":       p.cfg.Market.Symbol,
		"intervalTime": "5min",
		"limit":        1,
	}
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetOpenInterests(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch open interest: %w", err)
	}

	var result struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("decode open interest: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("open interest response empty")
	}
	return strconv.ParseFloat(result.List[0].OpenInterest, 64)
}

func (p *Poller) fetchFundingRate(ctx context.Context) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := map[string]interface{}{
		"category": p.cfg.Source.Bybit.Category,
		"symbol":   p.cfg.Market.Symbol,
		"limit":    1,
	}
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch funding rate: %w", err)
	}

	var result struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("decode funding rate: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("funding rate response empty")
	}
	return strconv.ParseFloat(result.List[0].FundingRate, 64)
}

func (p *Poller) fetchTicker(ctx context.Context) (tickerData, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return tickerData{}, err
	}

	params := map[string]interface{}{
		"category": p.cfg.Source.Bybit.Category,
		"symbol":   p.cfg.Market.Symbol,
	}
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return tickerData{}, fmt.Errorf("fetch ticker: %w", err)
	}

	var result struct {
		List []struct {
			LastPrice       string `json:"lastPrice"`
			MarkPrice       string `json:"markPrice"`
			OpenInterest    string `json:"openInterest"`
			OpenInterestVal string `json:"openInterestValue"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return tickerData{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(result.List) == 0 {
		return tickerData{}, fmt.Errorf("ticker response empty")
	}

	t := result.List[0]
	out := tickerData{}
	out.LastPrice, _ = strconv.ParseFloat(t.LastPrice, 64)
	out.MarkPrice, _ = strconv.ParseFloat(t.MarkPrice, 64)
	out.OpenInterest, _ = strconv.ParseFloat(t.OpenInterest, 64)
	out.OINotional, _ = strconv.ParseFloat(t.OpenInterestVal, 64)
	out.NextFundingTime, _ = strconv.ParseInt(t.NextFundingTime, 10, 64)
	if out.MarkPrice == 0 {
		return tickerData{}, fmt.Errorf("ticker mark price missing")
	}
	return out, nil
}

// decodeResult re-marshals the untyped Result field of a bybit response into
// a typed view.
func decodeResult(result any, out any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
