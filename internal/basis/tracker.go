package basis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"riskflow/config"
	"riskflow/internal/conn"
	"riskflow/logger"
)

// Tracker follows the OKX USDC-margined swap trade stream and derives the
// USDC/USDT basis against a USDT reference price. The last USDC print is
// reused past its freshness window rather than dropped; callers get a stale
// flag instead of a gap.
type Tracker struct {
	cfg     *config.Config
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry

	stateMu  sync.Mutex
	lastPx   float64
	lastSeen time.Time
	now      func() time.Time
}

func NewTracker(cfg *config.Config) *Tracker {
	return &Tracker{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("basis_tracker"),
		now: time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("basis tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	t.log.WithField("inst_id", t.cfg.Source.Okx.BasisInstID).Info("starting basis tracker")

	rc := t.cfg.Source.Reconnect
	mgr := conn.NewManager(conn.Config{
		Name: "okx_basis",
		URL:  t.cfg.Source.Okx.WsURL,
		Subscribe: map[string]any{
			"op": "subscribe",
			"args": []map[string]string{{
				"channel": "trades",
				"instId":  t.cfg.Source.Okx.BasisInstID,
			}},
		},
		MinDelay:    rc.MinDelay.Std(),
		MaxDelay:    rc.MaxDelay.Std(),
		GracePeriod: rc.GracePeriod.Std(),
		KeepAlive:   rc.KeepAlive.Std(),
		DialTimeout: rc.DialTimeout.Std(),
	}, t.handleMessage)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		mgr.Run(ctx)
	}()
	return nil
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.wg.Wait()
	t.log.Info("basis tracker stopped")
}

type okxTradeMessage struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		Px string `json:"px"`
		Ts string `json:"ts"`
	} `json:"data"`
}

func (t *Tracker) handleMessage(msg []byte) {
	var m okxTradeMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		t.log.WithError(err).Warn("bad okx trade message")
		return
	}
	if m.Arg.Channel != "trades" || len(m.Data) == 0 {
		return
	}

	last := m.Data[len(m.Data)-1]
	px, err := strconv.ParseFloat(last.Px, 64)
	if err != nil || px <= 0 {
		return
	}

	t.RecordUSDCPrice(px)
}

// RecordUSDCPrice stores the latest USDC-leg print.
func (t *Tracker) RecordUSDCPrice(px float64) {
	t.stateMu.Lock()
	t.lastPx = px
	t.lastSeen = t.now()
	t.stateMu.Unlock()
}

// BasisBps returns the USDC/USDT basis in basis points against the given
// USDT reference price, plus whether the USDC leg is older than maxAge.
// ok is false until the first USDC print arrives.
func (t *Tracker) BasisBps(usdtPx float64, maxAge time.Duration) (bps float64, stale bool, ok bool) {
	t.stateMu.Lock()
	px, seen := t.lastPx, t.lastSeen
	now := t.now()
	t.stateMu.Unlock()

	if px <= 0 || usdtPx <= 0 {
		return 0, false, false
	}
	return (px - usdtPx) / usdtPx * 10000, now.Sub(seen) > maxAge, true
}
