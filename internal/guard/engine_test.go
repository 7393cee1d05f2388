package guard

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
)

type fakeReader struct {
	entries map[string][]stream.Entry
	counts  map[string]int
	err     error
}

func (f *fakeReader) Latest(topic string, n int) ([]stream.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[topic], nil
}

func (f *fakeReader) CountSince(topic string, floor time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[topic], nil
}

type fakeBasis struct {
	bps   float64
	stale bool
	ok    bool
}

func (f *fakeBasis) BasisBps(usdtPx float64, maxAge time.Duration) (float64, bool, bool) {
	return f.bps, f.stale, f.ok
}

func guardConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Market.Symbol = "SOLUSDT"
	cfg.Guard.SpreadWarnBps = 10
	cfg.Guard.DepthWarnUSD = 50000
	cfg.Guard.FundingWarnAPR = 300
	cfg.Guard.LiqBreachCount = 10
	cfg.Guard.LiqWindow = config.Duration(5 * time.Minute)
	cfg.Guard.CacheTTL = config.Duration(5 * time.Second)
	return cfg
}

func healthyReader() *fakeReader {
	return &fakeReader{
		entries: map[string][]stream.Entry{
			stream.BookTopic("SOLUSDT"): {{
				Time: 1000,
				Fields: map[string]any{
					"spread_bps":    2.5,
					"depth_bid_usd": 80000.0,
					"depth_ask_usd": 90000.0,
					"mid_px":        100.0,
				},
			}},
			stream.FundingTopic("SOLUSDT"): {{
				Time: 1000,
				Fields: map[string]any{
					"funding_apr": 25.0,
					"oi_notional": 5_000_000.0,
				},
			}},
		},
		counts: map[string]int{},
	}
}

func TestEvaluatePassingWhenHealthy(t *testing.T) {
	e := NewEngine(guardConfig(), healthyReader(), &fakeBasis{bps: 3, ok: true})
	e.SetClock(func() time.Time { return time.UnixMilli(10_000) })

	snap := e.Evaluate()
	if snap.Status != models.GuardPassing {
		t.Fatalf("expected passing, got %s with %v", snap.Status, snap.Warnings)
	}
	if len(snap.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", snap.Warnings)
	}
	for _, k := range []string{"book", "funding", "liquidations", "basis"} {
		if snap.DataSources[k] != models.SourceLive {
			t.Errorf("metric %s should be live, got %s", k, snap.DataSources[k])
		}
	}
}

func TestSpreadWarning(t *testing.T) {
	r := healthyReader()
	r.entries[stream.BookTopic("SOLUSDT")][0].Fields["spread_bps"] = 12.34

	e := NewEngine(guardConfig(), r, nil)
	e.SetClock(func() time.Time { return time.UnixMilli(10_000) })

	snap := e.Evaluate()
	if snap.Status != models.GuardWarning {
		t.Fatalf("expected warning, got %s", snap.Status)
	}
	if len(snap.Warnings) != 1 || !strings.HasPrefix(snap.Warnings[0], "Spread: 12.34bps") {
		t.Errorf("unexpected warnings %v", snap.Warnings)
	}
}

func TestDepthWarningUsesThinnerSide(t *testing.T) {
	r := healthyReader()
	r.entries[stream.BookTopic("SOLUSDT")][0].Fields["depth_ask_usd"] = 20000.0

	e := NewEngine(guardConfig(), r, nil)
	e.SetClock(func() time.Time { return time.UnixMilli(10_000) })

	snap := e.Evaluate()
	if snap.Status != models.GuardWarning {
		t.Fatalf("expected warning, got %s", snap.Status)
	}
	if !strings.HasPrefix(snap.Warnings[0], "Depth(10bps): $20000") {
		t.Errorf("unexpected warnings %v", snap.Warnings)
	}
}

func TestFundingWarningOnNegativeAPR(t *testing.T) {
	r := healthyReader()
	r.entries[stream.FundingTopic("SOLUSDT")][0].Fields["funding_apr"] = -450.0

	e := NewEngine(guardConfig(), r, nil)
	e.SetClock(func() time.Time { return time.UnixMilli(10_000) })

	snap := e.Evaluate()
	if snap.Status != models.GuardWarning {
		t.Fatalf("expected warning for |APR| above threshold, got %s", snap.Status)
	}
}

func TestLiquidationBreachDominates(t *testing.T) {
	r := healthyReader()
	r.entries[stream.BookTopic("SOLUSDT")][0].Fields["spread_bps"] = 50.0
	r.counts[stream.LiquidationsTopic("SOLUSDT")] = 25

	e := NewEngine(guardConfig(), r, nil)
	e.SetClock(func() time.Time { return time.UnixMilli(10_000) })

	snap := e.Evaluate()
	if snap.Status != models.GuardBreach {
		t.Fatalf("breach must win over warning, got %s", snap.Status)
	}
	if len(snap.Warnings) != 2 {
		t.Errorf("both findings should be reported, got %v", snap.Warnings)
	}
	if snap.LiqEvents5m != 25 {
		t.Errorf("expected 25 liq events, got %d", snap.LiqEvents5m)
	}
}

func TestEmptyTopicsFallBackToLastGood(t *testing.T) {
	r := healthyReader()
	e := NewEngine(guardConfig(), r, nil)

	now := time.UnixMilli(10_000)
	e.SetClock(func() time.Time { return now })

	first := e.Evaluate()
	if first.DataSources["book"] != models.SourceLive {
		t.Fatalf("first evaluation should be live")
	}

	// Feed dies; next evaluation after the cache expires sees empty topics.
	r.entries = map[string][]stream.Entry{}
	now = now.Add(6 * time.Second)

	snap := e.Evaluate()
	if snap.DataSources["book"] != models.SourceFallback {
		t.Errorf("book should be fallback, got %s", snap.DataSources["book"])
	}
	if snap.SpreadBps != first.SpreadBps {
		t.Errorf("fallback should carry last good spread, got %v", snap.SpreadBps)
	}
}

func TestReadErrorServesFallbackSnapshot(t *testing.T) {
	r := healthyReader()
	e := NewEngine(guardConfig(), r, nil)

	now := time.UnixMilli(10_000)
	e.SetClock(func() time.Time { return now })

	first := e.Evaluate()

	r.err = fmt.Errorf("store unavailable")
	now = now.Add(6 * time.Second)

	snap := e.Evaluate()
	if snap == nil {
		t.Fatal("fallback must never be nil")
	}
	if snap.Status != first.Status {
		t.Errorf("fallback should keep last good status, got %s", snap.Status)
	}
	for k, src := range snap.DataSources {
		if src != models.SourceFallback {
			t.Errorf("metric %s should be fallback, got %s", k, src)
		}
	}
	// The retained last-good snapshot keeps its own provenance untouched.
	if first.DataSources["book"] != models.SourceLive {
		t.Errorf("fallback mutated the previous snapshot's provenance")
	}
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	r := healthyReader()
	e := NewEngine(guardConfig(), r, nil)

	now := time.UnixMilli(10_000)
	e.SetClock(func() time.Time { return now })

	first := e.Evaluate()

	// Mutate the book; inside the TTL the cached verdict must be served.
	r.entries[stream.BookTopic("SOLUSDT")][0].Fields["spread_bps"] = 99.0
	now = now.Add(2 * time.Second)

	second := e.Evaluate()
	if second.SpreadBps != first.SpreadBps {
		t.Errorf("expected cached verdict inside TTL")
	}

	now = now.Add(4 * time.Second)
	third := e.Evaluate()
	if third.SpreadBps != 99.0 {
		t.Errorf("expected fresh evaluation after TTL, got %v", third.SpreadBps)
	}
}
