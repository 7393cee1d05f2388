package basis

import (
	"math"
	"testing"
	"time"

	"riskflow/config"
)

func TestBasisBps(t *testing.T) {
	tr := NewTracker(&config.Config{})
	now := time.UnixMilli(0)
	tr.SetClock(func() time.Time { return now })

	if _, _, ok := tr.BasisBps(100, 5*time.Second); ok {
		t.Fatal("no USDC print yet, ok must be false")
	}

	tr.RecordUSDCPrice(100.25)
	bps, stale, ok := tr.BasisBps(100, 5*time.Second)
	if !ok {
		t.Fatal("expected a basis value")
	}
	if math.Abs(bps-25) > 1e-9 {
		t.Errorf("expected 25bps, got %v", bps)
	}
	if stale {
		t.Error("fresh print should not be stale")
	}
}

func TestBasisGoesStaleNotMissing(t *testing.T) {
	tr := NewTracker(&config.Config{})
	now := time.UnixMilli(0)
	tr.SetClock(func() time.Time { return now })

	tr.RecordUSDCPrice(99.5)
	now = now.Add(30 * time.Second)

	bps, stale, ok := tr.BasisBps(100, 5*time.Second)
	if !ok {
		t.Fatal("stale print should still be served")
	}
	if !stale {
		t.Error("print past maxAge should be flagged stale")
	}
	if math.Abs(bps+50) > 1e-9 {
		t.Errorf("expected -50bps, got %v", bps)
	}
}

func TestBasisRejectsBadReferencePrice(t *testing.T) {
	tr := NewTracker(&config.Config{})
	tr.RecordUSDCPrice(100)
	if _, _, ok := tr.BasisBps(0, 5*time.Second); ok {
		t.Error("zero reference price must not produce a basis")
	}
}

func TestHandleMessageTakesLastTrade(t *testing.T) {
	tr := NewTracker(&config.Config{})
	now := time.UnixMilli(0)
	tr.SetClock(func() time.Time { return now })

	tr.handleMessage([]byte(`{
		"arg": {"channel": "trades"},
		"data": [
			{"px": "100.10", "ts": "1"},
			{"px": "100.30", "ts": "2"}
		]
	}`))

	bps, _, ok := tr.BasisBps(100, 5*time.Second)
	if !ok {
		t.Fatal("expected a basis after trade message")
	}
	if math.Abs(bps-30) > 1e-9 {
		t.Errorf("expected 30bps from the last print, got %v", bps)
	}
}

func TestHandleMessageIgnoresOtherChannels(t *testing.T) {
	tr := NewTracker(&config.Config{})
	tr.handleMessage([]byte(`{"event": "subscribe", "arg": {"channel": "trades"}}`))
	if _, _, ok := tr.BasisBps(100, 5*time.Second); ok {
		t.Error("subscribe ack must not record a price")
	}
}
