package liq

import (
	"testing"

	"riskflow/internal/models"
)

func TestSideFromOrder(t *testing.T) {
	cases := []struct {
		order string
		want  models.PositionSide
	}{
		{"SELL", models.PositionLong},
		{"Sell", models.PositionLong},
		{"BUY", models.PositionShort},
		{"Buy", models.PositionShort},
	}
	for _, c := range cases {
		if got := SideFromOrder(c.order); got != c.want {
			t.Errorf("SideFromOrder(%s) = %s, want %s", c.order, got, c.want)
		}
	}
}

func TestParseBybit(t *testing.T) {
	msg := []byte(`{
		"topic": "allLiquidation.SOLUSDT",
		"data": [
			{"T": 1700000000000, "s": "SOLUSDT", "S": "Sell", "v": "12.5", "p": "101.25"},
			{"T": 1700000000100, "s": "SOLUSDT", "S": "Buy", "v": "3", "p": "100.50"}
		]
	}`)

	events, err := ParseBybit(msg)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.Venue != "bybit" || first.Symbol != "SOLUSDT" {
		t.Errorf("bad identity: %+v", first)
	}
	if first.Side != models.PositionLong {
		t.Errorf("forced sell should map to long, got %s", first.Side)
	}
	if first.Price != 101.25 || first.Quantity != 12.5 {
		t.Errorf("bad fill: %+v", first)
	}
	if events[1].Side != models.PositionShort {
		t.Errorf("forced buy should map to short, got %s", events[1].Side)
	}
}

func TestParseBybitIgnoresControlFrames(t *testing.T) {
	events, err := ParseBybit([]byte(`{"op": "subscribe", "success": true}`))
	if err != nil {
		t.Fatalf("control frame should not error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("control frame should yield no events, got %v", events)
	}
}

func TestParseOkxUsesPosSide(t *testing.T) {
	msg := []byte(`{
		"arg": {"channel": "liquidation-orders", "instType": "SWAP"},
		"data": [{
			"instId": "SOL-USDT-SWAP",
			"details": [
				{"side": "buy", "posSide": "long", "bkPx": "99.5", "sz": "10", "ts": "1700000000000"},
				{"side": "buy", "posSide": "", "bkPx": "98.0", "sz": "5", "ts": "1700000000100"}
			]
		}]
	}`)

	events, err := ParseOkx(msg, "SOL-USDT-SWAP")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Side != models.PositionLong {
		t.Errorf("posSide should win over order side, got %s", events[0].Side)
	}
	if events[1].Side != models.PositionShort {
		t.Errorf("missing posSide should fall back to order side mapping, got %s", events[1].Side)
	}
}

func TestParseOkxFiltersOtherInstruments(t *testing.T) {
	msg := []byte(`{
		"arg": {"channel": "liquidation-orders", "instType": "SWAP"},
		"data": [{
			"instId": "BTC-USDT-SWAP",
			"details": [{"side": "sell", "posSide": "", "bkPx": "60000", "sz": "1", "ts": "1"}]
		}]
	}`)

	events, err := ParseOkx(msg, "SOL-USDT-SWAP")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("other instruments must be dropped, got %v", events)
	}
}

func TestOkxInstID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SOLUSDT", "SOL-USDT-SWAP"},
		{"BTCUSDC", "BTC-USDC-SWAP"},
		{"ethusdt", "ETH-USDT-SWAP"},
	}
	for _, c := range cases {
		if got := okxInstID(c.in); got != c.want {
			t.Errorf("okxInstID(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}
