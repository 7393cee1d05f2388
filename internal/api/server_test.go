package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"riskflow/config"
	"riskflow/internal/engine"
	"riskflow/internal/guard"
	"riskflow/internal/stream"
)

func serverFixture(t *testing.T) (*Server, *stream.Store) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Riskflow.Name = "riskflow"
	cfg.Market.Symbol = "SOLUSDT"
	cfg.Guard.SpreadWarnBps = 10
	cfg.Guard.DepthWarnUSD = 50000
	cfg.Guard.FundingWarnAPR = 300
	cfg.Guard.LiqBreachCount = 10
	cfg.Guard.LiqWindow = config.Duration(5 * time.Minute)
	cfg.Guard.CacheTTL = config.Duration(5 * time.Second)

	store := stream.NewStore(1000)
	guards := guard.NewEngine(cfg, store, nil)
	tracker := engine.NewTracker()
	relay := NewWebhookRelay(cfg, stream.NewPublisher(store))

	return NewServer(cfg, store, nil, guards, tracker, relay), store
}

func doGET(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doPOST(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := serverFixture(t)
	w := doGET(s.Router(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["service"] != "riskflow" {
		t.Errorf("unexpected health payload: %v", resp)
	}
}

func TestGuardsEndpoint(t *testing.T) {
	s, store := serverFixture(t)
	pub := stream.NewPublisher(store)
	pub.Publish(stream.BookTopic("SOLUSDT"), map[string]any{
		"spread_bps":    2.0,
		"depth_bid_usd": 80000.0,
		"depth_ask_usd": 90000.0,
		"mid_px":        100.0,
	})
	pub.Publish(stream.FundingTopic("SOLUSDT"), map[string]any{
		"funding_apr": 20.0,
		"oi_notional": 1_000_000.0,
	})

	w := doGET(s.Router(), "/api/guards")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "passing" {
		t.Errorf("expected passing verdict, got %v", resp["status"])
	}
	sources := resp["data_sources"].(map[string]any)
	if sources["book"] != "live" {
		t.Errorf("expected live book provenance, got %v", sources)
	}
}

func TestBarsEndpointOldestFirst(t *testing.T) {
	s, store := serverFixture(t)
	store.SetClock(func() func() time.Time {
		ts := time.UnixMilli(1000)
		return func() time.Time {
			ts = ts.Add(time.Millisecond)
			return ts
		}
	}())

	pub := stream.NewPublisher(store)
	pub.Publish(stream.TradesTopic("SOLUSDT"), map[string]any{"close": 100.0})
	pub.Publish(stream.TradesTopic("SOLUSDT"), map[string]any{"close": 101.0})
	pub.Publish(stream.TradesTopic("SOLUSDT"), map[string]any{"close": 102.0})

	w := doGET(s.Router(), "/api/market/bars?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Source string           `json:"source"`
		Bars   []map[string]any `json:"bars"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Source != "live" {
		t.Errorf("expected live source, got %s", resp.Source)
	}
	if len(resp.Bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(resp.Bars))
	}
	if resp.Bars[0]["close"].(float64) != 101 || resp.Bars[1]["close"].(float64) != 102 {
		t.Errorf("bars should be oldest first: %v", resp.Bars)
	}
}

func TestLiqHistoryHeatmap(t *testing.T) {
	s, store := serverFixture(t)
	pub := stream.NewPublisher(store)

	// Anchor price for the bucket width: 50bps of 100 is a $0.5 bucket.
	pub.Publish(stream.TradesTopic("SOLUSDT"), map[string]any{"close": 100.0})

	topic := stream.LiquidationsTopic("SOLUSDT")
	pub.Publish(topic, map[string]any{"price": 100.1, "quantity": 2.0, "side": "long"})
	pub.Publish(topic, map[string]any{"price": 100.2, "quantity": 1.0, "side": "short"})
	pub.Publish(topic, map[string]any{"price": 105.0, "quantity": 1.0, "side": "long"})

	w := doGET(s.Router(), "/api/history/liqs?hours=1&bucket_bps=50")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Events  []map[string]any `json:"events"`
		Heatmap []struct {
			Price    float64 `json:"price"`
			Count    int64   `json:"count"`
			Notional float64 `json:"notional"`
		} `json:"heatmap"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if len(resp.Events) != 3 {
		t.Errorf("expected 3 events, got %d", len(resp.Events))
	}
	// 100.1 and 100.2 round into the 100.0 bucket, 105.0 stands alone.
	if len(resp.Heatmap) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(resp.Heatmap))
	}
	if resp.Heatmap[0].Price != 100 || resp.Heatmap[0].Count != 2 {
		t.Errorf("bad first bucket: %+v", resp.Heatmap[0])
	}
	if resp.Heatmap[1].Price != 105 || resp.Heatmap[1].Count != 1 {
		t.Errorf("bad second bucket: %+v", resp.Heatmap[1])
	}
}

func TestLiqHistoryHeatmapEmptyWithoutPrice(t *testing.T) {
	s, store := serverFixture(t)
	pub := stream.NewPublisher(store)

	topic := stream.LiquidationsTopic("SOLUSDT")
	pub.Publish(topic, map[string]any{"price": 100.1, "quantity": 2.0, "side": "long"})

	// No bar has been published, so there is no price to anchor the buckets.
	w := doGET(s.Router(), "/api/history/liqs?hours=1&bucket_bps=50")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Events  []map[string]any `json:"events"`
		Heatmap []map[string]any `json:"heatmap"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Events) != 1 {
		t.Errorf("events should still be listed, got %d", len(resp.Events))
	}
	if len(resp.Heatmap) != 0 {
		t.Errorf("heatmap needs an anchor price, got %v", resp.Heatmap)
	}
}

func TestQueryLimitsAreCapped(t *testing.T) {
	s, store := serverFixture(t)
	store.SetClock(func() func() time.Time {
		ts := time.UnixMilli(1000)
		return func() time.Time {
			ts = ts.Add(time.Millisecond)
			return ts
		}
	}())

	// Retain more than the query cap so the cap itself is what trims.
	store.SetMaxLen(stream.TradesTopic("SOLUSDT"), 2000)
	pub := stream.NewPublisher(store)
	for i := 0; i < 1200; i++ {
		pub.Publish(stream.TradesTopic("SOLUSDT"), map[string]any{"close": 100.0 + float64(i)})
	}

	w := doGET(s.Router(), "/api/market/bars?limit=5000")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Bars []map[string]any `json:"bars"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Bars) != 1000 {
		t.Errorf("limit should cap at 1000, got %d bars", len(resp.Bars))
	}
}

func TestOIHistoryLookbackParam(t *testing.T) {
	s, store := serverFixture(t)
	pub := stream.NewPublisher(store)
	pub.Publish(stream.FundingTopic("SOLUSDT"), map[string]any{"funding_apr": 10.0, "oi_notional": 500000.0})

	w := doGET(s.Router(), "/api/history/oi?lookback=1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Points []map[string]any `json:"points"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Points) != 1 {
		t.Errorf("expected the fresh funding point, got %d", len(resp.Points))
	}
}

func TestEngineOrderLifecycleOverHTTP(t *testing.T) {
	s, _ := serverFixture(t)
	r := s.Router()

	w := doPOST(r, "/api/engine/orders", map[string]any{
		"symbol":   "SOLUSDT",
		"side":     "buy",
		"price":    100.0,
		"quantity": 2.0,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Status != "pending" {
		t.Errorf("expected pending order, got %s", created.Status)
	}

	w = doPOST(r, "/api/engine/orders/"+created.ID+"/status", map[string]any{"status": "open"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doPOST(r, "/api/engine/orders/"+created.ID+"/status", map[string]any{"status": "pending"})
	if w.Code != http.StatusConflict {
		t.Errorf("illegal transition should be 409, got %d", w.Code)
	}
}

func TestKillSwitchOverHTTP(t *testing.T) {
	s, _ := serverFixture(t)
	r := s.Router()

	w := doPOST(r, "/api/engine/kill", map[string]any{"engaged": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doPOST(r, "/api/engine/orders", map[string]any{
		"symbol":   "SOLUSDT",
		"side":     "buy",
		"quantity": 1.0,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("kill switch should refuse orders with 409, got %d", w.Code)
	}
}

func TestLiqMapEndpointEmpty(t *testing.T) {
	s, _ := serverFixture(t)
	w := doGET(s.Router(), "/api/onchain/liq-map")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["count"].(float64) != 0 {
		t.Errorf("empty map should report zero estimates, got %v", resp)
	}
}
