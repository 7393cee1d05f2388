package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"riskflow/config"
	"riskflow/internal/engine"
	"riskflow/internal/guard"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// StreamReader is the query surface of the event log the API serves from.
type StreamReader interface {
	Latest(topic string, n int) ([]stream.Entry, error)
	Since(topic string, floor time.Time) ([]stream.Entry, error)
}

// ColdReader serves archived entries when the live log is empty, typically
// right after a restart.
type ColdReader interface {
	Latest(topic string, n int) ([]stream.Entry, error)
	ReadDay(topic string, day time.Time) ([]stream.Entry, error)
}

// Server exposes the query API over HTTP. All market reads go through the
// event log; the guard verdict is computed on demand behind its own cache.
type Server struct {
	cfg     *config.Config
	store   StreamReader
	cold    ColdReader // may be nil
	guards  *guard.Engine
	tracker *engine.Tracker
	relay   *WebhookRelay
	httpSrv *http.Server
	log     *logger.Entry
}

func NewServer(cfg *config.Config, store StreamReader, cold ColdReader, guards *guard.Engine, tracker *engine.Tracker, relay *WebhookRelay) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		cold:    cold,
		guards:  guards,
		tracker: tracker,
		relay:   relay,
		log:     logger.GetLogger().WithComponent("api"),
	}
}

// Router builds the gin engine. Split from Start so tests can drive the
// routes without a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/guards", s.handleGuards)
		apiGroup.GET("/market/bars", s.handleBars)
		apiGroup.GET("/market/book", s.handleBook)
		apiGroup.GET("/history/oi", s.handleOIHistory)
		apiGroup.GET("/history/liqs", s.handleLiqHistory)
		apiGroup.GET("/onchain/liq-map", s.handleLiqMap)

		apiGroup.GET("/engine/orders", s.handleListOrders)
		apiGroup.POST("/engine/orders", s.handleTrackOrder)
		apiGroup.POST("/engine/orders/:id/status", s.handleOrderStatus)
		apiGroup.GET("/engine/activity", s.handleActivity)
		apiGroup.POST("/engine/kill", s.handleKill)

		apiGroup.POST("/webhooks/helius", s.relay.Handle)
	}
	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.API.Address,
		Handler: s.Router(),
	}

	go func() {
		s.log.WithField("address", s.cfg.API.Address).Info("starting api server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server failed")
		}
	}()
	return nil
}

func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("api server shutdown failed")
	}
	s.log.Info("api server stopped")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.cfg.Riskflow.Name,
		"version": s.cfg.Riskflow.Version,
	})
}

func (s *Server) handleGuards(c *gin.Context) {
	c.JSON(http.StatusOK, s.guards.Evaluate())
}

// latestWithFallback reads the live log, falling back to today's archive
// when the topic is empty.
func (s *Server) latestWithFallback(topic string, n int) ([]stream.Entry, string, error) {
	entries, err := s.store.Latest(topic, n)
	if err != nil {
		return nil, "", err
	}
	if len(entries) > 0 || s.cold == nil {
		return entries, "live", nil
	}

	entries, err = s.cold.Latest(topic, n)
	if err != nil {
		return nil, "", err
	}
	return entries, "archive", nil
}

func (s *Server) handleBars(c *gin.Context) {
	limit := intQuery(c, "limit", 60, maxQueryLimit)
	topic := stream.TradesTopic(s.cfg.Market.Symbol)

	entries, source, err := s.latestWithFallback(topic, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Oldest first for charting.
	bars := make([]map[string]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		bars = append(bars, entries[i].Fields)
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "bars": bars})
}

func (s *Server) handleBook(c *gin.Context) {
	topic := stream.BookTopic(s.cfg.Market.Symbol)
	entries, source, err := s.latestWithFallback(topic, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book snapshot available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "book": entries[0].Fields})
}

func (s *Server) handleOIHistory(c *gin.Context) {
	lookback := intQuery(c, "lookback", 24, maxLookbackHours)
	topic := stream.FundingTopic(s.cfg.Market.Symbol)
	floor := time.Now().UTC().Add(-time.Duration(lookback) * time.Hour)

	entries, err := s.store.Since(topic, floor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	source := "live"
	if len(entries) == 0 && s.cold != nil {
		if archived, err := s.cold.ReadDay(topic, time.Now().UTC()); err == nil {
			entries = archived
			source = "archive"
		}
	}

	points := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		points = append(points, e.Fields)
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "points": points})
}

func (s *Server) handleLiqHistory(c *gin.Context) {
	hours := intQuery(c, "hours", 24, maxLookbackHours)
	bucketBps := floatQuery(c, "bucket_bps", 10)
	topic := stream.LiquidationsTopic(s.cfg.Market.Symbol)
	floor := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	entries, err := s.store.Since(topic, floor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Fields)
	}

	// Bucket width is bucket_bps of the latest trade price; without a price
	// there is no anchor and the heatmap stays empty.
	heatmap := []heatmapBucket{}
	if px := s.currentPrice(); px > 0 {
		heatmap = buildHeatmap(entries, bucketBps/10000*px)
	}

	c.JSON(http.StatusOK, gin.H{
		"events":  events,
		"heatmap": heatmap,
	})
}

// currentPrice is the close of the most recent bar, zero when none exists.
func (s *Server) currentPrice() float64 {
	entries, err := s.store.Latest(stream.TradesTopic(s.cfg.Market.Symbol), 1)
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].Float("close")
}

// heatmapBucket aggregates liquidation pressure at one price level.
type heatmapBucket struct {
	Price         float64 `json:"price"`
	Count         int64   `json:"count"`
	Notional      float64 `json:"notional"`
	LongCount     int64   `json:"long_count"`
	ShortCount    int64   `json:"short_count"`
	LongNotional  float64 `json:"long_notional"`
	ShortNotional float64 `json:"short_notional"`
}

// buildHeatmap groups liquidation prints into price buckets of the given
// width, keyed by the nearest multiple of bucketSize.
func buildHeatmap(entries []stream.Entry, bucketSize float64) []heatmapBucket {
	if bucketSize <= 0 {
		return []heatmapBucket{}
	}

	buckets := make(map[float64]*heatmapBucket)
	for _, e := range entries {
		px := e.Float("price")
		qty := e.Float("quantity")
		if px <= 0 || qty <= 0 {
			continue
		}
		key := math.Round(px/bucketSize) * bucketSize
		b, ok := buckets[key]
		if !ok {
			b = &heatmapBucket{Price: key}
			buckets[key] = b
		}
		notional := px * qty
		b.Count++
		b.Notional += notional
		if e.Str("side") == string(models.PositionLong) {
			b.LongCount++
			b.LongNotional += notional
		} else {
			b.ShortCount++
			b.ShortNotional += notional
		}
	}

	out := make([]heatmapBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	// Ascending by price for rendering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Price < out[j-1].Price; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Server) handleLiqMap(c *gin.Context) {
	limit := intQuery(c, "limit", 100, maxQueryLimit)

	entries, err := s.store.Latest(stream.LiqMapTopic, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusOK, gin.H{"updated_at": nil, "count": 0, "estimates": []any{}})
		return
	}

	fields := entries[0].Fields
	if list, ok := fields["estimates"].([]any); ok && len(list) > limit {
		trimmed := make(map[string]any, len(fields))
		for k, v := range fields {
			trimmed[k] = v
		}
		trimmed["estimates"] = list[:limit]
		trimmed["count"] = limit
		fields = trimmed
	}
	c.JSON(http.StatusOK, fields)
}

func (s *Server) handleListOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"orders": s.tracker.Orders(),
		"killed": s.tracker.Killed(),
	})
}

type trackOrderRequest struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Side     string  `json:"side" binding:"required"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity" binding:"required"`
}

func (s *Server) handleTrackOrder(c *gin.Context) {
	var req trackOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.tracker.Track(req.Symbol, req.Side, req.Price, req.Quantity)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

type orderStatusRequest struct {
	Status engine.OrderStatus `json:"status" binding:"required"`
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	var req orderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := s.tracker.UpdateStatus(id, req.Status); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	order, _ := s.tracker.Get(id)
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleActivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activity": s.tracker.Activity()})
}

type killRequest struct {
	Engaged bool `json:"engaged"`
}

func (s *Server) handleKill(c *gin.Context) {
	var req killRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.tracker.SetKill(req.Engaged)
	c.JSON(http.StatusOK, gin.H{"killed": s.tracker.Killed()})
}

const (
	maxQueryLimit    = 1000
	maxLookbackHours = 24 * 7
)

func intQuery(c *gin.Context, key string, def, max int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func floatQuery(c *gin.Context, key string, def float64) float64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
