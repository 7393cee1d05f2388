package onchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// OracleSource supplies the reference price used for distance estimates.
type OracleSource func() (float64, bool)

// Scanner periodically pulls program accounts over JSON-RPC, decodes the
// perp positions and publishes a ranked liquidation map. The scan is slow
// and coarse; the webhook relay covers the realtime path.
type Scanner struct {
	cfg     *config.Config
	pub     *stream.Publisher
	oracle  OracleSource
	client  *http.Client
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewScanner(cfg *config.Config, pub *stream.Publisher, oracle OracleSource) *Scanner {
	return &Scanner{
		cfg:    cfg,
		pub:    pub,
		oracle: oracle,
		client: &http.Client{Timeout: cfg.Onchain.RequestTimeout.Std()},
		log:    logger.GetLogger().WithComponent("onchain_scanner"),
	}
}

func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("onchain scanner already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"program":  s.cfg.Onchain.ProgramID,
		"interval": s.cfg.Onchain.ScanInterval.Std().String(),
	}).Info("starting onchain scanner")

	s.wg.Add(1)
	go s.scanLoop()
	return nil
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("onchain scanner stopped")
}

func (s *Scanner) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Onchain.ScanInterval.Std())
	defer ticker.Stop()

	s.scanOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *Scanner) scanOnce() {
	oraclePx, ok := s.oracle()
	if !ok || oraclePx <= 0 {
		s.log.Warn("no oracle price yet, skipping scan")
		return
	}

	accounts, err := s.fetchProgramAccounts()
	if err != nil {
		s.log.WithError(err).Warn("program account scan failed")
		return
	}

	now := time.Now().UTC().UnixMilli()
	estimates := make([]models.LiquidationEstimate, 0, len(accounts))
	for _, acc := range accounts {
		pos, err := DecodePosition(acc.pubkey, acc.data)
		if err != nil {
			s.log.WithError(err).Debug("skipping undecodable account")
			continue
		}
		if pos.MarketIndex != s.cfg.Onchain.MarketIndex {
			continue
		}
		est, ok := Estimate(pos, oraclePx, s.cfg.Onchain.MaintMarginRatio, now)
		if !ok {
			continue
		}
		estimates = append(estimates, est)
	}

	// Closest to liquidation first.
	sort.Slice(estimates, func(i, j int) bool {
		return math.Abs(estimates[i].DistanceBps) < math.Abs(estimates[j].DistanceBps)
	})
	if len(estimates) > s.cfg.Onchain.MaxAccounts {
		estimates = estimates[:s.cfg.Onchain.MaxAccounts]
	}

	s.pub.Publish(stream.LiqMapTopic, map[string]any{
		"updated_at": now,
		"oracle_px":  oraclePx,
		"count":      len(estimates),
		"estimates":  estimates,
	})

	s.log.WithFields(logger.Fields{
		"scanned":   len(accounts),
		"estimates": len(estimates),
	}).Info("published liquidation map")
}

type programAccount struct {
	pubkey string
	data   []byte
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data []string `json:"data"`
		} `json:"account"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Scanner) fetchProgramAccounts() ([]programAccount, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getProgramAccounts",
		Params: []any{
			s.cfg.Onchain.ProgramID,
			map[string]any{
				"encoding": "base64",
				"filters": []any{
					map[string]any{"dataSize": positionLen},
				},
			},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Onchain.RequestTimeout.Std())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Onchain.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}

	out := make([]programAccount, 0, len(decoded.Result))
	for _, r := range decoded.Result {
		if len(r.Account.Data) == 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(r.Account.Data[0])
		if err != nil {
			s.log.WithError(err).Debug("skipping account with bad base64 payload")
			continue
		}
		out = append(out, programAccount{pubkey: r.Pubkey, data: raw})
	}
	return out, nil
}
