package conn

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"riskflow/logger"
)

// Config describes one managed websocket feed.
type Config struct {
	Name        string // feed name used in logs and stats
	URL         string
	Subscribe   any // optional payload sent as json right after connect
	MinDelay    time.Duration
	MaxDelay    time.Duration
	GracePeriod time.Duration // connection uptime after which backoff resets
	KeepAlive   time.Duration
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 20 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// Manager keeps a websocket connection alive across failures. Messages are
// delivered in arrival order to a single callback; reconnect delays double
// from MinDelay up to MaxDelay with jitter, and reset once a connection
// survives the grace period.
type Manager struct {
	cfg       Config
	onMessage func([]byte)
	log       *logger.Entry
}

func NewManager(cfg Config, onMessage func([]byte)) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		onMessage: onMessage,
		log:       logger.GetLogger().WithComponent("conn-" + cfg.Name),
	}
}

// Run dials, reads and redials until ctx is cancelled. It blocks; callers
// start it in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	delay := m.cfg.MinDelay

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(start) >= m.cfg.GracePeriod {
			delay = m.cfg.MinDelay
		}

		m.log.WithError(err).WithFields(logger.Fields{
			"url":         m.cfg.URL,
			"uptime":      time.Since(start).String(),
			"retry_delay": delay.String(),
		}).Warn("connection lost, reconnecting")

		if !sleepCtx(ctx, jitter(delay)) {
			return
		}

		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

// runOnce performs a single connect/subscribe/read cycle and returns the
// error that ended it.
func (m *Manager) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	m.log.WithField("url", m.cfg.URL).Info("connected")

	if m.cfg.Subscribe != nil {
		payload, err := json.Marshal(m.cfg.Subscribe)
		if err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}

	readWindow := 2 * m.cfg.KeepAlive
	ws.SetReadDeadline(time.Now().Add(readWindow))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go m.keepAlive(pingCtx, ws)

	// Close the socket on cancellation so the blocked read returns.
	go func() {
		<-pingCtx.Done()
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(readWindow))
		logger.RecordStreamMessage(m.cfg.Name, len(msg))
		m.onMessage(msg)
	}
}

func (m *Manager) keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// jitter spreads a delay by ±20% so parallel feeds don't redial in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
