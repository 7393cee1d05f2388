package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"riskflow/config"
	"riskflow/internal/models"
	"riskflow/internal/stream"
	"riskflow/logger"
)

const dedupTTL = 24 * time.Hour

// WebhookRelay verifies and republishes on-chain events pushed by the
// webhook provider. Authentication is an HMAC-SHA256 of the raw body in the
// X-Signature header. Without a configured secret the relay accepts
// everything and logs that it is running unauthenticated; strict mode
// refuses to start that way at config validation.
type WebhookRelay struct {
	secret []byte
	pub    *stream.Publisher
	now    func() time.Time
	log    *logger.Entry

	mu   sync.Mutex
	seen map[string]time.Time // signature -> first accepted
}

func NewWebhookRelay(cfg *config.Config, pub *stream.Publisher) *WebhookRelay {
	r := &WebhookRelay{
		pub:  pub,
		now:  time.Now,
		log:  logger.GetLogger().WithComponent("webhook_relay"),
		seen: make(map[string]time.Time),
	}
	if cfg.API.WebhookSecret != "" {
		r.secret = []byte(cfg.API.WebhookSecret)
	} else {
		r.log.Warn("no webhook secret configured, accepting unauthenticated events")
	}
	return r
}

// SetClock overrides the time source, for dedup-expiry tests.
func (r *WebhookRelay) SetClock(now func() time.Time) { r.now = now }

type heliusEvent struct {
	Signature string `json:"signature"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Slot      int64  `json:"slot"`
}

// Handle is the gin handler for webhook deliveries. The provider retries
// aggressively, so replays within the dedup window are acknowledged without
// republishing.
func (r *WebhookRelay) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if r.secret != nil && !r.verify(body, c.GetHeader("X-Signature")) {
		r.log.Warn("rejected webhook with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var events []heliusEvent
	if err := json.Unmarshal(body, &events); err != nil {
		// Single-event deliveries arrive as a bare object.
		var single heliusEvent
		if err := json.Unmarshal(body, &single); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable payload"})
			return
		}
		events = []heliusEvent{single}
	}

	// Raw payloads for each event, kept alongside the typed fields.
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		raws = []json.RawMessage{body}
	}

	accepted, duplicates := 0, 0
	for i, ev := range events {
		if ev.Signature == "" {
			continue
		}
		if !r.markSeen(ev.Signature) {
			duplicates++
			continue
		}

		eventJSON := string(body)
		if i < len(raws) {
			eventJSON = string(raws[i])
		}
		ts := ev.Timestamp
		if ts == 0 {
			ts = r.now().UTC().Unix()
		}

		r.pub.Publish(stream.ChainEventsTopic, models.ChainEvent{
			Signature: ev.Signature,
			Type:      ev.Type,
			Timestamp: ts,
			Slot:      ev.Slot,
			EventJSON: eventJSON,
		})
		accepted++
	}

	r.log.WithFields(logger.Fields{
		"accepted":   accepted,
		"duplicates": duplicates,
	}).Debug("processed webhook delivery")
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "duplicates": duplicates})
}

func (r *WebhookRelay) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// markSeen records a signature and reports whether it was new within the
// dedup window. Expired signatures are pruned on the way through.
func (r *WebhookRelay) markSeen(signature string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for sig, at := range r.seen {
		if now.Sub(at) > dedupTTL {
			delete(r.seen, sig)
		}
	}

	if at, ok := r.seen[signature]; ok && now.Sub(at) <= dedupTTL {
		return false
	}
	r.seen[signature] = now
	return true
}
