package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskflow/logger"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderOpen, OrderRejected, OrderCancelled},
	OrderOpen:    {OrderFilled, OrderCancelled},
}

// TrackedOrder is a thin record of an order the engine is watching. This is
// bookkeeping, not execution: no venue connectivity lives here.
type TrackedOrder struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Price     float64     `json:"price"`
	Quantity  float64     `json:"quantity"`
	Status    OrderStatus `json:"status"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
}

// Activity is one line of the engine's recent-activity ring.
type Activity struct {
	Time   int64  `json:"time"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const activityCap = 100

// Tracker keeps the engine's order table, its bounded activity trail and the
// kill switch. When the switch is thrown no new orders are accepted until it
// is cleared by an operator.
type Tracker struct {
	mu       sync.Mutex
	orders   map[string]*TrackedOrder
	activity []Activity
	killed   bool
	now      func() time.Time
	log      *logger.Entry
}

func NewTracker() *Tracker {
	return &Tracker{
		orders: make(map[string]*TrackedOrder),
		now:    time.Now,
		log:    logger.GetLogger().WithComponent("engine"),
	}
}

// SetClock overrides the time source, for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Track registers a new order in pending state. Rejected while the kill
// switch is engaged.
func (t *Tracker) Track(symbol, side string, price, qty float64) (TrackedOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.killed {
		return TrackedOrder{}, fmt.Errorf("kill switch engaged, refusing new order")
	}
	if qty <= 0 {
		return TrackedOrder{}, fmt.Errorf("order quantity must be positive")
	}

	now := t.now().UTC().UnixMilli()
	o := &TrackedOrder{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.orders[o.ID] = o
	t.recordLocked("order_tracked", fmt.Sprintf("%s %s %.4f @ %.4f", side, symbol, qty, price))
	return *o, nil
}

// UpdateStatus moves an order along its lifecycle. Illegal transitions,
// including any change out of a terminal state, are rejected.
func (t *Tracker) UpdateStatus(id string, next OrderStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[id]
	if !ok {
		return fmt.Errorf("unknown order %s", id)
	}

	legal := false
	for _, allowed := range transitions[o.Status] {
		if allowed == next {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("illegal transition %s -> %s for order %s", o.Status, next, id)
	}

	o.Status = next
	o.UpdatedAt = t.now().UTC().UnixMilli()
	t.recordLocked("order_"+string(next), o.ID)
	return nil
}

// Orders returns a copy of the order table.
func (t *Tracker) Orders() []TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	return out
}

// Get looks up one order by id.
func (t *Tracker) Get(id string) (TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return TrackedOrder{}, false
	}
	return *o, true
}

// Activity returns the recent activity trail, newest first.
func (t *Tracker) Activity() []Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Activity, len(t.activity))
	for i, a := range t.activity {
		out[len(t.activity)-1-i] = a
	}
	return out
}

// SetKill engages or clears the kill switch. Engaging it cancels every
// pending and open order in addition to blocking new ones.
func (t *Tracker) SetKill(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed == on {
		return
	}
	t.killed = on
	if on {
		t.recordLocked("kill_switch", "engaged")
		t.log.Warn("kill switch engaged")
		for _, o := range t.orders {
			if o.Status != OrderPending && o.Status != OrderOpen {
				continue
			}
			o.Status = OrderCancelled
			o.UpdatedAt = t.now().UTC().UnixMilli()
			t.recordLocked("order_cancelled", o.ID)
		}
	} else {
		t.recordLocked("kill_switch", "cleared")
		t.log.Info("kill switch cleared")
	}
}

// Killed reports the kill switch state.
func (t *Tracker) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

func (t *Tracker) recordLocked(kind, detail string) {
	t.activity = append(t.activity, Activity{
		Time:   t.now().UTC().UnixMilli(),
		Kind:   kind,
		Detail: detail,
	})
	if len(t.activity) > activityCap {
		t.activity = t.activity[len(t.activity)-activityCap:]
	}
}
