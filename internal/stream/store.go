package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one immutable record in a topic log. Producers never mutate a
// published entry; the store owns all entries.
type Entry struct {
	ID     string         `json:"id"`
	Time   int64          `json:"time"` // unix ms, the timestamp half of ID
	Fields map[string]any `json:"fields"`
}

// Float returns a numeric field, tolerating the json number types that
// survive a field-map round trip.
func (e Entry) Float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Int64 returns an integer field.
func (e Entry) Int64(key string) int64 {
	switch v := e.Fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Str returns a string field.
func (e Entry) Str(key string) string {
	if s, ok := e.Fields[key].(string); ok {
		return s
	}
	return ""
}

// topicLog is a bounded append-only ring for a single topic. Append and the
// length trim happen under one lock so readers never observe the log above
// its bound or in a partially trimmed state.
type topicLog struct {
	mu      sync.RWMutex
	entries []Entry
	maxLen  int
	lastMs  int64
	seq     int64
}

// Store is an in-process, per-topic, length-bounded event log. It is the
// only state shared across ingestion tasks. Retention is a fixed maximum
// entry count per topic, oldest dropped first: a ring buffer, not a ledger.
type Store struct {
	mu         sync.RWMutex
	topics     map[string]*topicLog
	maxByTopic map[string]int
	defaultMax int
	now        func() time.Time
}

// NewStore builds a store with a default per-topic bound. Per-topic caps may
// be registered with SetMaxLen before traffic starts.
func NewStore(defaultMax int) *Store {
	if defaultMax <= 0 {
		defaultMax = 10000
	}
	return &Store{
		topics:     make(map[string]*topicLog),
		maxByTopic: make(map[string]int),
		defaultMax: defaultMax,
		now:        time.Now,
	}
}

// SetClock replaces the wall clock, for deterministic tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetMaxLen overrides the retained entry count for one topic.
func (s *Store) SetMaxLen(topic string, maxLen int) {
	s.mu.Lock()
	s.maxByTopic[topic] = maxLen
	if t, ok := s.topics[topic]; ok {
		t.mu.Lock()
		t.maxLen = maxLen
		t.trimLocked()
		t.mu.Unlock()
	}
	s.mu.Unlock()
}

func (s *Store) topic(name string) *topicLog {
	s.mu.RLock()
	t, ok := s.topics[name]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.topics[name]; ok {
		return t
	}
	maxLen := s.defaultMax
	if m, ok := s.maxByTopic[name]; ok && m > 0 {
		maxLen = m
	}
	t = &topicLog{maxLen: maxLen}
	s.topics[name] = t
	return t
}

// Append publishes a field map onto a topic and returns the assigned entry
// id. Ids are "<unixms>-<seq>", strictly increasing within the topic.
func (s *Store) Append(topic string, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("empty field map for topic %s", topic)
	}

	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()

	t := s.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := now().UnixMilli()
	if ms <= t.lastMs {
		ms = t.lastMs
		t.seq++
	} else {
		t.lastMs = ms
		t.seq = 0
	}

	entry := Entry{
		ID:     fmt.Sprintf("%d-%d", ms, t.seq),
		Time:   ms,
		Fields: fields,
	}
	t.entries = append(t.entries, entry)
	t.trimLocked()
	return entry.ID, nil
}

func (t *topicLog) trimLocked() {
	if t.maxLen > 0 && len(t.entries) > t.maxLen {
		t.entries = append([]Entry(nil), t.entries[len(t.entries)-t.maxLen:]...)
	}
}

// Latest returns the most recent n entries, newest first.
func (s *Store) Latest(topic string, n int) ([]Entry, error) {
	t := s.topic(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(t.entries) - 1; i >= len(t.entries)-n; i-- {
		out = append(out, t.entries[i])
	}
	return out, nil
}

// Since returns all entries with an id at or after the given timestamp
// floor, oldest first.
func (s *Store) Since(topic string, floor time.Time) ([]Entry, error) {
	t := s.topic(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()

	ms := floor.UnixMilli()
	idx := len(t.entries)
	for i, e := range t.entries {
		if e.Time >= ms {
			idx = i
			break
		}
	}
	out := make([]Entry, len(t.entries)-idx)
	copy(out, t.entries[idx:])
	return out, nil
}

// CountSince counts entries appended at or after the timestamp floor.
func (s *Store) CountSince(topic string, floor time.Time) (int, error) {
	t := s.topic(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()

	ms := floor.UnixMilli()
	count := 0
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Time < ms {
			break
		}
		count++
	}
	return count, nil
}

// Len reports the number of retained entries in a topic.
func (s *Store) Len(topic string) int {
	t := s.topic(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Fields flattens a struct into the field-map shape the log stores.
func Fields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatten fields: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("flatten fields: %w", err)
	}
	return out, nil
}

// Topic name layout follows the market:<symbol>:<kind> convention of the
// upstream consumers.

func topicName(symbol, kind string) string {
	return "market:" + strings.ToLower(symbol) + ":" + kind
}

func BookTopic(symbol string) string         { return topicName(symbol, "book") }
func TradesTopic(symbol string) string       { return topicName(symbol, "trades") }
func FundingTopic(symbol string) string      { return topicName(symbol, "funding") }
func LiquidationsTopic(symbol string) string { return topicName(symbol, "liquidations") }

const (
	LiqMapTopic      = "onchain:drift:liq_map"
	ChainEventsTopic = "onchain:drift:events"
)
