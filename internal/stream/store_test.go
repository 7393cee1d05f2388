package stream

import (
	"fmt"
	"testing"
	"time"
)

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		t := current
		current = current.Add(step)
		return t
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewStore(100)
	base := time.UnixMilli(1700000000000)
	s.SetClock(func() time.Time { return base })

	id1, err := s.Append("t", map[string]any{"v": 1})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	id2, err := s.Append("t", map[string]any{"v": 2})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if id1 != "1700000000000-0" {
		t.Errorf("unexpected first id %s", id1)
	}
	if id2 != "1700000000000-1" {
		t.Errorf("same-millisecond append should bump the sequence, got %s", id2)
	}
}

func TestAppendRejectsEmptyFields(t *testing.T) {
	s := NewStore(10)
	if _, err := s.Append("t", nil); err == nil {
		t.Error("expected error for empty field map")
	}
}

func TestTrimKeepsNewestEntries(t *testing.T) {
	s := NewStore(100)
	s.SetMaxLen("t", 3)
	s.SetClock(fixedClock(time.UnixMilli(1000), time.Millisecond))

	for i := 0; i < 10; i++ {
		if _, err := s.Append("t", map[string]any{"v": i}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	if got := s.Len("t"); got != 3 {
		t.Fatalf("expected 3 retained entries, got %d", got)
	}

	latest, err := s.Latest("t", 0)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest[0].Int64("v") != 9 || latest[2].Int64("v") != 7 {
		t.Errorf("trim should drop oldest first, got %v", latest)
	}
}

func TestLatestNewestFirst(t *testing.T) {
	s := NewStore(100)
	s.SetClock(fixedClock(time.UnixMilli(1000), time.Millisecond))

	for i := 0; i < 5; i++ {
		s.Append("t", map[string]any{"v": i})
	}

	latest, err := s.Latest("t", 2)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(latest))
	}
	if latest[0].Int64("v") != 4 || latest[1].Int64("v") != 3 {
		t.Errorf("expected newest first, got %v", latest)
	}
}

func TestSinceReturnsOldestFirstFromFloor(t *testing.T) {
	s := NewStore(100)
	s.SetClock(fixedClock(time.UnixMilli(1000), 10*time.Millisecond))

	for i := 0; i < 5; i++ {
		s.Append("t", map[string]any{"v": i})
	}

	// Entries land at 1000, 1010, ..., 1040.
	got, err := s.Since("t", time.UnixMilli(1020))
	if err != nil {
		t.Fatalf("since failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries at or after floor, got %d", len(got))
	}
	if got[0].Int64("v") != 2 || got[2].Int64("v") != 4 {
		t.Errorf("expected oldest first from floor, got %v", got)
	}
}

func TestCountSince(t *testing.T) {
	s := NewStore(100)
	s.SetClock(fixedClock(time.UnixMilli(1000), 10*time.Millisecond))

	for i := 0; i < 5; i++ {
		s.Append("t", map[string]any{"v": i})
	}

	n, err := s.CountSince("t", time.UnixMilli(1030))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries since floor, got %d", n)
	}

	n, _ = s.CountSince("t", time.UnixMilli(99999))
	if n != 0 {
		t.Errorf("expected 0 entries past the end, got %d", n)
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	s := NewStore(100)
	s.Append("a", map[string]any{"v": 1})
	s.Append("b", map[string]any{"v": 2})

	if s.Len("a") != 1 || s.Len("b") != 1 {
		t.Errorf("topics should not share entries")
	}
}

func TestConcurrentAppendKeepsBound(t *testing.T) {
	s := NewStore(50)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				s.Append("t", map[string]any{"g": g, "i": i})
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	if got := s.Len("t"); got != 50 {
		t.Errorf("expected bound of 50 entries, got %d", got)
	}

	latest, _ := s.Latest("t", 0)
	seen := make(map[string]bool, len(latest))
	for _, e := range latest {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestEntryAccessorsHandleNativeNumbers(t *testing.T) {
	// Fields appended directly, without a json round trip, carry Go's own
	// number types.
	e := Entry{Fields: map[string]any{
		"i":   3,
		"i64": int64(4),
		"f":   2.5,
		"s":   "6",
	}}

	if got := e.Int64("i"); got != 3 {
		t.Errorf("Int64 on int: got %d want 3", got)
	}
	if got := e.Int64("i64"); got != 4 {
		t.Errorf("Int64 on int64: got %d want 4", got)
	}
	if got := e.Float("i"); got != 3 {
		t.Errorf("Float on int: got %v want 3", got)
	}
	if got := e.Float("f"); got != 2.5 {
		t.Errorf("Float on float64: got %v want 2.5", got)
	}
	if got := e.Int64("s"); got != 6 {
		t.Errorf("Int64 on numeric string: got %d want 6", got)
	}
}

func TestFieldsFlattensStruct(t *testing.T) {
	type sample struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	fields, err := Fields(sample{Name: "x", Value: 1.5})
	if err != nil {
		t.Fatalf("flatten failed: %v", err)
	}
	if fields["name"] != "x" {
		t.Errorf("expected name field, got %v", fields)
	}
	if fields["value"].(float64) != 1.5 {
		t.Errorf("expected value field, got %v", fields)
	}
}

func TestTopicNames(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{BookTopic("SOLUSDT"), "market:solusdt:book"},
		{TradesTopic("SOLUSDT"), "market:solusdt:trades"},
		{FundingTopic("SOLUSDT"), "market:solusdt:funding"},
		{LiquidationsTopic("SOLUSDT"), "market:solusdt:liquidations"},
	}
	for i, c := range cases {
		if c.got != c.want {
			t.Errorf("case %d: got %s want %s", i, c.got, c.want)
		}
	}
}

func TestPublisherRetriesOnce(t *testing.T) {
	f := &flakyAppender{failures: 1}
	p := NewPublisher(f)
	p.Publish("t", map[string]any{"v": 1})

	if f.appends != 2 {
		t.Errorf("expected one retry after failure, got %d attempts", f.appends)
	}
	if f.stored != 1 {
		t.Errorf("expected record stored on retry, got %d", f.stored)
	}
}

func TestPublisherDropsAfterRetry(t *testing.T) {
	f := &flakyAppender{failures: 2}
	p := NewPublisher(f)
	p.Publish("t", map[string]any{"v": 1})

	if f.appends != 2 {
		t.Errorf("expected exactly two attempts, got %d", f.appends)
	}
	if f.stored != 0 {
		t.Errorf("record should be dropped after second failure")
	}
}

type flakyAppender struct {
	failures int
	appends  int
	stored   int
}

func (f *flakyAppender) Append(topic string, fields map[string]any) (string, error) {
	f.appends++
	if f.failures > 0 {
		f.failures--
		return "", fmt.Errorf("transient failure")
	}
	f.stored++
	return "1-0", nil
}
