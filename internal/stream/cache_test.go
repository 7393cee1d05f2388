package stream

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheServesFreshValue(t *testing.T) {
	now := time.UnixMilli(0)
	c := NewCache(5*time.Second, func() time.Time { return now })

	calls := 0
	fetch := func() (any, error) {
		calls++
		return calls, nil
	}

	v, err := c.Get("k", fetch)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v.(int) != 1 {
		t.Fatalf("unexpected value %v", v)
	}

	now = now.Add(4 * time.Second)
	v, _ = c.Get("k", fetch)
	if v.(int) != 1 || calls != 1 {
		t.Errorf("value inside TTL should come from cache, calls=%d", calls)
	}
}

func TestCacheRefetchesAfterTTL(t *testing.T) {
	now := time.UnixMilli(0)
	c := NewCache(5*time.Second, func() time.Time { return now })

	calls := 0
	fetch := func() (any, error) {
		calls++
		return calls, nil
	}

	c.Get("k", fetch)
	now = now.Add(5001 * time.Millisecond)
	v, _ := c.Get("k", fetch)
	if v.(int) != 2 || calls != 2 {
		t.Errorf("expired entry should refetch, got v=%v calls=%d", v, calls)
	}
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	now := time.UnixMilli(0)
	c := NewCache(5*time.Second, func() time.Time { return now })

	calls := 0
	_, err := c.Get("k", func() (any, error) {
		calls++
		return nil, fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	v, err := c.Get("k", func() (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v.(string) != "ok" {
		t.Errorf("error must not poison the cache, got v=%v err=%v", v, err)
	}
	if calls != 2 {
		t.Errorf("expected both fetches to run, got %d", calls)
	}
}

func TestCachePeekReportsAge(t *testing.T) {
	now := time.UnixMilli(0)
	c := NewCache(5*time.Second, func() time.Time { return now })

	if _, _, ok := c.Peek("k"); ok {
		t.Fatal("peek on empty cache should miss")
	}

	c.Get("k", func() (any, error) { return 42, nil })
	now = now.Add(7 * time.Second)

	v, age, ok := c.Peek("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("peek should return the stale value, got %v ok=%v", v, ok)
	}
	if age != 7*time.Second {
		t.Errorf("expected age 7s, got %s", age)
	}
}
