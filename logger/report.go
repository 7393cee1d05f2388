package logger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	ingestErrors int64
	ingestWarns  int64
	publishDrops int64
	streams      sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "poller") {
		atomic.AddInt64(&ingestWarns, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "poller") {
		atomic.AddInt64(&ingestErrors, 1)
	}
}

// RecordStreamMessage counts a message flowing through a named feed.
func RecordStreamMessage(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// RecordPublishDrop counts a publish that was dropped after its retry.
func RecordPublishDrop() {
	atomic.AddInt64(&publishDrops, 1)
}

// StartReport begins periodic logging of feed and publish statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	fields := Fields{
		"ingest_errors": atomic.LoadInt64(&ingestErrors),
		"ingest_warns":  atomic.LoadInt64(&ingestWarns),
		"publish_drops": atomic.LoadInt64(&publishDrops),
	}
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		fields["feed_"+k.(string)+"_messages"] = atomic.LoadInt64(&st.messages)
		fields["feed_"+k.(string)+"_bytes"] = atomic.LoadInt64(&st.bytes)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("ingestion report")
	PublishMetric(ctx, "report", "PublishDrops", float64(atomic.LoadInt64(&publishDrops)), nil)
}
