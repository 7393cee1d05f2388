package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"riskflow/config"
	"riskflow/internal/stream"
	"riskflow/logger"
)

// Record is the columnar shape of one archived log entry. The field map is
// carried as json so every topic shares one schema and a day file can be
// rehydrated into store entries without per-topic readers.
type Record struct {
	Topic   string `parquet:"name=topic, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID      string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time    int64  `parquet:"name=time, type=INT64"`
	Payload string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Archiver drains the event log into daily parquet files, one per topic per
// UTC day. A day file is rewritten whole on every flush, so restarts within
// a day append by reloading the existing file first. When S3 is enabled each
// flushed file is mirrored under the same key layout.
type Archiver struct {
	cfg      *config.Config
	store    *stream.Store
	topics   []string
	s3Client *s3.Client
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Entry

	stateMu  sync.Mutex
	day      string              // current UTC day, YYYY-MM-DD
	buffers  map[string][]Record // per topic, whole current day
	lastSeen map[string]int64    // newest archived entry time per topic, unix ms
}

func NewArchiver(cfg *config.Config, store *stream.Store, topics []string) (*Archiver, error) {
	a := &Archiver{
		cfg:      cfg,
		store:    store,
		topics:   topics,
		log:      logger.GetLogger().WithComponent("archiver"),
		buffers:  make(map[string][]Record),
		lastSeen: make(map[string]int64),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		a.s3Client = client
	}
	return a, nil
}

func newS3Client(cfg *config.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	if err := os.MkdirAll(a.cfg.Archive.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	a.log.WithFields(logger.Fields{
		"dir":    a.cfg.Archive.Dir,
		"topics": len(a.topics),
	}).Info("starting archiver")

	a.coldStart()

	a.wg.Add(1)
	go a.flushLoop()
	return nil
}

// Stop flushes the open buffers and waits for the flush worker.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.wg.Wait()
	a.flush("shutdown")
	a.log.Info("archiver stopped")
}

// coldStart reloads today's files so the first flush after a restart does
// not clobber what the previous process archived.
func (a *Archiver) coldStart() {
	day := time.Now().UTC().Format("2006-01-02")
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	a.day = day
	for _, topic := range a.topics {
		records, err := a.readDayFile(topic, day)
		if err != nil {
			if !os.IsNotExist(err) {
				a.log.WithError(err).WithField("topic", topic).Warn("failed to reload day file")
			}
			continue
		}
		a.buffers[topic] = records
		for _, r := range records {
			if r.Time > a.lastSeen[topic] {
				a.lastSeen[topic] = r.Time
			}
		}
		a.log.WithFields(logger.Fields{
			"topic":   topic,
			"records": len(records),
		}).Info("reloaded archived day")
	}
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Archive.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.flush("interval")
		}
	}
}

func (a *Archiver) flush(reason string) {
	day := time.Now().UTC().Format("2006-01-02")

	a.stateMu.Lock()
	if day != a.day {
		// Day rolled over; the previous day's files are already on disk.
		a.day = day
		a.buffers = make(map[string][]Record)
	}

	dirty := make(map[string][]Record)
	for _, topic := range a.topics {
		entries, err := a.store.Since(topic, time.UnixMilli(a.lastSeen[topic]+1))
		if err != nil || len(entries) == 0 {
			continue
		}
		for _, e := range entries {
			payload, err := json.Marshal(e.Fields)
			if err != nil {
				continue
			}
			a.buffers[topic] = append(a.buffers[topic], Record{
				Topic:   topic,
				ID:      e.ID,
				Time:    e.Time,
				Payload: string(payload),
			})
			if e.Time > a.lastSeen[topic] {
				a.lastSeen[topic] = e.Time
			}
		}
		dirty[topic] = a.buffers[topic]
	}
	a.stateMu.Unlock()

	for topic, records := range dirty {
		if err := a.writeDayFile(topic, day, records); err != nil {
			a.log.WithError(err).WithField("topic", topic).Error("failed to write day file")
			continue
		}
		a.log.WithFields(logger.Fields{
			"topic":   topic,
			"records": len(records),
			"reason":  reason,
		}).Debug("flushed archive file")
	}
}

// topicPath keeps the colon-separated topic names filesystem-safe.
func topicPath(topic string) string {
	return strings.ReplaceAll(topic, ":", "_")
}

func (a *Archiver) dayFilePath(topic, day string) string {
	return filepath.Join(a.cfg.Archive.Dir, topicPath(topic), day+".parquet")
}

func (a *Archiver) writeDayFile(topic, day string, records []Record) error {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(Record), 1)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		if err := pw.Write(r); err != nil {
			return fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet file: %w", err)
	}

	path := a.dayFilePath(topic, day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, mf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if a.s3Client != nil {
		a.mirror(topic, day, mf.Bytes())
	}
	return nil
}

func (a *Archiver) mirror(topic, day string, data []byte) {
	key := fmt.Sprintf("%s/%s.parquet", topicPath(topic), day)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("failed to mirror archive file to s3")
		return
	}
	a.log.WithField("key", key).Debug("mirrored archive file to s3")
}

func (a *Archiver) readDayFile(topic, day string) ([]Record, error) {
	path := a.dayFilePath(topic, day)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	lf, err := openLocalFile(path)
	if err != nil {
		return nil, err
	}
	defer lf.Close()

	pr, err := reader.NewParquetReader(lf, new(Record), 1)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]Record, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read parquet records: %w", err)
	}
	return records, nil
}

// ReadDay rehydrates one archived day into store entries, oldest first. It
// is the cold-path source for API queries that outlive the in-memory
// retention window.
func (a *Archiver) ReadDay(topic string, day time.Time) ([]stream.Entry, error) {
	records, err := a.readDayFile(topic, day.UTC().Format("2006-01-02"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]stream.Entry, 0, len(records))
	for _, r := range records {
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(r.Payload), &fields); err != nil {
			continue
		}
		entries = append(entries, stream.Entry{ID: r.ID, Time: r.Time, Fields: fields})
	}
	return entries, nil
}

// Latest returns up to n entries from today's archive, newest first. Used as
// the fallback read when a live topic is empty after a restart.
func (a *Archiver) Latest(topic string, n int) ([]stream.Entry, error) {
	entries, err := a.ReadDay(topic, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	// Newest first, matching the live store's Latest.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
