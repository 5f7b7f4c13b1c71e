package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"teth/internal/schema"
)

const detectionsTable = "detections"

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// BatchWriter buffers detection records and inserts them into ClickHouse
// in batches. It satisfies the consumer sink contract.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	buffer []*schema.DetectionRecord
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultBatchWriterConfig().InsertTimeout
	}

	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: slog.Default(),
		buffer: make([]*schema.DetectionRecord, 0, cfg.BatchSize),
	}

	if cfg.FlushInterval > 0 {
		bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	}

	return bw
}

// Name identifies the sink.
func (bw *BatchWriter) Name() string { return "clickhouse" }

// Write buffers records, flushing whenever the batch size is reached.
func (bw *BatchWriter) Write(ctx context.Context, records []*schema.DetectionRecord) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		bw.buffer = append(bw.buffer, rec)
		if len(bw.buffer) >= bw.config.BatchSize {
			if err := bw.flushLocked(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(context.Background()); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	records := bw.buffer
	bw.buffer = make([]*schema.DetectionRecord, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, bw.config.RetryDelay*time.Duration(1<<(attempt-1))); err != nil {
				lastErr = err
				break
			}
		}

		if err := bw.insertBatch(ctx, records); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(records)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(records)))
	return WrapBatchError(detectionsTable, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter) insertBatch(ctx context.Context, records []*schema.DetectionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, bw.config.InsertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO detections (
			event_id, timestamp, chain_id, position,
			tool_id, tool_name, entropy, operational_risk,
			threat_score, detected, alerts, recommended_action,
			apt_group, apt_confidence, schema_version
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		alerts := rec.Alerts
		if alerts == nil {
			alerts = []string{}
		}
		version := rec.SchemaVersion
		if version == "" {
			version = schema.SchemaVersionCurrent
		}

		err := batch.Append(
			rec.EventID,
			rec.Timestamp,
			rec.ChainID,
			uint32(max(rec.Position, 0)),
			rec.ToolID,
			rec.ToolName,
			rec.Entropy,
			rec.OperationalRisk,
			rec.ThreatScore,
			rec.Detected,
			alerts,
			rec.RecommendedAction,
			rec.APTGroup,
			rec.APTConfidence,
			version,
		)
		if err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("batch inserted", "count", len(records))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close stops the flush timer and writes whatever is still buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	if bw.flushTimer != nil {
		bw.flushTimer.Stop()
	}

	return bw.Flush(context.Background())
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
