// Package consumer drains detection records from the queue into sinks.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"teth/internal/metrics"
	"teth/internal/queue"
	"teth/internal/schema"
)

// Sink receives batches of detection records.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []*schema.DetectionRecord) error
	Close() error
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		BatchSize:    100,
		PollInterval: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads records from the queue and fans them out to every sink.
// A failing sink does not stop the others.
type Consumer struct {
	queue   *queue.RingBuffer
	sinks   []Sink
	config  Config
	metrics *metrics.Collector

	wg   sync.WaitGroup
	done chan struct{}
	stop sync.Once

	consumed atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, cfg Config, sinks ...Sink) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Consumer{
		queue:  q,
		sinks:  sinks,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// WithMetrics sets the metrics collector.
func (c *Consumer) WithMetrics(m *metrics.Collector) *Consumer {
	c.metrics = m
	return c
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("record consumer started", "workers", c.config.Workers, "sinks", len(c.sinks))
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		batch, err := c.queue.PopBatch(c.config.BatchSize, c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		c.deliver(ctx, batch)
	}
}

// deliver writes one batch to every sink.
func (c *Consumer) deliver(ctx context.Context, batch []*schema.DetectionRecord) {
	for _, sink := range c.sinks {
		wctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
		err := sink.Write(wctx, batch)
		cancel()
		if err != nil {
			slog.Error("sink write failed",
				"sink", sink.Name(),
				"records", len(batch),
				"error", err,
			)
			c.errors.Add(1)
			c.metrics.IncSinkError(sink.Name())
		}
	}
	c.consumed.Add(uint64(len(batch)))
}

// Stop stops the workers, drains what is left in the queue and closes
// every sink.
func (c *Consumer) Stop() {
	c.stop.Do(func() {
		close(c.done)

		finished := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(c.config.ShutdownWait):
			slog.Warn("record consumer shutdown timed out")
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownWait)
		defer cancel()
		for {
			batch, err := c.queue.PopBatch(c.config.BatchSize, 0)
			if err != nil {
				break
			}
			c.deliver(ctx, batch)
		}

		for _, sink := range c.sinks {
			if err := sink.Close(); err != nil {
				slog.Error("sink close failed", "sink", sink.Name(), "error", err)
			}
		}
		slog.Info("record consumer stopped", "consumed", c.consumed.Load())
	})
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
