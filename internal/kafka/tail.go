package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"teth/internal/schema"
)

// RecordHandler receives each decoded detection record.
type RecordHandler func(ctx context.Context, rec *schema.DetectionRecord) error

// messageReader is the part of kafka.Reader the tailer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Tailer follows the detection topic and hands decoded records to a handler.
type Tailer struct {
	reader   messageReader
	config   *Config
	logger   *slog.Logger
	handler  RecordHandler
	consumed atomic.Int64
	errors   atomic.Int64
	closed   atomic.Bool
}

// NewTailer creates a tailer in the configured consumer group.
func NewTailer(config *Config, handler RecordHandler, logger *slog.Logger) (*Tailer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: record handler is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return newTailer(reader, config, handler, logger), nil
}

func newTailer(r messageReader, config *Config, handler RecordHandler, logger *slog.Logger) *Tailer {
	return &Tailer{reader: r, config: config, handler: handler, logger: logger}
}

// Run reads until ctx is done. Undecodable messages are logged and
// committed; handler failures leave the message uncommitted.
func (t *Tailer) Run(ctx context.Context) error {
	if t.closed.Load() {
		return ErrTailerClosed
	}

	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.errors.Add(1)
			t.logger.Error("failed to fetch message", "error", err, "topic", t.config.Topic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		rec, err := DecodeRecord(msg)
		if err != nil {
			t.errors.Add(1)
			t.logger.Warn("skipping undecodable message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else if err := t.handler(ctx, rec); err != nil {
			t.errors.Add(1)
			t.logger.Error("failed to handle record", "error", err, "offset", msg.Offset)
			continue
		}

		if err := t.reader.CommitMessages(ctx, msg); err != nil {
			t.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
		t.consumed.Add(1)
	}
}

// DecodeRecord parses a message produced by EncodeRecord.
func DecodeRecord(msg kafka.Message) (*schema.DetectionRecord, error) {
	var rec schema.DetectionRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if rec.ToolID == "" {
		return nil, fmt.Errorf("%w: missing tool_id", ErrInvalidMessage)
	}
	return &rec, nil
}

// GetMetrics returns tailer statistics.
func (t *Tailer) GetMetrics() Metrics {
	return Metrics{
		MessagesConsumed: t.consumed.Load(),
		Errors:           t.errors.Load(),
	}
}

// Close closes the reader.
func (t *Tailer) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.reader.Close()
}
