package consumer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"teth/internal/queue"
	"teth/internal/schema"
)

// recordingSink stores every record it receives.
type recordingSink struct {
	name    string
	mu      sync.Mutex
	records []*schema.DetectionRecord
	closed  bool
	err     error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, records []*schema.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestRecord(detected bool) *schema.DetectionRecord {
	return &schema.DetectionRecord{
		EventID:           uuid.New(),
		Timestamp:         time.Now().UTC(),
		ChainID:           "chain-1",
		ToolID:            "mimikatz",
		ThreatScore:       0.95,
		Detected:          detected,
		Alerts:            []string{"HIGH_RISK_TOOL: mimikatz"},
		RecommendedAction: "ISOLATE_AND_INVESTIGATE",
		SchemaVersion:     schema.SchemaVersionCurrent,
	}
}

func testConfig() Config {
	return Config{
		Workers:      2,
		BatchSize:    4,
		PollInterval: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		ShutdownWait: time.Second,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workers <= 0 || cfg.BatchSize <= 0 {
		t.Errorf("workers and batch size should be positive: %+v", cfg)
	}
	if cfg.PollInterval <= 0 || cfg.ShutdownWait <= 0 || cfg.WriteTimeout <= 0 {
		t.Errorf("durations should be positive: %+v", cfg)
	}
}

func TestConsumer_FansOutToSinks(t *testing.T) {
	q := queue.NewRingBuffer(100)
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("broker down")}

	c := New(q, testConfig(), good, bad)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 10; i++ {
		if err := q.Push(newTestRecord(true)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for good.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if good.count() != 10 {
		t.Errorf("good sink received %d records, want 10", good.count())
	}
	if !good.closed || !bad.closed {
		t.Error("all sinks should be closed on Stop")
	}

	m := c.Metrics()
	if m.Consumed != 10 {
		t.Errorf("Consumed = %d, want 10", m.Consumed)
	}
	if m.Errors == 0 {
		t.Error("failing sink should be counted")
	}
}

func TestConsumer_StopDrainsQueue(t *testing.T) {
	q := queue.NewRingBuffer(100)
	sink := &recordingSink{name: "drain"}
	c := New(q, testConfig(), sink)

	for i := 0; i < 7; i++ {
		q.Push(newTestRecord(false))
	}

	c.Stop()
	c.Stop()

	if sink.count() != 7 {
		t.Errorf("sink received %d records, want 7", sink.count())
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	sink := NewLogSink(logger, false)
	records := []*schema.DetectionRecord{newTestRecord(true), newTestRecord(false)}
	if err := sink.Write(context.Background(), records); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one logged record, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"tool_id":"mimikatz"`) {
		t.Errorf("log line = %s", lines[0])
	}
}
