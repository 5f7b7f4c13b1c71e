package natsbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"teth/internal/schema"
)

type fakeConn struct {
	msgs      []*nats.Msg
	flushes   int
	connected bool
	drained   bool
	pubErr    error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error { f.flushes++; return nil }
func (f *fakeConn) IsConnected() bool                { return f.connected }
func (f *fakeConn) Drain() error                     { f.drained = true; return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(toolID, action string, detected bool) *schema.DetectionRecord {
	return &schema.DetectionRecord{
		EventID:           uuid.New(),
		ChainID:           "chain-7",
		ToolID:            toolID,
		ThreatScore:       0.95,
		Detected:          detected,
		RecommendedAction: action,
		APTGroup:          "apt29",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty url", func(c *Config) { c.URL = "" }, true},
		{"wildcard prefix", func(c *Config) { c.SubjectPrefix = "teth.*" }, true},
		{"empty prefix", func(c *Config) { c.SubjectPrefix = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublisher_PublishesDetectedOnly(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, DefaultConfig(), quietLogger())

	recs := []*schema.DetectionRecord{
		record("mimikatz", "ISOLATE_AND_INVESTIGATE", true),
		record("nmap", "MONITOR", false),
		nil,
		record("psexec", "LOG_AND_MONITOR", true),
	}
	if err := p.Write(context.Background(), recs); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(fc.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(fc.msgs))
	}
	if fc.msgs[0].Subject != "teth.alerts.isolate_and_investigate" {
		t.Errorf("subject = %s", fc.msgs[0].Subject)
	}
	if fc.msgs[1].Subject != "teth.alerts.log_and_monitor" {
		t.Errorf("subject = %s", fc.msgs[1].Subject)
	}
	h := fc.msgs[0].Header
	if h.Get("x-chain-id") != "chain-7" || h.Get("x-tool-id") != "mimikatz" || h.Get("x-threat-score") != "0.95" {
		t.Errorf("headers = %v", h)
	}
	if fc.flushes != 1 {
		t.Errorf("flushes = %d, want 1", fc.flushes)
	}
	if p.Published() != 2 || p.Skipped() != 1 {
		t.Errorf("published=%d skipped=%d", p.Published(), p.Skipped())
	}
}

func TestPublisher_AllRecords(t *testing.T) {
	fc := &fakeConn{connected: true}
	cfg := DefaultConfig()
	cfg.DetectedOnly = false
	p := newPublisher(fc, cfg, quietLogger())

	if err := p.Write(context.Background(), []*schema.DetectionRecord{record("nmap", "MONITOR", false)}); err != nil {
		t.Fatal(err)
	}
	if len(fc.msgs) != 1 || fc.msgs[0].Subject != "teth.alerts.monitor" {
		t.Errorf("msgs = %v", fc.msgs)
	}
}

func TestPublisher_NothingToSend(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, DefaultConfig(), quietLogger())

	if err := p.Write(context.Background(), []*schema.DetectionRecord{record("nmap", "MONITOR", false)}); err != nil {
		t.Fatal(err)
	}
	if fc.flushes != 0 {
		t.Error("flush without publishes")
	}
}

func TestPublisher_Errors(t *testing.T) {
	p := newPublisher(&fakeConn{}, DefaultConfig(), quietLogger())
	if err := p.Write(context.Background(), nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected Write() = %v", err)
	}

	boom := errors.New("slow consumer")
	p = newPublisher(&fakeConn{connected: true, pubErr: boom}, DefaultConfig(), quietLogger())
	err := p.Write(context.Background(), []*schema.DetectionRecord{record("mimikatz", "ALERT_SOC", true)})
	if !errors.Is(err, boom) {
		t.Errorf("Write() = %v, want wrapped publish error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = newPublisher(&fakeConn{connected: true}, DefaultConfig(), quietLogger())
	if err := p.Write(ctx, []*schema.DetectionRecord{record("mimikatz", "ALERT_SOC", true)}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Write() = %v", err)
	}
}

func TestPublisher_CloseDrains(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, DefaultConfig(), quietLogger())
	if p.Name() != "nats" {
		t.Errorf("Name() = %s", p.Name())
	}
	if err := p.Close(); err != nil || !fc.drained {
		t.Errorf("Close() = %v, drained = %v", err, fc.drained)
	}
}
