// Package natsbus publishes detected verdicts as alerts on NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"teth/internal/schema"
)

// ErrNotConnected is returned when the connection is down.
var ErrNotConnected = errors.New("natsbus: connection not available")

// Config holds NATS connection settings.
type Config struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ClientName    string        `yaml:"client_name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	DetectedOnly  bool          `yaml:"detected_only"`
}

// DefaultConfig returns the default NATS configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "teth.alerts",
		ClientName:    "teth-detector",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  2 * time.Second,
		DetectedOnly:  true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("natsbus: url is required")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("natsbus: invalid subject prefix %q", c.SubjectPrefix)
	}
	return nil
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Drain() error
}

// Publisher is a consumer sink that publishes each detected record to
// <prefix>.<action>, e.g. teth.alerts.isolate_and_investigate.
type Publisher struct {
	nc        conn
	config    Config
	logger    *slog.Logger
	published atomic.Int64
	skipped   atomic.Int64
}

// Connect dials NATS and returns a publisher.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}

	logger.Info("nats publisher connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return newPublisher(nc, cfg, logger), nil
}

func newPublisher(nc conn, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{nc: nc, config: cfg, logger: logger}
}

// Name identifies the sink.
func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject a record is published on.
func (p *Publisher) Subject(rec *schema.DetectionRecord) string {
	action := strings.ToLower(rec.RecommendedAction)
	if action == "" {
		action = "unknown"
	}
	return p.config.SubjectPrefix + "." + action
}

// Write publishes the records and flushes once per batch.
func (p *Publisher) Write(ctx context.Context, records []*schema.DetectionRecord) error {
	if !p.nc.IsConnected() {
		return ErrNotConnected
	}

	sent := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if p.config.DetectedOnly && !rec.Detected {
			p.skipped.Add(1)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("natsbus: marshal record: %w", err)
		}

		header := nats.Header{}
		header.Set("x-event-id", rec.EventID.String())
		header.Set("x-tool-id", rec.ToolID)
		header.Set("x-threat-score", fmt.Sprintf("%.2f", rec.ThreatScore))
		if rec.ChainID != "" {
			header.Set("x-chain-id", rec.ChainID)
		}
		if rec.APTGroup != "" {
			header.Set("x-apt-group", rec.APTGroup)
		}

		msg := &nats.Msg{Subject: p.Subject(rec), Data: data, Header: header}
		if err := p.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("natsbus: publish %s: %w", msg.Subject, err)
		}
		sent++
	}

	if sent == 0 {
		return nil
	}
	if err := p.nc.FlushTimeout(p.config.FlushTimeout); err != nil {
		return fmt.Errorf("natsbus: flush: %w", err)
	}

	p.published.Add(int64(sent))
	p.logger.Debug("published alerts", "count", sent)
	return nil
}

// Published returns the number of alerts published.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Skipped returns the number of undetected records not published.
func (p *Publisher) Skipped() int64 { return p.skipped.Load() }

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
