package consumer

import (
	"context"
	"log/slog"

	"teth/internal/schema"
)

// LogSink writes detected records to a structured logger. It is the
// fallback sink when no storage or bus is configured.
type LogSink struct {
	logger *slog.Logger
	all    bool
}

// NewLogSink creates a log sink. When all is false only detected records
// are logged.
func NewLogSink(logger *slog.Logger, all bool) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, all: all}
}

// Name returns the sink name.
func (s *LogSink) Name() string { return "log" }

// Write logs each record.
func (s *LogSink) Write(ctx context.Context, records []*schema.DetectionRecord) error {
	for _, rec := range records {
		if !rec.Detected && !s.all {
			continue
		}
		s.logger.LogAttrs(ctx, slog.LevelInfo, "detection record",
			slog.String("event_id", rec.EventID.String()),
			slog.String("chain_id", rec.ChainID),
			slog.String("tool_id", rec.ToolID),
			slog.Int("position", rec.Position),
			slog.Float64("threat_score", rec.ThreatScore),
			slog.Bool("detected", rec.Detected),
			slog.String("action", rec.RecommendedAction),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
