// Package schema defines the wire formats of the detection-correlation
// service and the records it emits to downstream sinks.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// IngestRequest is a single tool event posted to the ingest endpoints.
type IngestRequest struct {
	EventID      string        `json:"event_id,omitempty" validate:"omitempty,uuid"`
	Tool         ToolRef       `json:"tool" validate:"required"`
	ChainContext *ChainContext `json:"chain_context" validate:"omitempty"`
	Attribution  *Attribution  `json:"attribution" validate:"omitempty"`
}

// ToolRef identifies the tool that fired.
type ToolRef struct {
	ID              string  `json:"id" validate:"required,max=128,tool_id"`
	Name            string  `json:"name" validate:"max=256"`
	Entropy         float64 `json:"entropy" validate:"gte=0"`
	OperationalRisk float64 `json:"operational_risk" validate:"gte=0,lte=1"`
}

// ChainContext places the event within a chain.
type ChainContext struct {
	ChainID    string `json:"chain_id" validate:"required,max=128"`
	Position   int    `json:"position" validate:"gte=0"`
	TotalTools int    `json:"total_tools" validate:"gte=0"`
}

// Attribution is a caller-supplied attribution hint.
type Attribution struct {
	APTGroup   string  `json:"apt_group" validate:"required,max=128"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// IngestResponse is the detection verdict returned for one event.
type IngestResponse struct {
	EventID           string   `json:"event_id"`
	Detected          bool     `json:"detected"`
	DetectionTimeMs   float64  `json:"detection_time_ms"`
	ThreatScore       float64  `json:"threat_score"`
	Alerts            []string `json:"alerts"`
	RecommendedAction string   `json:"recommended_action"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	ChainsTracked int   `json:"chains_tracked"`
	TotalEvents   int64 `json:"total_events"`
}

// DetectionRecord is the durable form of one verdict, written to
// ClickHouse and published to the message bus.
type DetectionRecord struct {
	EventID           uuid.UUID `json:"event_id"`
	Timestamp         time.Time `json:"timestamp"`
	ChainID           string    `json:"chain_id,omitempty"`
	Position          int       `json:"position"`
	ToolID            string    `json:"tool_id"`
	ToolName          string    `json:"tool_name,omitempty"`
	Entropy           float64   `json:"entropy"`
	OperationalRisk   float64   `json:"operational_risk"`
	ThreatScore       float64   `json:"threat_score"`
	Detected          bool      `json:"detected"`
	Alerts            []string  `json:"alerts"`
	RecommendedAction string    `json:"recommended_action"`
	APTGroup          string    `json:"apt_group,omitempty"`
	APTConfidence     float64   `json:"apt_confidence,omitempty"`
	SchemaVersion     string    `json:"schema_version"`
}

// SchemaVersionCurrent is the current version of the record schema.
const SchemaVersionCurrent = "1.0.0"
