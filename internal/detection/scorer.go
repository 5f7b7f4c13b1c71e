// Package detection implements the detection-correlation service: a pure
// rule-based scorer, per-chain correlation state and the service that ties
// them together.
package detection

import (
	"fmt"
	"strings"

	tetherrors "teth/internal/errors"
)

// Recommended actions.
const (
	ActionMonitor               = "MONITOR"
	ActionLogAndMonitor         = "LOG_AND_MONITOR"
	ActionAlertSOC              = "ALERT_SOC"
	ActionIsolateAndInvestigate = "ISOLATE_AND_INVESTIGATE"
)

// Rules holds the static rule lists and scoring constants.
type Rules struct {
	HighRiskTools     []string `yaml:"high_risk_tools"`
	APTExclusiveTools []string `yaml:"apt_exclusive_tools"`

	HighRiskConfidence     float64 `yaml:"high_risk_confidence"`
	APTExclusiveConfidence float64 `yaml:"apt_exclusive_confidence"`

	EntropyHigh       float64 `yaml:"entropy_high"`
	EntropyHighConf   float64 `yaml:"entropy_high_confidence"`
	EntropyMedium     float64 `yaml:"entropy_medium"`
	EntropyMediumConf float64 `yaml:"entropy_medium_confidence"`
	BaseConfidence    float64 `yaml:"base_confidence"`

	PositionBonusAfter int     `yaml:"position_bonus_after"`
	PositionAlertAfter int     `yaml:"position_alert_after"`
	PositionBonus      float64 `yaml:"position_bonus"`

	AttributionThreshold float64 `yaml:"attribution_threshold"`
	AttributionBonus     float64 `yaml:"attribution_bonus"`

	DetectThreshold  float64 `yaml:"detect_threshold"`
	IsolateThreshold float64 `yaml:"isolate_threshold"`
	AlertThreshold   float64 `yaml:"alert_threshold"`
}

// DefaultRules returns the default rule set.
func DefaultRules() Rules {
	return Rules{
		HighRiskTools:     []string{"mimikatz", "cobalt_strike", "empire", "impacket"},
		APTExclusiveTools: []string{"sunburst", "teardrop", "x_agent", "fallchill", "manuscrypt", "carbanak", "webc2", "zebrocy", "griffon"},

		HighRiskConfidence:     0.95,
		APTExclusiveConfidence: 0.85,

		EntropyHigh:       30,
		EntropyHighConf:   0.7,
		EntropyMedium:     20,
		EntropyMediumConf: 0.4,
		BaseConfidence:    0.2,

		PositionBonusAfter: 2,
		PositionAlertAfter: 4,
		PositionBonus:      0.1,

		AttributionThreshold: 0.7,
		AttributionBonus:     0.15,

		DetectThreshold:  0.5,
		IsolateThreshold: 0.8,
		AlertThreshold:   0.6,
	}
}

// Validate checks the rule constants.
func (r Rules) Validate() error {
	for name, v := range map[string]float64{
		"high_risk_confidence":      r.HighRiskConfidence,
		"apt_exclusive_confidence":  r.APTExclusiveConfidence,
		"entropy_high_confidence":   r.EntropyHighConf,
		"entropy_medium_confidence": r.EntropyMediumConf,
		"base_confidence":           r.BaseConfidence,
		"attribution_threshold":     r.AttributionThreshold,
		"detect_threshold":          r.DetectThreshold,
		"isolate_threshold":         r.IsolateThreshold,
		"alert_threshold":           r.AlertThreshold,
	} {
		if v < 0 || v > 1 {
			return tetherrors.NewValidationError("detection."+name, "must be within [0,1]")
		}
	}
	if r.EntropyMedium > r.EntropyHigh {
		return tetherrors.NewValidationError("detection.entropy_medium", "must not exceed entropy_high")
	}
	if r.PositionBonusAfter < 0 || r.PositionAlertAfter < r.PositionBonusAfter {
		return tetherrors.NewValidationError("detection.position_alert_after", "must be at least position_bonus_after")
	}
	if r.PositionBonus < 0 || r.AttributionBonus < 0 {
		return tetherrors.NewValidationError("detection.position_bonus", "bonuses must not be negative")
	}
	if r.AlertThreshold > r.IsolateThreshold {
		return tetherrors.NewValidationError("detection.alert_threshold", "must not exceed isolate_threshold")
	}
	return nil
}

// Input is one event as seen by the scorer.
type Input struct {
	ToolID        string
	Entropy       float64
	Position      int
	APTGroup      string
	APTConfidence float64
}

// Verdict is the scorer's decision for one event.
type Verdict struct {
	Confidence float64  `json:"confidence"`
	Detected   bool     `json:"detected"`
	Alerts     []string `json:"alerts"`
	Action     string   `json:"action"`
}

// Scorer applies the rule tiers. It is safe for concurrent use.
type Scorer struct {
	rules        Rules
	highRisk     map[string]bool
	aptExclusive map[string]bool
}

// NewScorer creates a scorer for the rule set.
func NewScorer(rules Rules) *Scorer {
	s := &Scorer{
		rules:        rules,
		highRisk:     make(map[string]bool, len(rules.HighRiskTools)),
		aptExclusive: make(map[string]bool, len(rules.APTExclusiveTools)),
	}
	for _, id := range rules.HighRiskTools {
		s.highRisk[strings.ToLower(id)] = true
	}
	for _, id := range rules.APTExclusiveTools {
		s.aptExclusive[strings.ToLower(id)] = true
	}
	return s
}

// Rules returns the scorer's rule set.
func (s *Scorer) Rules() Rules {
	return s.rules
}

// Score computes the verdict for one event. It has no side effects.
func (s *Scorer) Score(in Input) Verdict {
	r := s.rules
	id := strings.ToLower(in.ToolID)
	alerts := []string{}

	var conf float64
	switch {
	case s.highRisk[id]:
		conf = r.HighRiskConfidence
		alerts = append(alerts, "HIGH_RISK_TOOL: "+id)
	case s.aptExclusive[id]:
		conf = r.APTExclusiveConfidence
		alerts = append(alerts, "APT_EXCLUSIVE_TOOL: "+id)
	case in.Entropy > r.EntropyHigh:
		conf = r.EntropyHighConf
	case in.Entropy > r.EntropyMedium:
		conf = r.EntropyMediumConf
	default:
		conf = r.BaseConfidence
	}

	if in.Position > r.PositionBonusAfter {
		conf += r.PositionBonus
	}
	if in.Position > r.PositionAlertAfter {
		conf += r.PositionBonus
		alerts = append(alerts, fmt.Sprintf("CHAIN_PROGRESSION: position %d", in.Position))
	}

	if in.APTGroup != "" && in.APTConfidence > r.AttributionThreshold {
		conf += r.AttributionBonus
		alerts = append(alerts, fmt.Sprintf("APT_ATTRIBUTION: %s (%.2f)", in.APTGroup, in.APTConfidence))
	}

	conf = clamp01(conf)
	detected := conf > r.DetectThreshold || len(alerts) > 0

	return Verdict{
		Confidence: conf,
		Detected:   detected,
		Alerts:     alerts,
		Action:     s.action(detected, conf),
	}
}

func (s *Scorer) action(detected bool, conf float64) string {
	switch {
	case !detected:
		return ActionMonitor
	case conf > s.rules.IsolateThreshold:
		return ActionIsolateAndInvestigate
	case conf > s.rules.AlertThreshold:
		return ActionAlertSOC
	default:
		return ActionLogAndMonitor
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
