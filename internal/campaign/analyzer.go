// Package campaign aggregates the ordered events of one chain into a
// campaign-level assessment.
package campaign

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"teth/internal/attribution"
	"teth/internal/catalog"
	"teth/internal/entropy"
	tetherrors "teth/internal/errors"
)

// Event is one recorded tool firing within a chain.
type Event struct {
	ToolID    string    `json:"tool_id"`
	Timestamp time.Time `json:"timestamp"`
	ChainID   string    `json:"chain_id"`
	Position  int       `json:"position"`
}

// ThreatLevel buckets campaign entropy.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// OODAPhase is a stage of the observe-orient-decide-act loop.
type OODAPhase string

const (
	OODAObserve OODAPhase = "observe"
	OODAOrient  OODAPhase = "orient"
	OODADecide  OODAPhase = "decide"
	OODAAct     OODAPhase = "act"
)

// Recommended actions.
const (
	ActionMonitor               = "MONITOR"
	ActionLogAndMonitor         = "LOG_AND_MONITOR"
	ActionIncreaseMonitoring    = "INCREASE_MONITORING"
	ActionAlertSOC              = "ALERT_SOC"
	ActionHuntAttributedTTPs    = "HUNT_ATTRIBUTED_TTPS"
	ActionBlockPredictedTools   = "BLOCK_PREDICTED_TOOLS"
	ActionIsolateAndInvestigate = "ISOLATE_AND_INVESTIGATE"
	ActionEngageIncidentResp    = "ENGAGE_INCIDENT_RESPONSE"
)

var oodaByPhase = map[catalog.Phase]OODAPhase{
	catalog.PhaseHunt:     OODAObserve,
	catalog.PhaseDetect:   OODAOrient,
	catalog.PhaseDisrupt:  OODADecide,
	catalog.PhaseDisable:  OODAAct,
	catalog.PhaseDominate: OODAAct,
}

// OODAFor maps an HD4 phase to its OODA stage.
func OODAFor(p catalog.Phase) OODAPhase {
	if o, ok := oodaByPhase[p]; ok {
		return o
	}
	return OODAObserve
}

// Config holds analyzer settings.
type Config struct {
	MediumThreshold   float64 `yaml:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	HighConfidence    float64 `yaml:"high_confidence"`
	MaxPredictions    int     `yaml:"max_predictions"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		MediumThreshold:   20,
		HighThreshold:     50,
		CriticalThreshold: 80,
		HighConfidence:    0.7,
		MaxPredictions:    3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.MediumThreshold < c.HighThreshold && c.HighThreshold < c.CriticalThreshold) {
		return fmt.Errorf("threat thresholds must be strictly increasing")
	}
	if c.HighConfidence < 0 || c.HighConfidence > 1 {
		return fmt.Errorf("high_confidence must be in [0,1]")
	}
	if c.MaxPredictions < 0 {
		return fmt.Errorf("max_predictions must be non-negative")
	}
	return nil
}

// Assessment is the campaign-level result.
type Assessment struct {
	ChainID               string          `json:"chain_id"`
	EventCount            int             `json:"event_count"`
	ToolIDs               []string        `json:"tool_ids"`
	UnresolvedTools       []string        `json:"unresolved_tools,omitempty"`
	TotalEntropy          float64         `json:"total_entropy"`
	EntropyStdDev         float64         `json:"entropy_stddev"`
	HD4Phase              catalog.Phase   `json:"hd4_phase,omitempty"`
	OODAPhase             OODAPhase       `json:"ooda_phase,omitempty"`
	PhasesCovered         []catalog.Phase `json:"phases_covered"`
	ThreatLevel           ThreatLevel     `json:"threat_level"`
	AttributedAPT         string          `json:"attributed_apt,omitempty"`
	AttributionConfidence float64         `json:"attribution_confidence"`
	Evidence              []string        `json:"evidence,omitempty"`
	PredictedNextTools    []string        `json:"predicted_next_tools"`
	RecommendedActions    []string        `json:"recommended_actions"`
	FirstSeen             time.Time       `json:"first_seen,omitempty"`
	LastSeen              time.Time       `json:"last_seen,omitempty"`
	Duration              time.Duration   `json:"duration"`
}

// Attributed reports whether the campaign was attributed.
func (a *Assessment) Attributed() bool {
	return a.AttributedAPT != ""
}

// Analyzer builds campaign assessments.
type Analyzer struct {
	catalog *catalog.Catalog
	engine  *attribution.Engine
	config  Config
}

// NewAnalyzer creates a campaign analyzer.
func NewAnalyzer(c *catalog.Catalog, engine *attribution.Engine, cfg Config) *Analyzer {
	return &Analyzer{
		catalog: c,
		engine:  engine,
		config:  cfg,
	}
}

// Analyze assesses the events of one chain. Events may arrive in any
// order; they are sorted by position, then timestamp. A campaign without
// resolvable tools yields a degenerate low-threat assessment.
func (a *Analyzer) Analyze(events []Event) (*Assessment, error) {
	if len(events) == 0 {
		return a.degenerate("", nil, 0), nil
	}

	chainID := events[0].ChainID
	for _, ev := range events[1:] {
		if ev.ChainID != chainID {
			return nil, tetherrors.NewValidationError("chain_id",
				fmt.Sprintf("campaign mixes chains %q and %q", chainID, ev.ChainID))
		}
	}

	ordered := append([]Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	ids := make([]string, len(ordered))
	for i, ev := range ordered {
		ids[i] = ev.ToolID
	}
	chain, unknown := a.catalog.Resolve(ids)

	if len(chain) == 0 {
		return a.degenerate(chainID, unknown, len(ordered)), nil
	}

	est := entropy.OfChain(chain)
	phase := modePhase(chain)

	out := &Assessment{
		ChainID:         chainID,
		EventCount:      len(ordered),
		ToolIDs:         chain.IDs(),
		UnresolvedTools: unknown,
		TotalEntropy:    est.Mean,
		EntropyStdDev:   est.StdDev,
		HD4Phase:        phase,
		OODAPhase:       OODAFor(phase),
		PhasesCovered:   chain.PhasesCovered(),
		ThreatLevel:     a.threatLevel(est.Mean),
	}
	out.FirstSeen, out.LastSeen = timeBounds(ordered)
	if !out.FirstSeen.IsZero() {
		out.Duration = out.LastSeen.Sub(out.FirstSeen)
	}

	result, err := a.engine.Attribute(chain)
	switch {
	case err == nil:
		out.AttributedAPT = result.APTGroup
		out.AttributionConfidence = result.Confidence
		out.Evidence = result.Evidence
		out.PredictedNextTools = a.predictNext(chain, result.APTGroup)
	case errors.Is(err, attribution.ErrNoAttribution):
	default:
		return nil, fmt.Errorf("attribution failed: %w", err)
	}

	out.RecommendedActions = a.recommend(out)
	if out.PredictedNextTools == nil {
		out.PredictedNextTools = []string{}
	}
	return out, nil
}

// ThreatLevelFor buckets an entropy value.
func (a *Analyzer) ThreatLevelFor(total float64) ThreatLevel {
	return a.threatLevel(total)
}

func (a *Analyzer) threatLevel(total float64) ThreatLevel {
	switch {
	case total >= a.config.CriticalThreshold:
		return ThreatCritical
	case total >= a.config.HighThreshold:
		return ThreatHigh
	case total >= a.config.MediumThreshold:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

func (a *Analyzer) degenerate(chainID string, unknown []string, count int) *Assessment {
	return &Assessment{
		ChainID:            chainID,
		EventCount:         count,
		ToolIDs:            []string{},
		UnresolvedTools:    unknown,
		PhasesCovered:      []catalog.Phase{},
		ThreatLevel:        ThreatLow,
		PredictedNextTools: []string{},
		RecommendedActions: []string{ActionMonitor},
	}
}

// predictNext ranks the attributed profile's unused preferred tools by
// preference order.
func (a *Analyzer) predictNext(chain catalog.Chain, profileID string) []string {
	p, ok := a.catalog.Profile(profileID)
	if !ok {
		return nil
	}
	out := make([]string, 0, a.config.MaxPredictions)
	for _, id := range p.PreferredTools {
		if len(out) >= a.config.MaxPredictions {
			break
		}
		if !chain.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

type confidenceBand int

const (
	bandNone confidenceBand = iota
	bandAttributed
	bandHigh
)

func (a *Analyzer) band(asm *Assessment) confidenceBand {
	switch {
	case !asm.Attributed():
		return bandNone
	case asm.AttributionConfidence >= a.config.HighConfidence:
		return bandHigh
	default:
		return bandAttributed
	}
}

type ruleKey struct {
	level ThreatLevel
	band  confidenceBand
}

var actionRules = map[ruleKey][]string{
	{ThreatCritical, bandHigh}:       {ActionIsolateAndInvestigate, ActionEngageIncidentResp, ActionBlockPredictedTools},
	{ThreatCritical, bandAttributed}: {ActionIsolateAndInvestigate, ActionHuntAttributedTTPs},
	{ThreatCritical, bandNone}:       {ActionIsolateAndInvestigate, ActionAlertSOC},
	{ThreatHigh, bandHigh}:           {ActionAlertSOC, ActionHuntAttributedTTPs, ActionBlockPredictedTools},
	{ThreatHigh, bandAttributed}:     {ActionAlertSOC, ActionHuntAttributedTTPs},
	{ThreatHigh, bandNone}:           {ActionAlertSOC, ActionIncreaseMonitoring},
	{ThreatMedium, bandHigh}:         {ActionHuntAttributedTTPs, ActionLogAndMonitor},
	{ThreatMedium, bandAttributed}:   {ActionLogAndMonitor, ActionIncreaseMonitoring},
	{ThreatMedium, bandNone}:         {ActionLogAndMonitor},
	{ThreatLow, bandHigh}:            {ActionLogAndMonitor, ActionHuntAttributedTTPs},
	{ThreatLow, bandAttributed}:      {ActionMonitor},
	{ThreatLow, bandNone}:            {ActionMonitor},
}

func (a *Analyzer) recommend(asm *Assessment) []string {
	rules := actionRules[ruleKey{asm.ThreatLevel, a.band(asm)}]
	out := make([]string, 0, len(rules))
	for _, action := range rules {
		if action == ActionBlockPredictedTools && len(asm.PredictedNextTools) == 0 {
			continue
		}
		out = append(out, action)
	}
	if len(out) == 0 {
		out = append(out, ActionMonitor)
	}
	return out
}

// modePhase returns the most frequent phase. Ties go to the phase whose
// last occurrence is latest in the chain.
func modePhase(chain catalog.Chain) catalog.Phase {
	counts := make(map[catalog.Phase]int)
	last := make(map[catalog.Phase]int)
	for i, t := range chain {
		counts[t.Phase]++
		last[t.Phase] = i
	}

	var best catalog.Phase
	bestCount, bestLast := -1, -1
	for ph, n := range counts {
		if n > bestCount || (n == bestCount && last[ph] > bestLast) {
			best, bestCount, bestLast = ph, n, last[ph]
		}
	}
	return best
}

func timeBounds(events []Event) (first, last time.Time) {
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return first, last
}
