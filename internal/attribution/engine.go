// Package attribution scores an observed tool chain against every known
// threat profile and names the most plausible actor.
package attribution

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"teth/internal/catalog"
	"teth/internal/entropy"
)

// ErrNoAttribution is matched by NoAttributionError.
var ErrNoAttribution = errors.New("no attribution")

// Weights are the evidence channel weights.
type Weights struct {
	ToolOverlap  float64 `yaml:"tool_overlap"`
	EntropyMatch float64 `yaml:"entropy_match"`
	PhaseMatch   float64 `yaml:"phase_match"`
}

// Config holds attribution settings.
type Config struct {
	Weights         Weights `yaml:"weights"`
	Floor           float64 `yaml:"floor"`
	MaxAlternatives int     `yaml:"max_alternatives"`
}

// DefaultConfig returns the default attribution configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			ToolOverlap:  0.5,
			EntropyMatch: 0.3,
			PhaseMatch:   0.2,
		},
		Floor:           0.4,
		MaxAlternatives: 2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	w := c.Weights
	if w.ToolOverlap < 0 || w.EntropyMatch < 0 || w.PhaseMatch < 0 {
		return fmt.Errorf("attribution weights must be non-negative")
	}
	if w.ToolOverlap+w.EntropyMatch+w.PhaseMatch <= 0 {
		return fmt.Errorf("attribution weights must not all be zero")
	}
	if c.Floor < 0 || c.Floor > 1 {
		return fmt.Errorf("attribution floor must be in [0,1], got %v", c.Floor)
	}
	if c.MaxAlternatives < 0 {
		return fmt.Errorf("max_alternatives must be non-negative")
	}
	return nil
}

// Channels holds the per-channel scores behind a confidence.
type Channels struct {
	ToolOverlap  float64 `json:"tool_overlap"`
	EntropyMatch float64 `json:"entropy_match"`
	PhaseMatch   float64 `json:"phase_match"`
	EntropyZ     float64 `json:"entropy_z"`
}

// Hypothesis is one scored profile.
type Hypothesis struct {
	ProfileID  string   `json:"profile_id"`
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Channels   Channels `json:"channels"`

	matchedTools  []string
	matchedPhases []catalog.Phase
}

// Result is a successful attribution.
type Result struct {
	APTGroup              string       `json:"apt_group"`
	Name                  string       `json:"name"`
	Confidence            float64      `json:"confidence"`
	Channels              Channels     `json:"channels"`
	Evidence              []string     `json:"evidence"`
	AlternativeHypotheses []Hypothesis `json:"alternative_hypotheses"`
}

// NoAttributionError is returned when no profile clears the floor.
// Best is nil when the chain was empty or the catalog has no profiles.
type NoAttributionError struct {
	Best  *Hypothesis
	Floor float64
}

// Error returns the error message.
func (e *NoAttributionError) Error() string {
	if e.Best == nil {
		return "no attribution: no candidate profiles"
	}
	return fmt.Sprintf("no attribution: best candidate %s at %.2f is below floor %.2f",
		e.Best.ProfileID, e.Best.Confidence, e.Floor)
}

// Is matches ErrNoAttribution.
func (e *NoAttributionError) Is(target error) bool {
	return target == ErrNoAttribution
}

// IsNoAttribution reports whether err signals an unattributed chain.
func IsNoAttribution(err error) bool {
	return errors.Is(err, ErrNoAttribution)
}

// Engine attributes chains against the catalog's profiles.
type Engine struct {
	catalog *catalog.Catalog
	config  Config
}

// NewEngine creates an attribution engine.
func NewEngine(c *catalog.Catalog, cfg Config) *Engine {
	return &Engine{catalog: c, config: cfg}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Attribute returns the best-scoring profile for the chain, or a
// *NoAttributionError when none reaches the floor.
func (e *Engine) Attribute(chain catalog.Chain) (*Result, error) {
	if len(chain) == 0 {
		return nil, &NoAttributionError{Floor: e.config.Floor}
	}

	ranked := e.Rank(chain)
	if len(ranked) == 0 {
		return nil, &NoAttributionError{Floor: e.config.Floor}
	}

	top := ranked[0]
	if top.Confidence < e.config.Floor {
		best := top
		return nil, &NoAttributionError{Best: &best, Floor: e.config.Floor}
	}

	alts := ranked[1:]
	if len(alts) > e.config.MaxAlternatives {
		alts = alts[:e.config.MaxAlternatives]
	}

	return &Result{
		APTGroup:              top.ProfileID,
		Name:                  top.Name,
		Confidence:            top.Confidence,
		Channels:              top.Channels,
		Evidence:              e.evidence(chain, top),
		AlternativeHypotheses: append([]Hypothesis(nil), alts...),
	}, nil
}

// Rank scores every profile and orders them by descending confidence.
// Ties are broken by profile id.
func (e *Engine) Rank(chain catalog.Chain) []Hypothesis {
	profiles := e.catalog.Profiles()
	out := make([]Hypothesis, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, e.score(chain, p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ProfileID < out[j].ProfileID
	})
	return out
}

// Score scores the chain against a single profile.
func (e *Engine) Score(chain catalog.Chain, profileID string) (Hypothesis, bool) {
	p, ok := e.catalog.Profile(profileID)
	if !ok {
		return Hypothesis{}, false
	}
	return e.score(chain, p), true
}

func (e *Engine) score(chain catalog.Chain, p *catalog.ThreatProfile) Hypothesis {
	overlap, matchedTools := toolOverlap(chain, p)
	kernel, z := entropyMatch(chain, p)
	jaccard, matchedPhases := phaseMatch(chain, p)

	w := e.config.Weights
	total := w.ToolOverlap + w.EntropyMatch + w.PhaseMatch
	conf := (w.ToolOverlap*overlap + w.EntropyMatch*kernel + w.PhaseMatch*jaccard) / total

	return Hypothesis{
		ProfileID:  p.ID,
		Name:       p.Name,
		Confidence: clamp01(conf),
		Channels: Channels{
			ToolOverlap:  overlap,
			EntropyMatch: kernel,
			PhaseMatch:   jaccard,
			EntropyZ:     z,
		},
		matchedTools:  matchedTools,
		matchedPhases: matchedPhases,
	}
}

// toolOverlap weights each matched tool by 1 - r/(2n) for preference rank
// r of n, normalized by the best weight a chain of the same size could reach.
// Tools beyond the preference list count as unmatched weight 1.
func toolOverlap(chain catalog.Chain, p *catalog.ThreatProfile) (float64, []string) {
	n := len(p.PreferredTools)
	if n == 0 || len(chain) == 0 {
		return 0, nil
	}

	weight := func(rank int) float64 {
		return 1 - float64(rank)/float64(2*n)
	}

	seen := make(map[string]bool, len(chain))
	var matched float64
	var names []string
	k := 0
	for _, t := range chain {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		k++
		if r := p.ToolRank(t.ID); r >= 0 {
			matched += weight(r)
			names = append(names, t.Name)
		}
	}

	var best float64
	for r := 0; r < k && r < n; r++ {
		best += weight(r)
	}
	if k > n {
		best += float64(k - n)
	}

	return clamp01(matched / best), names
}

// entropyMatch evaluates a Gaussian kernel centred on the profile signature.
// The chain's own propagated uncertainty widens the kernel.
func entropyMatch(chain catalog.Chain, p *catalog.ThreatProfile) (kernel, z float64) {
	est := entropy.OfChain(chain)
	variance := p.EntropyStdDev*p.EntropyStdDev + est.Variance()
	if variance <= 0 {
		if est.Mean == p.EntropyMean {
			return 1, 0
		}
		return 0, math.Inf(1)
	}
	d := est.Mean - p.EntropyMean
	z = d / math.Sqrt(variance)
	return math.Exp(-0.5 * z * z), z
}

func phaseMatch(chain catalog.Chain, p *catalog.ThreatProfile) (float64, []catalog.Phase) {
	covered := chain.PhasesCovered()
	if len(covered) == 0 && len(p.PreferredPhases) == 0 {
		return 0, nil
	}

	pref := make(map[catalog.Phase]bool, len(p.PreferredPhases))
	for _, ph := range p.PreferredPhases {
		pref[ph] = true
	}

	union := len(pref)
	var inter []catalog.Phase
	for _, ph := range covered {
		if pref[ph] {
			inter = append(inter, ph)
		} else {
			union++
		}
	}
	return float64(len(inter)) / float64(union), inter
}

func (e *Engine) evidence(chain catalog.Chain, h Hypothesis) []string {
	p, _ := e.catalog.Profile(h.ProfileID)
	est := entropy.OfChain(chain)

	var ev []string
	if len(h.matchedTools) > 0 {
		ev = append(ev, fmt.Sprintf("preferred tools observed: %s (overlap %.2f)",
			strings.Join(h.matchedTools, ", "), h.Channels.ToolOverlap))
	} else {
		ev = append(ev, "no preferred tools observed")
	}

	ev = append(ev, fmt.Sprintf("chain entropy %.1f±%.1f against signature %.1f±%.1f (z=%.2f, match %.2f)",
		est.Mean, est.StdDev, p.EntropyMean, p.EntropyStdDev, h.Channels.EntropyZ, h.Channels.EntropyMatch))

	if len(h.matchedPhases) > 0 {
		phases := make([]string, len(h.matchedPhases))
		for i, ph := range h.matchedPhases {
			phases[i] = string(ph)
		}
		ev = append(ev, fmt.Sprintf("preferred phases matched: %s (jaccard %.2f)",
			strings.Join(phases, ", "), h.Channels.PhaseMatch))
	} else {
		ev = append(ev, "no preferred phases matched")
	}

	return ev
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
