package montecarlo

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"teth/internal/attribution"
	"teth/internal/catalog"
	"teth/internal/detection"
	"teth/internal/entropy"
	tetherrors "teth/internal/errors"
	"teth/internal/optimizer"
)

// Built-in metric names.
const (
	MetricEntropyBound         = "entropy_bound"
	MetricAttributionAccuracy  = "attribution_accuracy"
	MetricStealthDetectionRate = "stealth_detection_rate"
)

// MetricNames lists the built-in metrics.
func MetricNames() []string {
	return []string{MetricEntropyBound, MetricAttributionAccuracy, MetricStealthDetectionRate}
}

// Env carries the shared, read-only inputs of the built-in metrics.
type Env struct {
	Catalog     *catalog.Catalog
	Attribution *attribution.Engine
	Rules       detection.Rules
	Constraints optimizer.Constraints
}

// NewMetric builds a built-in metric by name.
func NewMetric(ctx context.Context, name string, env Env) (Metric, error) {
	if env.Catalog == nil {
		return nil, tetherrors.NewValidationError("catalog", "required")
	}
	switch name {
	case MetricEntropyBound:
		return NewEntropyBound(env.Catalog, 8), nil
	case MetricAttributionAccuracy:
		engine := env.Attribution
		if engine == nil {
			engine = attribution.NewEngine(env.Catalog, attribution.DefaultConfig())
		}
		return NewAttributionAccuracy(env.Catalog, engine, 0.2, 0.2), nil
	case MetricStealthDetectionRate:
		rules := env.Rules
		if rules.DetectThreshold == 0 {
			rules = detection.DefaultRules()
		}
		return NewStealthDetectionRate(ctx, env.Catalog, rules, env.Constraints)
	}
	return nil, tetherrors.NewValidationError("metric",
		fmt.Sprintf("unknown metric %q (want one of %s)", name, strings.Join(MetricNames(), ", ")))
}

// EntropyBound checks the chain entropy bounds on random chains: the chain
// mean is at least its largest member mean, the chain stddev lies between
// the largest member stddev and the sum of member stddevs, and one sampled
// total is at least its largest sampled member. Each trial yields 1 when
// every bound holds.
type EntropyBound struct {
	tools  []*catalog.Tool
	maxLen int
}

// NewEntropyBound creates the metric over chains of 1..maxLen tools.
func NewEntropyBound(c *catalog.Catalog, maxLen int) *EntropyBound {
	tools := c.Tools()
	if maxLen < 1 || maxLen > len(tools) {
		maxLen = len(tools)
	}
	return &EntropyBound{tools: tools, maxLen: maxLen}
}

// Name returns the metric name.
func (m *EntropyBound) Name() string { return MetricEntropyBound }

// Trial samples one chain.
func (m *EntropyBound) Trial(_ context.Context, rng *rand.Rand) (float64, error) {
	if len(m.tools) == 0 {
		return 0, tetherrors.NewValidationError("catalog", "no tools")
	}
	n := 1 + rng.IntN(m.maxLen)
	chain := make(catalog.Chain, 0, n)
	samples := make([]float64, 0, n)
	for _, idx := range rng.Perm(len(m.tools))[:n] {
		t := m.tools[idx]
		chain = append(chain, t)
		samples = append(samples, entropy.OfTool(t).Sample(rng.NormFloat64))
	}
	if entropyBoundHolds(chain, samples) {
		return 1, nil
	}
	return 0, nil
}

// boundTolerance absorbs float rounding in the stddev comparisons.
const boundTolerance = 1e-9

func entropyBoundHolds(chain catalog.Chain, samples []float64) bool {
	est := entropy.OfChain(chain)
	if est.Mean < entropy.Max(chain) {
		return false
	}

	var largestSD, sumSD float64
	for _, t := range chain {
		largestSD = max(largestSD, t.EntropyStdDev)
		sumSD += t.EntropyStdDev
	}
	if est.StdDev < largestSD-boundTolerance || est.StdDev > sumSD+boundTolerance {
		return false
	}

	var total, largest float64
	for i, x := range samples {
		total += x
		if i == 0 || x > largest {
			largest = x
		}
	}
	return total >= largest
}

// AttributionAccuracy perturbs a random profile's preferred tools and
// checks that the engine attributes the result back to that profile.
type AttributionAccuracy struct {
	catalog   *catalog.Catalog
	engine    *attribution.Engine
	dropRate  float64
	noiseRate float64
}

// NewAttributionAccuracy creates the metric. Each preferred tool is dropped
// with probability dropRate and one random foreign tool is added with
// probability noiseRate.
func NewAttributionAccuracy(c *catalog.Catalog, engine *attribution.Engine, dropRate, noiseRate float64) *AttributionAccuracy {
	return &AttributionAccuracy{catalog: c, engine: engine, dropRate: dropRate, noiseRate: noiseRate}
}

// Name returns the metric name.
func (m *AttributionAccuracy) Name() string { return MetricAttributionAccuracy }

// Trial samples one perturbed chain.
func (m *AttributionAccuracy) Trial(_ context.Context, rng *rand.Rand) (float64, error) {
	profiles := m.catalog.Profiles()
	if len(profiles) == 0 {
		return 0, tetherrors.NewValidationError("catalog", "no profiles")
	}
	p := profiles[rng.IntN(len(profiles))]

	var ids []string
	for _, id := range p.PreferredTools {
		if rng.Float64() >= m.dropRate {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 && len(p.PreferredTools) > 0 {
		ids = append(ids, p.PreferredTools[0])
	}
	if rng.Float64() < m.noiseRate {
		tools := m.catalog.Tools()
		ids = append(ids, tools[rng.IntN(len(tools))].ID)
	}

	chain, _ := m.catalog.Resolve(ids)
	res, err := m.engine.Attribute(chain)
	if attribution.IsNoAttribution(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if res.APTGroup == p.ID {
		return 1, nil
	}
	return 0, nil
}

// StealthDetectionRate fires a stealth-optimized chain through the scorer
// and a probabilistic defender. Each trial yields 1 when any event is caught.
type StealthDetectionRate struct {
	chain catalog.Chain
	rules detection.Rules
}

// NewStealthDetectionRate optimizes the chain once under cons.
func NewStealthDetectionRate(ctx context.Context, c *catalog.Catalog, rules detection.Rules, cons optimizer.Constraints) (*StealthDetectionRate, error) {
	if cons.MaxTools == 0 {
		cons = optimizer.DefaultConstraints()
	}
	opt, err := optimizer.New(c).Optimize(ctx, optimizer.ObjectiveStealth, cons)
	if err != nil {
		return nil, fmt.Errorf("optimize stealth chain: %w", err)
	}
	return &StealthDetectionRate{chain: opt.Chain(), rules: rules}, nil
}

// Chain returns the chain fired by every trial.
func (m *StealthDetectionRate) Chain() catalog.Chain { return m.chain }

// Name returns the metric name.
func (m *StealthDetectionRate) Name() string { return MetricStealthDetectionRate }

// Trial fires the chain once.
func (m *StealthDetectionRate) Trial(ctx context.Context, rng *rand.Rand) (float64, error) {
	scorer := detection.NewScorer(m.rules)
	defender := detection.NewProbabilisticDefender(rng)

	for pos, tool := range m.chain {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v := scorer.Score(detection.Input{
			ToolID:   tool.ID,
			Entropy:  entropy.OfTool(tool).Sample(rng.NormFloat64),
			Position: pos,
		})
		if defender.Detect(v) {
			return 1, nil
		}
	}
	return 0, nil
}
