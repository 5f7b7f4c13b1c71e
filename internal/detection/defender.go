package detection

import (
	"math/rand/v2"
	"sync"
)

// Defender decides whether a scored event is actually caught.
type Defender interface {
	Detect(v Verdict) bool
}

// RuleDefender trusts the scorer's verdict.
type RuleDefender struct{}

// Detect returns the verdict's detected flag.
func (RuleDefender) Detect(v Verdict) bool {
	return v.Detected
}

// FixedDefender always returns the same outcome.
type FixedDefender bool

// Detect returns the fixed outcome.
func (f FixedDefender) Detect(Verdict) bool {
	return bool(f)
}

// ProbabilisticDefender detects an event with probability equal to its
// confidence, drawing from an injected random source.
type ProbabilisticDefender struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewProbabilisticDefender creates a defender over rng. A nil rng is
// replaced by a fixed-seed PCG source.
func NewProbabilisticDefender(rng *rand.Rand) *ProbabilisticDefender {
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	return &ProbabilisticDefender{rng: rng}
}

// Detect samples the outcome.
func (d *ProbabilisticDefender) Detect(v Verdict) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < v.Confidence
}
