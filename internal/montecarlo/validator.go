// Package montecarlo runs repeated randomized trials of a metric and reports
// whether the aggregated statistic meets a threshold.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	tetherrors "teth/internal/errors"
)

// Comparison selects how the mean is compared with the threshold.
type Comparison string

const (
	AtLeast Comparison = "at_least"
	AtMost  Comparison = "at_most"
)

// ParseComparison parses a comparison name.
func ParseComparison(s string) (Comparison, error) {
	switch Comparison(s) {
	case AtLeast, AtMost:
		return Comparison(s), nil
	}
	return "", tetherrors.NewValidationError("comparison", fmt.Sprintf("unknown comparison %q (want at_least or at_most)", s))
}

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

// Config controls a validation run.
type Config struct {
	Trials     int        `yaml:"trials" json:"trials"`
	Seed       uint64     `yaml:"seed" json:"seed"`
	Threshold  float64    `yaml:"threshold" json:"threshold"`
	Comparison Comparison `yaml:"comparison" json:"comparison"`
	Workers    int        `yaml:"workers" json:"workers"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		Trials:     1000,
		Seed:       42,
		Threshold:  0.95,
		Comparison: AtLeast,
		Workers:    runtime.GOMAXPROCS(0),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Trials < 1 {
		return tetherrors.NewValidationError("montecarlo.trials", "must be at least 1")
	}
	if _, err := ParseComparison(string(c.Comparison)); err != nil {
		return err
	}
	if c.Workers < 0 {
		return tetherrors.NewValidationError("montecarlo.workers", "must not be negative")
	}
	return nil
}

// Metric produces one observation per trial. Trial must only use the
// supplied random source so that runs are reproducible.
type Metric interface {
	Name() string
	Trial(ctx context.Context, rng *rand.Rand) (float64, error)
}

// Report summarizes a run.
type Report struct {
	Metric     string     `json:"metric"`
	Trials     int        `json:"trials"`
	Seed       uint64     `json:"seed"`
	Mean       float64    `json:"mean"`
	StdDev     float64    `json:"stddev"`
	CILow      float64    `json:"ci_low"`
	CIHigh     float64    `json:"ci_high"`
	Threshold  float64    `json:"threshold"`
	Comparison Comparison `json:"comparison"`
	Passed     bool       `json:"passed"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMS int64      `json:"duration_ms"`
}

// Validator runs metrics. It holds no state between runs.
type Validator struct {
	config Config
}

// NewValidator creates a validator.
func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{config: cfg}, nil
}

// Config returns the run configuration.
func (v *Validator) Config() Config {
	return v.config
}

// Run executes the configured number of trials in parallel. Trial i draws
// from PCG(seed, i), so the report is independent of scheduling.
func (v *Validator) Run(ctx context.Context, metric Metric) (*Report, error) {
	cfg := v.config
	started := time.Now()

	samples := make([]float64, cfg.Trials)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}

	for i := range cfg.Trials {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
			x, err := metric.Trial(gctx, rng)
			if err != nil {
				return fmt.Errorf("%s trial %d: %w", metric.Name(), i, err)
			}
			samples[i] = x
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mean, sd := meanStdDev(samples)
	half := z95 * sd / math.Sqrt(float64(len(samples)))

	return &Report{
		Metric:     metric.Name(),
		Trials:     cfg.Trials,
		Seed:       cfg.Seed,
		Mean:       mean,
		StdDev:     sd,
		CILow:      mean - half,
		CIHigh:     mean + half,
		Threshold:  cfg.Threshold,
		Comparison: cfg.Comparison,
		Passed:     passes(mean, cfg.Threshold, cfg.Comparison),
		StartedAt:  started.UTC(),
		DurationMS: time.Since(started).Milliseconds(),
	}, nil
}

func passes(mean, threshold float64, cmp Comparison) bool {
	if cmp == AtMost {
		return mean <= threshold
	}
	return mean >= threshold
}

// meanStdDev returns the mean and the sample standard deviation.
func meanStdDev(xs []float64) (float64, float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
