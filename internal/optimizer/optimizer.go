// Package optimizer builds tool chains that maximize an objective under
// tool-count, entropy, persona and phase-coverage constraints.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"teth/internal/catalog"
	"teth/internal/entropy"
	tetherrors "teth/internal/errors"
)

// Objective selects the scoring function.
type Objective string

const (
	ObjectiveStealth  Objective = "stealth"
	ObjectiveSpeed    Objective = "speed"
	ObjectiveCoverage Objective = "coverage"
	ObjectiveBalanced Objective = "balanced"
)

// Objectives lists the supported objective names.
func Objectives() []string {
	return []string{"stealth", "speed", "coverage", "balanced"}
}

// ParseObjective parses an objective name.
func ParseObjective(s string) (Objective, error) {
	o := Objective(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case ObjectiveStealth, ObjectiveSpeed, ObjectiveCoverage, ObjectiveBalanced:
		return o, nil
	}
	return "", tetherrors.NewValidationError("objective",
		fmt.Sprintf("unknown objective %q (want one of %s)", s, strings.Join(Objectives(), ", ")))
}

// Constraints bound the search.
type Constraints struct {
	MaxTools       int             `json:"max_tools"`
	MaxEntropy     float64         `json:"max_entropy"` // <= 0 means unbounded
	Persona        catalog.Persona `json:"persona"`
	RequiredPhases []catalog.Phase `json:"required_phases,omitempty"`
	BeamWidth      int             `json:"beam_width,omitempty"`
}

// DefaultConstraints returns the launcher defaults.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxTools:  5,
		Persona:   catalog.PersonaAPT,
		BeamWidth: 1,
	}
}

// Validate checks the constraints.
func (c Constraints) Validate() error {
	if c.MaxTools < 1 {
		return tetherrors.NewValidationError("max_tools", "must be at least 1")
	}
	if c.Persona < catalog.PersonaScriptKiddie || c.Persona > catalog.PersonaNationState {
		return tetherrors.NewValidationError("persona", fmt.Sprintf("unknown persona tier %d", c.Persona))
	}
	for _, p := range c.RequiredPhases {
		if !p.IsValid() {
			return tetherrors.NewValidationError("required_phases", fmt.Sprintf("unknown phase %q", p))
		}
	}
	if c.BeamWidth < 0 {
		return tetherrors.NewValidationError("beam_width", "must not be negative")
	}
	return nil
}

func (c Constraints) bounded() bool {
	return c.MaxEntropy > 0
}

// OptimizedChain is the optimizer's answer.
type OptimizedChain struct {
	ToolIDs          []string        `json:"tool_ids"`
	TotalEntropy     float64         `json:"total_entropy"`
	ObjectiveScore   float64         `json:"objective_score"`
	EstimatedSuccess float64         `json:"estimated_success"`
	PhasesCovered    []catalog.Phase `json:"phases_covered"`
	Objective        Objective       `json:"objective"`
	Persona          string          `json:"persona"`

	chain catalog.Chain
}

// Chain returns the resolved tools in firing order.
func (o *OptimizedChain) Chain() catalog.Chain {
	return o.chain
}

// ErrInfeasible is matched by InfeasibleConstraintsError.
var ErrInfeasible = errors.New("infeasible constraints")

// InfeasibleConstraintsError is returned when the required phases cannot be
// covered within the budgets.
type InfeasibleConstraintsError struct {
	Missing []catalog.Phase
	Reason  string
}

func (e *InfeasibleConstraintsError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		missing[i] = string(p)
	}
	return fmt.Sprintf("infeasible constraints: cannot cover [%s]: %s", strings.Join(missing, ", "), e.Reason)
}

// Is matches ErrInfeasible.
func (e *InfeasibleConstraintsError) Is(target error) bool {
	return target == ErrInfeasible
}

// Optimizer searches the catalog for chains. It holds no per-call state.
type Optimizer struct {
	catalog *catalog.Catalog
}

// New creates an optimizer over the catalog.
func New(c *catalog.Catalog) *Optimizer {
	return &Optimizer{catalog: c}
}

// Optimize returns the best chain for the objective. BeamWidth above 1
// selects beam search; otherwise the search is greedy.
func (o *Optimizer) Optimize(ctx context.Context, objective Objective, cons Constraints) (*OptimizedChain, error) {
	if _, err := ParseObjective(string(objective)); err != nil {
		return nil, err
	}
	if err := cons.Validate(); err != nil {
		return nil, err
	}

	s := newSearch(o.catalog, objective, cons)
	if err := s.precheck(); err != nil {
		return nil, err
	}

	var (
		best catalog.Chain
		err  error
	)
	if cons.BeamWidth > 1 {
		best, err = s.beam(ctx)
	} else {
		best, err = s.greedy(ctx)
	}
	if err != nil {
		return nil, err
	}

	return s.result(best), nil
}

// search carries the resolved inputs of one Optimize call.
type search struct {
	objective Objective
	cons      Constraints
	required  []catalog.Phase
	pool      []*catalog.Tool
	cheapest  map[catalog.Phase]float64
}

func newSearch(c *catalog.Catalog, objective Objective, cons Constraints) *search {
	s := &search{
		objective: objective,
		cons:      cons,
		required:  dedupePhases(cons.RequiredPhases),
		cheapest:  make(map[catalog.Phase]float64),
	}
	for _, t := range c.Tools() {
		if t.MinPersona > cons.Persona {
			continue
		}
		if cons.bounded() && t.EntropyMean > cons.MaxEntropy {
			continue
		}
		s.pool = append(s.pool, t)
		if cur, ok := s.cheapest[t.Phase]; !ok || t.EntropyMean < cur {
			s.cheapest[t.Phase] = t.EntropyMean
		}
	}
	return s
}

func (s *search) precheck() error {
	if len(s.pool) == 0 {
		return &InfeasibleConstraintsError{
			Missing: s.required,
			Reason:  fmt.Sprintf("no tools available to persona %s within the entropy budget", s.cons.Persona),
		}
	}

	var missing []catalog.Phase
	for _, p := range s.required {
		if _, ok := s.cheapest[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &InfeasibleConstraintsError{
			Missing: missing,
			Reason:  fmt.Sprintf("no %s tool covers these phases", s.cons.Persona),
		}
	}

	if len(s.required) > s.cons.MaxTools {
		return &InfeasibleConstraintsError{
			Missing: s.required[s.cons.MaxTools:],
			Reason:  fmt.Sprintf("%d required phases exceed the budget of %d tools", len(s.required), s.cons.MaxTools),
		}
	}

	if s.cons.bounded() {
		var floor float64
		for _, p := range s.required {
			floor += s.cheapest[p]
		}
		if floor > s.cons.MaxEntropy {
			return &InfeasibleConstraintsError{
				Missing: s.required,
				Reason:  fmt.Sprintf("cheapest covering chain needs %.1f entropy, budget is %.1f", floor, s.cons.MaxEntropy),
			}
		}
	}
	return nil
}

// candidate is a chain under construction.
type candidate struct {
	chain catalog.Chain
	total float64
	score float64
}

func (s *search) newCandidate(chain catalog.Chain) candidate {
	return candidate{chain: chain, total: entropy.Total(chain), score: s.score(chain)}
}

// missing returns the required phases the chain does not cover.
func (s *search) missing(chain catalog.Chain) []catalog.Phase {
	var out []catalog.Phase
	for _, p := range s.required {
		covered := false
		for _, t := range chain {
			if t.Phase == p {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}

// expand returns the admissible one-tool extensions of c. While required
// phases are missing only tools covering one of them qualify, and every
// extension must leave room to cover the rest.
func (s *search) expand(c candidate) []candidate {
	if len(c.chain) >= s.cons.MaxTools {
		return nil
	}
	missing := s.missing(c.chain)

	var out []candidate
	for _, t := range s.pool {
		if c.chain.Contains(t.ID) {
			continue
		}
		total := c.total + t.EntropyMean
		if s.cons.bounded() && total > s.cons.MaxEntropy {
			continue
		}
		if len(missing) > 0 {
			if !containsPhase(missing, t.Phase) {
				continue
			}
			if !s.reachable(total, len(c.chain)+1, removePhase(missing, t.Phase)) {
				continue
			}
		}
		next := make(catalog.Chain, len(c.chain), len(c.chain)+1)
		copy(next, c.chain)
		out = append(out, s.newCandidate(append(next, t)))
	}
	return out
}

// reachable reports whether the remaining phases still fit the budgets.
func (s *search) reachable(total float64, size int, remaining []catalog.Phase) bool {
	if size+len(remaining) > s.cons.MaxTools {
		return false
	}
	if !s.cons.bounded() {
		return true
	}
	for _, p := range remaining {
		total += s.cheapest[p]
	}
	return total <= s.cons.MaxEntropy
}

func (s *search) greedy(ctx context.Context) (catalog.Chain, error) {
	cur := s.newCandidate(nil)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := s.expand(cur)
		if len(next) == 0 {
			break
		}
		sortCandidates(next)
		best := next[0]

		// Once coverage is met only strict improvements are taken.
		if len(cur.chain) > 0 && len(s.missing(cur.chain)) == 0 && best.score <= cur.score {
			break
		}
		cur = best
	}

	if missing := s.missing(cur.chain); len(missing) > 0 || len(cur.chain) == 0 {
		return nil, &InfeasibleConstraintsError{Missing: missing, Reason: "search exhausted the budgets"}
	}
	return cur.chain, nil
}

func (s *search) beam(ctx context.Context) (catalog.Chain, error) {
	width := s.cons.BeamWidth
	beams := []candidate{s.newCandidate(nil)}

	var best *candidate
	for len(beams) > 0 {
		expansions := make([][]candidate, len(beams))
		g, gctx := errgroup.WithContext(ctx)
		for i, b := range beams {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				expansions[i] = s.expand(b)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		seen := make(map[string]bool)
		var pool []candidate
		for _, group := range expansions {
			for _, c := range group {
				key := setKey(c.chain)
				if seen[key] {
					continue
				}
				seen[key] = true
				pool = append(pool, c)

				if len(s.missing(c.chain)) == 0 && (best == nil || better(c, *best)) {
					found := c
					best = &found
				}
			}
		}

		sortCandidates(pool)
		if len(pool) > width {
			pool = pool[:width]
		}
		beams = pool
	}

	if best == nil {
		return nil, &InfeasibleConstraintsError{Missing: s.required, Reason: "search exhausted the budgets"}
	}
	return best.chain, nil
}

func (s *search) result(chain catalog.Chain) *OptimizedChain {
	ordered := make(catalog.Chain, len(chain))
	copy(ordered, chain)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Phase.Order() < ordered[j].Phase.Order()
	})

	return &OptimizedChain{
		ToolIDs:          ordered.IDs(),
		TotalEntropy:     entropy.Total(ordered),
		ObjectiveScore:   s.score(ordered),
		EstimatedSuccess: s.requiredCoverage(ordered) * (1 - meanRisk(ordered)/2),
		PhasesCovered:    ordered.PhasesCovered(),
		Objective:        s.objective,
		Persona:          s.cons.Persona.String(),
		chain:            ordered,
	}
}

// score evaluates the objective for a chain. The empty chain scores 0.
func (s *search) score(chain catalog.Chain) float64 {
	if len(chain) == 0 {
		return 0
	}
	switch s.objective {
	case ObjectiveStealth:
		return stealthScore(chain)
	case ObjectiveSpeed:
		return s.speedScore(chain)
	case ObjectiveCoverage:
		return coverageScore(chain)
	default:
		return 0.4*stealthScore(chain) + 0.3*coverageScore(chain) + 0.3*s.speedScore(chain)
	}
}

func stealthScore(chain catalog.Chain) float64 {
	return (1 - meanRisk(chain)) * math.Exp(-entropy.Total(chain)/100)
}

func (s *search) speedScore(chain catalog.Chain) float64 {
	return s.requiredCoverage(chain) / (1 + 0.25*float64(len(chain)-1))
}

func coverageScore(chain catalog.Chain) float64 {
	phases := float64(len(chain.PhasesCovered())) / float64(len(catalog.Phases))
	caps := math.Min(1, float64(len(chain.Capabilities()))/float64(3*len(chain)))
	return 0.6*phases + 0.4*caps
}

// requiredCoverage is the covered fraction of the required phases; with no
// required phases any non-empty chain is fully covering.
func (s *search) requiredCoverage(chain catalog.Chain) float64 {
	if len(chain) == 0 {
		return 0
	}
	if len(s.required) == 0 {
		return 1
	}
	return float64(len(s.required)-len(s.missing(chain))) / float64(len(s.required))
}

func meanRisk(chain catalog.Chain) float64 {
	if len(chain) == 0 {
		return 0
	}
	var sum float64
	for _, t := range chain {
		sum += t.OperationalRisk
	}
	return sum / float64(len(chain))
}

// better orders candidates by score, then lower entropy, then tool ids.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.total != b.total {
		return a.total < b.total
	}
	return setKey(a.chain) < setKey(b.chain)
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return better(cs[i], cs[j]) })
}

func setKey(chain catalog.Chain) string {
	ids := chain.IDs()
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func dedupePhases(phases []catalog.Phase) []catalog.Phase {
	seen := make(map[catalog.Phase]bool, len(phases))
	var out []catalog.Phase
	for _, p := range catalog.Phases {
		for _, want := range phases {
			if want == p && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func containsPhase(phases []catalog.Phase, p catalog.Phase) bool {
	for _, ph := range phases {
		if ph == p {
			return true
		}
	}
	return false
}

func removePhase(phases []catalog.Phase, p catalog.Phase) []catalog.Phase {
	out := make([]catalog.Phase, 0, len(phases))
	for _, ph := range phases {
		if ph != p {
			out = append(out, ph)
		}
	}
	return out
}

// ParsePhases parses a comma-separated phase list.
func ParsePhases(s string) ([]catalog.Phase, error) {
	var out []catalog.Phase
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, ok := catalog.ParsePhase(part)
		if !ok {
			return nil, tetherrors.NewValidationError("phases", fmt.Sprintf("unknown phase %q", part))
		}
		out = append(out, p)
	}
	return out, nil
}
