package detection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"teth/internal/attribution"
	"teth/internal/catalog"
	tetherrors "teth/internal/errors"
	"teth/internal/metrics"
	"teth/internal/schema"
)

// Config configures the correlation service.
type Config struct {
	MaxChains          int           `yaml:"max_chains"`
	StateTTL           time.Duration `yaml:"state_ttl"`
	MaxAlertHistory    int           `yaml:"max_alert_history"`
	MaxToolHistory     int           `yaml:"max_tool_history"`
	ServiceAttribution bool          `yaml:"service_attribution"`
	BackendTimeout     time.Duration `yaml:"backend_timeout"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		MaxChains:          10000,
		StateTTL:           time.Hour,
		MaxAlertHistory:    256,
		MaxToolHistory:     64,
		ServiceAttribution: true,
		BackendTimeout:     500 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxChains < 1 {
		return tetherrors.NewValidationError("detection.max_chains", "must be at least 1")
	}
	if c.MaxAlertHistory < 0 || c.MaxToolHistory < 0 {
		return tetherrors.NewValidationError("detection.max_history", "must not be negative")
	}
	if c.StateTTL < 0 {
		return tetherrors.NewValidationError("detection.state_ttl", "must not be negative")
	}
	return nil
}

// Publisher receives the durable record of every verdict.
type Publisher interface {
	Push(record *schema.DetectionRecord) error
}

// Service correlates tool events per chain and returns detection verdicts.
type Service struct {
	config   Config
	scorer   *Scorer
	catalog  *catalog.Catalog
	engine   *attribution.Engine
	backend  StateBackend
	pub      Publisher
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	states   *expirable.LRU[string, *chainEntry]
	events   atomic.Int64
	dropped  atomic.Int64
}

// NewService creates a detection service. engine may be nil, which
// disables service-side attribution.
func NewService(cfg Config, scorer *Scorer, c *catalog.Catalog, engine *attribution.Engine) *Service {
	if cfg.MaxChains < 1 {
		cfg.MaxChains = DefaultConfig().MaxChains
	}
	return &Service{
		config:  cfg,
		scorer:  scorer,
		catalog: c,
		engine:  engine,
		logger:  slog.Default(),
		now:     time.Now,
		states:  expirable.NewLRU[string, *chainEntry](cfg.MaxChains, nil, cfg.StateTTL),
	}
}

// WithBackend sets the persistent state backend.
func (s *Service) WithBackend(b StateBackend) *Service {
	s.backend = b
	return s
}

// WithPublisher sets the record publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.pub = p
	return s
}

// WithMetrics sets the metrics collector.
func (s *Service) WithMetrics(m *metrics.Collector) *Service {
	s.metrics = m
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ingest scores one event. Events carrying a chain context are correlated
// with the earlier events of that chain; all work on one chain is
// serialized.
func (s *Service) Ingest(ctx context.Context, req *schema.IngestRequest) (*schema.IngestResponse, error) {
	start := time.Now()

	eventID := uuid.New()
	if req.EventID != "" {
		parsed, err := uuid.Parse(req.EventID)
		if err != nil {
			return nil, &tetherrors.ValidationError{Field: "event_id", Msg: "invalid UUID", Err: err}
		}
		eventID = parsed
	}

	toolID := req.Tool.ID
	entropy := req.Tool.Entropy
	if tool, ok := s.catalog.Lookup(toolID); ok {
		toolID = tool.ID
		if entropy == 0 {
			entropy = tool.EntropyMean
		}
	}

	in := Input{ToolID: toolID, Entropy: entropy}
	if req.Attribution != nil {
		in.APTGroup = req.Attribution.APTGroup
		in.APTConfidence = req.Attribution.Confidence
	}

	var (
		verdict  Verdict
		chainID  string
		position int
	)
	if req.ChainContext == nil {
		verdict = s.scorer.Score(in)
	} else {
		chainID = req.ChainContext.ChainID
		entry := s.lockEntry(chainID)
		s.restore(ctx, entry)
		st := entry.state

		// Position never falls below the number of events already seen.
		position = max(req.ChainContext.Position, st.EventsSeen)
		in.Position = position
		if req.Attribution == nil {
			in.APTGroup, in.APTConfidence = s.attribute(st.ToolIDs, toolID)
		}

		verdict = s.scorer.Score(in)
		st.apply(toolID, verdict, s.now().UTC(), s.config.MaxAlertHistory, s.config.MaxToolHistory)
		snapshot := st.clone()
		entry.mu.Unlock()

		s.persist(ctx, snapshot)
	}

	elapsed := time.Since(start)
	s.events.Add(1)
	s.metrics.ObserveDetection(verdict.Action, verdict.Detected, elapsed)
	s.metrics.SetChainsTracked(s.states.Len())

	s.publish(&schema.DetectionRecord{
		EventID:           eventID,
		Timestamp:         s.now().UTC(),
		ChainID:           chainID,
		Position:          position,
		ToolID:            toolID,
		ToolName:          req.Tool.Name,
		Entropy:           entropy,
		OperationalRisk:   req.Tool.OperationalRisk,
		ThreatScore:       verdict.Confidence,
		Detected:          verdict.Detected,
		Alerts:            verdict.Alerts,
		RecommendedAction: verdict.Action,
		APTGroup:          in.APTGroup,
		APTConfidence:     in.APTConfidence,
		SchemaVersion:     schema.SchemaVersionCurrent,
	})

	if verdict.Detected {
		s.logger.Info("tool event detected",
			"event_id", eventID.String(),
			"chain_id", chainID,
			"tool_id", toolID,
			"position", position,
			"threat_score", verdict.Confidence,
			"action", verdict.Action,
		)
	}

	return &schema.IngestResponse{
		EventID:           eventID.String(),
		Detected:          verdict.Detected,
		DetectionTimeMs:   float64(elapsed.Microseconds()) / 1000,
		ThreatScore:       verdict.Confidence,
		Alerts:            verdict.Alerts,
		RecommendedAction: verdict.Action,
	}, nil
}

// Chain returns a snapshot of a chain's state. Chains no longer cached are
// looked up in the backend.
func (s *Service) Chain(ctx context.Context, chainID string) (*ChainState, bool) {
	if entry, ok := s.states.Get(chainID); ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		s.restore(ctx, entry)
		return entry.state.clone(), true
	}
	if s.backend == nil {
		return nil, false
	}

	bctx, cancel := s.backendContext(ctx)
	defer cancel()
	st, err := s.backend.LoadChain(bctx, chainID)
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			s.logger.Warn("chain state lookup failed", "chain_id", chainID, "error", err)
		}
		return nil, false
	}
	return st, true
}

// Stats returns the number of tracked chains and ingested events.
func (s *Service) Stats() schema.StatsResponse {
	return schema.StatsResponse{
		ChainsTracked: s.states.Len(),
		TotalEvents:   s.events.Load(),
	}
}

// Dropped returns the number of records the publisher refused.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// entry returns the chain's entry, creating it if needed. Every hit
// re-adds the entry so StateTTL counts from the chain's latest event.
func (s *Service) entry(chainID string) *chainEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.states.Get(chainID)
	if !ok {
		e = &chainEntry{state: &ChainState{ChainID: chainID}}
	}
	s.states.Add(chainID, e)
	return e
}

// lockEntry returns the chain's entry with its mutex held. If the entry was
// replaced while waiting for the lock, it retries on the replacement; if it
// expired without replacement, it is put back so its state is kept.
func (s *Service) lockEntry(chainID string) *chainEntry {
	for {
		e := s.entry(chainID)
		e.mu.Lock()
		if s.claim(chainID, e) {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *Service) claim(chainID string, e *chainEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.states.Peek(chainID)
	if ok && cur != e {
		return false
	}
	if !ok {
		s.states.Add(chainID, e)
	}
	return true
}

// restore loads persisted state into a fresh entry. The caller holds e.mu.
func (s *Service) restore(ctx context.Context, e *chainEntry) {
	if e.restored {
		return
	}
	e.restored = true
	if s.backend == nil {
		return
	}

	bctx, cancel := s.backendContext(ctx)
	defer cancel()
	st, err := s.backend.LoadChain(bctx, e.state.ChainID)
	switch {
	case err == nil:
		if st.EventsSeen > e.state.EventsSeen {
			e.state = st
		}
	case errors.Is(err, ErrStateNotFound):
	default:
		s.logger.Warn("chain state restore failed", "chain_id", e.state.ChainID, "error", err)
	}
}

func (s *Service) persist(ctx context.Context, st *ChainState) {
	if s.backend == nil {
		return
	}
	bctx, cancel := s.backendContext(ctx)
	defer cancel()
	if err := s.backend.SaveChain(bctx, st); err != nil {
		s.logger.Warn("chain state save failed", "chain_id", st.ChainID, "error", err)
	}
}

func (s *Service) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.BackendTimeout > 0 {
		return context.WithTimeout(ctx, s.config.BackendTimeout)
	}
	return context.WithCancel(ctx)
}

// attribute runs the engine over the chain's resolved tools plus the
// current one. It returns an empty group when nothing clears the floor.
func (s *Service) attribute(prior []string, current string) (string, float64) {
	if !s.config.ServiceAttribution || s.engine == nil {
		return "", 0
	}
	ids := append(append([]string(nil), prior...), current)
	chain, _ := s.catalog.Resolve(ids)
	result, err := s.engine.Attribute(chain)
	if err != nil {
		return "", 0
	}
	return result.APTGroup, result.Confidence
}

func (s *Service) publish(rec *schema.DetectionRecord) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Push(rec); err != nil {
		s.dropped.Add(1)
		s.metrics.IncDropped()
		s.logger.Debug("detection record dropped", "event_id", rec.EventID.String(), "error", err)
	}
}
