// Package main fires a tool chain at the detection service and prints a
// campaign assessment of what was fired.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"teth/internal/attribution"
	"teth/internal/campaign"
	"teth/internal/catalog"
	"teth/internal/client"
	tetherrors "teth/internal/errors"
	"teth/internal/logging"
	"teth/internal/optimizer"
	"teth/internal/render"
	"teth/internal/schema"
)

var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	plasmaURL   string
	chain       string
	objective   string
	persona     string
	maxTools    int
	apt         string
	duration    float64
	intensity   float64
	delay       float64
	quiet       bool
	catalogPath string
	apiKey      string
	timeout     time.Duration
	showVersion bool
}

// env holds the process dependencies of a run.
type env struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], env{
		stdout: os.Stdout,
		stderr: os.Stderr,
		now:    time.Now,
		sleep:  sleepContext,
	}))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("fire_chain", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.plasmaURL, "plasma-url", envOr("TETH_PLASMA_URL", "http://localhost:8080"), "Detection service URL")
	fs.StringVar(&opts.chain, "chain", "", "Comma-separated tool ids to fire")
	fs.StringVar(&opts.objective, "objective", "balanced", "Optimizer objective: "+strings.Join(optimizer.Objectives(), ", "))
	fs.StringVar(&opts.persona, "persona", "apt", "Adversary persona: "+strings.Join(catalog.PersonaNames(), ", "))
	fs.IntVar(&opts.maxTools, "max-tools", 5, "Maximum tools in an optimized chain")
	fs.StringVar(&opts.apt, "apt", "", "Emulate a threat profile's preferred tools")
	fs.Float64Var(&opts.duration, "duration", 0, "Campaign duration in minutes with -apt (0 fires one pass)")
	fs.Float64Var(&opts.intensity, "intensity", 1.0, "Firing intensity; divides the delay")
	fs.Float64Var(&opts.delay, "delay", 1.0, "Seconds between events")
	fs.BoolVar(&opts.quiet, "quiet", false, "Only print the final summary")
	fs.BoolVar(&opts.quiet, "q", false, "Only print the final summary (shorthand)")
	fs.StringVar(&opts.catalogPath, "catalog", os.Getenv("TETH_CATALOG_PATH"), "Catalog YAML file (default: embedded)")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("TETH_API_KEY"), "API key for the detection service")
	fs.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "HTTP request timeout")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.intensity <= 0 {
		return nil, tetherrors.NewValidationError("intensity", "must be positive")
	}
	if opts.delay < 0 {
		return nil, tetherrors.NewValidationError("delay", "must not be negative")
	}
	if opts.duration < 0 {
		return nil, tetherrors.NewValidationError("duration", "must not be negative")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, e env) int {
	opts, err := parseFlags(args, e.stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintf(e.stdout, "fire_chain %s\n", version)
		return exitOK
	}

	logger := logging.New(e.stderr, "info", "text")

	cat, err := loadCatalog(opts.catalogPath)
	if err != nil {
		fmt.Fprintf(e.stderr, "Error: failed to load catalog: %v\n", err)
		return exitFailure
	}

	var profile *catalog.ThreatProfile
	if opts.apt != "" {
		p, ok := cat.Profile(strings.ToLower(opts.apt))
		if !ok {
			fmt.Fprintf(e.stderr, "Error: unknown APT %q\n", opts.apt)
			fmt.Fprintf(e.stderr, "Available: %s\n", strings.Join(cat.ProfileIDs(), ", "))
			return exitUsage
		}
		profile = p
	}

	api := client.NewClient(opts.plasmaURL, opts.timeout).WithAPIKey(opts.apiKey)
	health, err := api.Health(ctx)
	if err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		if tetherrors.IsUnreachable(err) {
			fmt.Fprintf(e.stderr, "Is the detection service running at %s?\n", opts.plasmaURL)
		}
		return exitFailure
	}
	if !opts.quiet {
		fmt.Fprintf(e.stdout, "%s %s %s at %s\n",
			render.StatusOK.Render("●"), health.Service, health.Version, api.BaseURL())
	}

	chain, err := selectChain(ctx, cat, opts, profile, logger)
	if err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		if tetherrors.IsValidation(err) {
			return exitUsage
		}
		return exitFailure
	}
	if len(chain) == 0 {
		fmt.Fprintf(e.stderr, "Error: no known tools to fire\n")
		return exitFailure
	}

	f := &firer{
		api:    api,
		engine: attribution.NewEngine(cat, attribution.DefaultConfig()),
		env:    e,
		opts:   opts,
		logger: logger,
	}
	events, detections, err := f.fire(ctx, chain, profile != nil)
	if err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return exitFailure
	}

	if len(events) == 0 {
		fmt.Fprintf(e.stderr, "Error: no events were accepted\n")
		return exitFailure
	}

	analyzer := campaign.NewAnalyzer(cat, f.engine, campaign.DefaultConfig())
	asm, err := analyzer.Analyze(events)
	if err != nil {
		fmt.Fprintf(e.stderr, "Error: campaign analysis failed: %v\n", err)
		return exitFailure
	}

	if opts.quiet {
		fmt.Fprintf(e.stdout, "chain=%s events=%d detected=%d threat=%s apt=%s\n",
			asm.ChainID, asm.EventCount, detections, asm.ThreatLevel, orNone(asm.AttributedAPT))
		return exitOK
	}
	fmt.Fprintln(e.stdout)
	fmt.Fprintln(e.stdout, render.Assessment(asm))
	fmt.Fprintf(e.stdout, "%d/%d events detected\n", detections, len(events))
	return exitOK
}

// selectChain picks the chain by precedence: -apt, then -chain, then the
// optimizer.
func selectChain(ctx context.Context, cat *catalog.Catalog, opts *options, profile *catalog.ThreatProfile, logger *slog.Logger) (catalog.Chain, error) {
	if profile != nil {
		return resolve(cat, profile.PreferredTools, logger), nil
	}
	if opts.chain != "" {
		return resolve(cat, strings.Split(opts.chain, ","), logger), nil
	}

	objective, err := optimizer.ParseObjective(opts.objective)
	if err != nil {
		return nil, err
	}
	persona, ok := catalog.ParsePersona(opts.persona)
	if !ok {
		return nil, tetherrors.NewValidationError("persona",
			fmt.Sprintf("unknown persona %q (want one of %s)", opts.persona, strings.Join(catalog.PersonaNames(), ", ")))
	}
	cons := optimizer.DefaultConstraints()
	cons.MaxTools = opts.maxTools
	cons.Persona = persona

	optimized, err := optimizer.New(cat).Optimize(ctx, objective, cons)
	if err != nil {
		return nil, err
	}
	logger.Info("optimized chain selected",
		"objective", objective,
		"persona", persona.String(),
		"tools", strings.Join(optimized.ToolIDs, ","),
		"estimated_success", optimized.EstimatedSuccess,
	)
	return optimized.Chain(), nil
}

func resolve(cat *catalog.Catalog, ids []string, logger *slog.Logger) catalog.Chain {
	chain, unknown := cat.Resolve(ids)
	for _, id := range unknown {
		logger.Warn("skipping unknown tool", "tool_id", id)
	}
	return chain
}

type firer struct {
	api    *client.Client
	engine *attribution.Engine
	env    env
	opts   *options
	logger *slog.Logger
}

// fire posts the chain. With repeat set it cycles the chain until the
// duration elapses, always completing at least one pass.
func (f *firer) fire(ctx context.Context, chain catalog.Chain, repeat bool) ([]campaign.Event, int, error) {
	chainID := uuid.NewString()
	delay := time.Duration(f.opts.delay / f.opts.intensity * float64(time.Second))
	deadline := f.env.now().Add(time.Duration(f.opts.duration * float64(time.Minute)))

	var (
		events     []campaign.Event
		fired      catalog.Chain
		detections int
	)
	for pos := 0; ; pos++ {
		if pos >= len(chain) && (!repeat || !f.env.now().Before(deadline)) {
			break
		}
		if pos > 0 && delay > 0 {
			if err := f.env.sleep(ctx, delay); err != nil {
				f.logger.Warn("firing interrupted", "fired", len(events))
				break
			}
		}

		tool := chain[pos%len(chain)]
		fired = append(fired, tool)

		req := &schema.IngestRequest{
			Tool: schema.ToolRef{
				ID:              tool.ID,
				Name:            tool.Name,
				Entropy:         tool.EntropyMean,
				OperationalRisk: tool.OperationalRisk,
			},
			ChainContext: &schema.ChainContext{
				ChainID:    chainID,
				Position:   pos,
				TotalTools: len(chain),
			},
		}
		if res, err := f.engine.Attribute(slices.Clone(fired)); err == nil {
			req.Attribution = &schema.Attribution{APTGroup: res.APTGroup, Confidence: res.Confidence}
		}

		resp, err := f.api.IngestChain(ctx, req)
		if err != nil {
			if tetherrors.IsValidation(err) {
				f.logger.Warn("event rejected", "tool_id", tool.ID, "error", err)
				continue
			}
			return nil, 0, err
		}

		events = append(events, campaign.Event{
			ToolID:    tool.ID,
			Timestamp: f.env.now().UTC(),
			ChainID:   chainID,
			Position:  pos,
		})
		if resp.Detected {
			detections++
		}
		if !f.opts.quiet {
			fmt.Fprintln(f.env.stdout, render.Verdict(pos, tool.ID, resp))
		}
	}
	return events, detections, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
