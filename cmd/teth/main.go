// Package main provides the offline harness CLI: catalog listing,
// attribution, campaign analysis, chain optimization and Monte Carlo
// validation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"teth/internal/attribution"
	"teth/internal/campaign"
	"teth/internal/catalog"
	"teth/internal/config"
	tetherrors "teth/internal/errors"
	"teth/internal/kafka"
	"teth/internal/logging"
	"teth/internal/montecarlo"
	"teth/internal/optimizer"
	"teth/internal/render"
	"teth/internal/schema"
	"teth/internal/storage"
	"teth/internal/storage/s3"
)

var version = "dev"

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	cat    *catalog.Catalog
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "-version", "--version", "-v":
		fmt.Fprintf(stdout, "teth %s\n", version)
		return 0
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load catalog: %v\n", err)
		return 1
	}

	a := &app{
		cfg:    cfg,
		cat:    cat,
		stdout: stdout,
		stderr: stderr,
		logger: logging.New(stderr, cfg.Logging.Level, "text"),
	}

	var cmdErr error
	switch args[0] {
	case "catalog":
		cmdErr = a.runCatalog(args[1:])
	case "attribute":
		cmdErr = a.runAttribute(args[1:])
	case "analyze":
		cmdErr = a.runAnalyze(ctx, args[1:])
	case "optimize":
		cmdErr = a.runOptimize(ctx, args[1:])
	case "validate":
		cmdErr = a.runValidate(ctx, args[1:])
	case "reports":
		cmdErr = a.runReports(ctx, args[1:])
	case "tail":
		cmdErr = a.runTail(ctx, args[1:])
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	return a.exitCode(cmdErr)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: teth <command> [flags]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  catalog    List tools and threat profiles\n")
	fmt.Fprintf(w, "  attribute  Attribute a chain to a threat profile\n")
	fmt.Fprintf(w, "  analyze    Assess a campaign from a chain or stored chain id\n")
	fmt.Fprintf(w, "  optimize   Search for a chain under an objective and constraints\n")
	fmt.Fprintf(w, "  validate   Run a Monte Carlo validation\n")
	fmt.Fprintf(w, "  reports    List or fetch archived validation reports\n")
	fmt.Fprintf(w, "  tail       Follow detection records on Kafka\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version   Show version and exit\n")
}

// exitCode maps an error to the process exit code: 0 on success, 2 for
// invalid input, 1 for everything else.
func (a *app) exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errValidationFailed):
		return 1
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	if tetherrors.IsValidation(err) {
		return 2
	}
	return 1
}

// errValidationFailed reports a Monte Carlo run that missed its threshold.
var errValidationFailed = errors.New("validation threshold not met")

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) resolve(list string) (catalog.Chain, error) {
	if strings.TrimSpace(list) == "" {
		return nil, tetherrors.NewValidationError("chain", "at least one tool id is required")
	}
	chain, unknown := a.cat.Resolve(strings.Split(list, ","))
	for _, id := range unknown {
		a.logger.Warn("skipping unknown tool", "tool_id", id)
	}
	return chain, nil
}

func (a *app) runCatalog(args []string) error {
	fs := newFlagSet("catalog", a.stderr)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *asJSON {
		return a.printJSON(map[string]any{"tools": a.cat.Tools(), "profiles": a.cat.Profiles()})
	}
	fmt.Fprint(a.stdout, render.Catalog(a.cat))
	return nil
}

func (a *app) runAttribute(args []string) error {
	fs := newFlagSet("attribute", a.stderr)
	chainList := fs.String("chain", "", "Comma-separated tool ids")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	chain, err := a.resolve(*chainList)
	if err != nil {
		return err
	}

	engine := attribution.NewEngine(a.cat, a.cfg.Attribution)
	result, err := engine.Attribute(chain)
	if err != nil {
		var noAttr *attribution.NoAttributionError
		if errors.As(err, &noAttr) {
			if *asJSON {
				return a.printJSON(map[string]any{"attributed": false, "floor": noAttr.Floor, "best": noAttr.Best})
			}
			fmt.Fprintln(a.stdout, render.StatusWarning.Render("Unattributed: "+noAttr.Error()))
			return nil
		}
		return err
	}

	if *asJSON {
		return a.printJSON(result)
	}
	fmt.Fprint(a.stdout, render.Attribution(result))
	return nil
}

func (a *app) runAnalyze(ctx context.Context, args []string) error {
	fs := newFlagSet("analyze", a.stderr)
	chainList := fs.String("chain", "", "Comma-separated tool ids, in firing order")
	chainID := fs.String("chain-id", "", "Load the campaign of a stored chain from ClickHouse")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var events []campaign.Event
	switch {
	case *chainID != "":
		loaded, err := a.storedEvents(ctx, *chainID)
		if err != nil {
			return err
		}
		events = loaded
	case *chainList != "":
		id := uuid.NewString()
		now := time.Now().UTC()
		for i, toolID := range strings.Split(*chainList, ",") {
			events = append(events, campaign.Event{ToolID: strings.TrimSpace(toolID), ChainID: id, Position: i, Timestamp: now})
		}
	default:
		return tetherrors.NewValidationError("chain", "one of -chain or -chain-id is required")
	}

	analyzer := campaign.NewAnalyzer(a.cat, attribution.NewEngine(a.cat, a.cfg.Attribution), a.cfg.Campaign)
	asm, err := analyzer.Analyze(events)
	if err != nil {
		return err
	}
	for _, id := range asm.UnresolvedTools {
		a.logger.Warn("skipping unknown tool", "tool_id", id)
	}

	if *asJSON {
		return a.printJSON(asm)
	}
	fmt.Fprintln(a.stdout, render.Assessment(asm))
	return nil
}

func (a *app) storedEvents(ctx context.Context, chainID string) ([]campaign.Event, error) {
	hosts := strings.Join(a.cfg.Storage.ClickHouse.Hosts, ",")
	client, err := storage.NewClickHouseClient(ctx, a.cfg.Storage.ClickHouse)
	if err != nil {
		return nil, storageError(hosts, chainID, err)
	}
	defer client.Close()

	events, err := client.CampaignEvents(ctx, chainID)
	if err != nil {
		return nil, storageError(hosts, chainID, err)
	}
	return events, nil
}

// storageError maps ClickHouse failures onto the CLI error taxonomy.
func storageError(hosts, chainID string, err error) error {
	switch {
	case storage.IsConnectionError(err):
		return &tetherrors.UnreachableDependencyError{Service: "clickhouse", URL: hosts, Err: err}
	case storage.IsNotFound(err):
		return &tetherrors.ValidationError{
			Field: "chain-id",
			Msg:   fmt.Sprintf("no stored events for chain %q", chainID),
			Err:   err,
		}
	}
	return err
}

func (a *app) runOptimize(ctx context.Context, args []string) error {
	fs := newFlagSet("optimize", a.stderr)
	objectiveName := fs.String("objective", "balanced", "Objective: "+strings.Join(optimizer.Objectives(), ", "))
	personaName := fs.String("persona", "apt", "Persona: "+strings.Join(catalog.PersonaNames(), ", "))
	maxTools := fs.Int("max-tools", 5, "Maximum tools in the chain")
	maxEntropy := fs.Float64("max-entropy", 0, "Entropy budget (0 is unbounded)")
	phaseList := fs.String("phases", "", "Comma-separated HD4 phases the chain must cover")
	beam := fs.Int("beam", 1, "Beam width (1 is greedy)")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	objective, err := optimizer.ParseObjective(*objectiveName)
	if err != nil {
		return err
	}
	persona, ok := catalog.ParsePersona(*personaName)
	if !ok {
		return tetherrors.NewValidationError("persona",
			fmt.Sprintf("unknown persona %q (want one of %s)", *personaName, strings.Join(catalog.PersonaNames(), ", ")))
	}

	phases, err := optimizer.ParsePhases(*phaseList)
	if err != nil {
		return err
	}

	cons := optimizer.Constraints{
		MaxTools:       *maxTools,
		MaxEntropy:     *maxEntropy,
		Persona:        persona,
		RequiredPhases: phases,
		BeamWidth:      *beam,
	}

	result, err := optimizer.New(a.cat).Optimize(ctx, objective, cons)
	if err != nil {
		return err
	}

	if *asJSON {
		return a.printJSON(result)
	}
	fmt.Fprintln(a.stdout, render.Optimized(result))
	return nil
}

func (a *app) runValidate(ctx context.Context, args []string) error {
	defaults := a.cfg.MonteCarlo
	fs := newFlagSet("validate", a.stderr)
	metric := fs.String("metric", montecarlo.MetricEntropyBound, "Metric: "+strings.Join(montecarlo.MetricNames(), ", "))
	trials := fs.Int("trials", defaults.Trials, "Number of trials")
	seed := fs.Uint64("seed", defaults.Seed, "Random seed")
	threshold := fs.Float64("threshold", defaults.Threshold, "Pass threshold for the mean")
	comparison := fs.String("comparison", string(defaults.Comparison), "Comparison: at_least or at_most")
	workers := fs.Int("workers", defaults.Workers, "Parallel trials (0 is unbounded)")
	archive := fs.Bool("archive", false, "Archive the report to S3")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmp, err := montecarlo.ParseComparison(*comparison)
	if err != nil {
		return err
	}
	validator, err := montecarlo.NewValidator(montecarlo.Config{
		Trials:     *trials,
		Seed:       *seed,
		Threshold:  *threshold,
		Comparison: cmp,
		Workers:    *workers,
	})
	if err != nil {
		return err
	}

	m, err := montecarlo.NewMetric(ctx, *metric, montecarlo.Env{
		Catalog:     a.cat,
		Attribution: attribution.NewEngine(a.cat, a.cfg.Attribution),
		Rules:       a.cfg.Detection.Rules,
	})
	if err != nil {
		return err
	}

	report, err := validator.Run(ctx, m)
	if err != nil {
		return err
	}

	if *asJSON {
		if err := a.printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(a.stdout, render.Report(report))
	}

	if *archive {
		entry, err := a.archiveReport(ctx, report)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stderr, "archived report to %s\n", entry.Location)
	}

	if !report.Passed {
		return errValidationFailed
	}
	return nil
}

func (a *app) archiver(ctx context.Context) (*s3.ReportArchiver, error) {
	s3cfg := a.cfg.Archive.S3
	if err := s3cfg.Validate(); err != nil {
		return nil, tetherrors.NewValidationError("archive.s3", err.Error())
	}
	client, err := s3.NewClient(ctx, &s3cfg, a.logger)
	if err != nil {
		return nil, &tetherrors.UnreachableDependencyError{Service: "s3", URL: s3cfg.Bucket, Err: err}
	}
	archiverCfg := a.cfg.Archive.Archiver
	return s3.NewReportArchiver(client, &archiverCfg, a.logger), nil
}

func (a *app) archiveReport(ctx context.Context, report *montecarlo.Report) (*s3.ArchiveEntry, error) {
	archiver, err := a.archiver(ctx)
	if err != nil {
		return nil, err
	}
	return archiver.Archive(ctx, reportKind, report)
}

// reportKind is the archive kind of Monte Carlo reports.
const reportKind = "montecarlo"

func (a *app) runReports(ctx context.Context, args []string) error {
	fs := newFlagSet("reports", a.stderr)
	fetch := fs.String("fetch", "", "Print the archived report stored under this key")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	archiver, err := a.archiver(ctx)
	if err != nil {
		return err
	}

	if *fetch != "" {
		var report montecarlo.Report
		if err := archiver.Fetch(ctx, *fetch, &report); err != nil {
			return err
		}
		if *asJSON {
			return a.printJSON(&report)
		}
		fmt.Fprintln(a.stdout, render.Report(&report))
		return nil
	}

	objects, err := archiver.List(ctx, reportKind)
	if err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(objects)
	}
	for _, obj := range objects {
		fmt.Fprintf(a.stdout, "%s  %8d  %s\n", obj.LastModified.UTC().Format(time.RFC3339), obj.Size, obj.Key)
	}
	fmt.Fprintf(a.stdout, "%d report(s)\n", len(objects))
	return nil
}

func (a *app) runTail(ctx context.Context, args []string) error {
	fs := newFlagSet("tail", a.stderr)
	detectedOnly := fs.Bool("detected", false, "Only print detected events")
	asJSON := fs.Bool("json", false, "Print JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kcfg := a.cfg.Kafka.Config
	tailer, err := kafka.NewTailer(&kcfg, func(_ context.Context, rec *schema.DetectionRecord) error {
		if *detectedOnly && !rec.Detected {
			return nil
		}
		if *asJSON {
			return json.NewEncoder(a.stdout).Encode(rec)
		}
		fmt.Fprintln(a.stdout, render.Verdict(rec.Position, rec.ToolID, &schema.IngestResponse{
			EventID:           rec.EventID.String(),
			Detected:          rec.Detected,
			ThreatScore:       rec.ThreatScore,
			Alerts:            rec.Alerts,
			RecommendedAction: rec.RecommendedAction,
		}))
		return nil
	}, a.logger)
	if err != nil {
		return err
	}
	defer tailer.Close()

	a.logger.Info("tailing detections", "brokers", kcfg.Brokers, "topic", kcfg.Topic)
	if err := tailer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}
