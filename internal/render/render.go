package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"teth/internal/attribution"
	"teth/internal/campaign"
	"teth/internal/catalog"
	"teth/internal/montecarlo"
	"teth/internal/optimizer"
	"teth/internal/schema"
)

func row(label string, value any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, Label.Render(label), Value.Render(fmt.Sprint(value)))
}

func list(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func phases(ps []catalog.Phase) string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return list(out)
}

// Verdict formats one fired event and the service's answer.
func Verdict(position int, toolID string, resp *schema.IngestResponse) string {
	status := StatusOK.Render("clear   ")
	if resp.Detected {
		status = StatusError.Render("DETECTED")
	}
	line := fmt.Sprintf("[%02d] %-18s %s  score=%.2f  %s",
		position, toolID, status, resp.ThreatScore,
		actionStyle(resp.RecommendedAction).Render(resp.RecommendedAction))
	for _, a := range resp.Alerts {
		line += "\n     " + Muted.Render("- "+a)
	}
	return line
}

// Assessment formats a campaign assessment.
func Assessment(a *campaign.Assessment) string {
	var b strings.Builder
	b.WriteString(Title.Render("Campaign Assessment"))
	b.WriteString("\n")

	rows := []string{
		row("Chain", a.ChainID),
		row("Events", a.EventCount),
		row("Tools", list(a.ToolIDs)),
		row("Total entropy", fmt.Sprintf("%.1f ± %.1f", a.TotalEntropy, a.EntropyStdDev)),
		row("HD4 phase", a.HD4Phase),
		row("OODA phase", a.OODAPhase),
		row("Phases covered", phases(a.PhasesCovered)),
		lipgloss.JoinHorizontal(lipgloss.Top, Label.Render("Threat level"),
			actionStyle(string(a.ThreatLevel)).Render(strings.ToUpper(string(a.ThreatLevel)))),
	}
	if a.Attributed() {
		rows = append(rows, row("Attributed APT", fmt.Sprintf("%s (%.0f%%)", a.AttributedAPT, a.AttributionConfidence*100)))
	} else {
		rows = append(rows, row("Attributed APT", "none"))
	}
	if len(a.UnresolvedTools) > 0 {
		rows = append(rows, row("Unresolved tools", list(a.UnresolvedTools)))
	}
	if a.Duration > 0 {
		rows = append(rows, row("Duration", a.Duration))
	}
	rows = append(rows,
		row("Predicted next", list(a.PredictedNextTools)),
		row("Recommended", list(a.RecommendedActions)),
	)
	b.WriteString(Box.Render(strings.Join(rows, "\n")))

	if len(a.Evidence) > 0 {
		b.WriteString("\n")
		for _, e := range a.Evidence {
			b.WriteString(Muted.Render("  • "+e) + "\n")
		}
	}
	return b.String()
}

// Attribution formats an attribution result.
func Attribution(r *attribution.Result) string {
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Attribution: %s (%s)", r.APTGroup, r.Name)))
	b.WriteString("\n")
	b.WriteString(Box.Render(strings.Join([]string{
		row("Confidence", fmt.Sprintf("%.3f", r.Confidence)),
		row("Tool overlap", fmt.Sprintf("%.3f", r.Channels.ToolOverlap)),
		row("Entropy match", fmt.Sprintf("%.3f (z=%.2f)", r.Channels.EntropyMatch, r.Channels.EntropyZ)),
		row("Phase match", fmt.Sprintf("%.3f", r.Channels.PhaseMatch)),
	}, "\n")))
	b.WriteString("\n")
	for _, e := range r.Evidence {
		b.WriteString(Muted.Render("  • "+e) + "\n")
	}
	if len(r.AlternativeHypotheses) > 0 {
		b.WriteString(TableHeader.Render("Alternatives"))
		b.WriteString("\n")
		for _, h := range r.AlternativeHypotheses {
			b.WriteString(fmt.Sprintf("  %-10s %-28s %.3f\n", h.ProfileID, h.Name, h.Confidence))
		}
	}
	return b.String()
}

// Optimized formats an optimizer answer.
func Optimized(o *optimizer.OptimizedChain) string {
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Optimized chain (%s, %s)", o.Objective, o.Persona)))
	b.WriteString("\n")
	b.WriteString(Box.Render(strings.Join([]string{
		row("Tools", list(o.ToolIDs)),
		row("Total entropy", fmt.Sprintf("%.1f", o.TotalEntropy)),
		row("Objective score", fmt.Sprintf("%.3f", o.ObjectiveScore)),
		row("Estimated success", fmt.Sprintf("%.1f%%", o.EstimatedSuccess*100)),
		row("Phases covered", phases(o.PhasesCovered)),
	}, "\n")))
	return b.String()
}

// Report formats a Monte Carlo validation report.
func Report(r *montecarlo.Report) string {
	verdict := StatusOK.Render("PASS")
	if !r.Passed {
		verdict = StatusError.Render("FAIL")
	}
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Monte Carlo: %s", r.Metric)))
	b.WriteString("\n")
	b.WriteString(Box.Render(strings.Join([]string{
		row("Trials", r.Trials),
		row("Seed", r.Seed),
		row("Mean", fmt.Sprintf("%.4f", r.Mean)),
		row("Std dev", fmt.Sprintf("%.4f", r.StdDev)),
		row("95% CI", fmt.Sprintf("[%.4f, %.4f]", r.CILow, r.CIHigh)),
		row("Threshold", fmt.Sprintf("%s %.4f", r.Comparison, r.Threshold)),
		lipgloss.JoinHorizontal(lipgloss.Top, Label.Render("Result"), verdict),
	}, "\n")))
	return b.String()
}

// Catalog formats the tool table.
func Catalog(c *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString(TableHeader.Render(fmt.Sprintf("%-18s %-22s %-18s %8s %6s %-9s %-12s",
		"ID", "NAME", "CATEGORY", "ENTROPY", "RISK", "PHASE", "MIN PERSONA")))
	b.WriteString("\n")
	for _, t := range c.Tools() {
		b.WriteString(fmt.Sprintf("%-18s %-22s %-18s %8.1f %6.2f %-9s %-12s\n",
			t.ID, t.Name, t.Category, t.EntropyMean, t.OperationalRisk, t.Phase, t.MinPersona))
	}
	b.WriteString("\n")
	b.WriteString(TableHeader.Render(fmt.Sprintf("%-10s %-28s %8s %s", "PROFILE", "NAME", "ENTROPY", "PREFERRED TOOLS")))
	b.WriteString("\n")
	for _, p := range c.Profiles() {
		b.WriteString(fmt.Sprintf("%-10s %-28s %8.1f %s\n", p.ID, p.Name, p.EntropyMean, list(p.PreferredTools)))
	}
	return b.String()
}
