package catalog

import (
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	tools, profiles := c.Len()
	if tools < 20 {
		t.Errorf("expected at least 20 tools, got %d", tools)
	}
	if profiles != 5 {
		t.Errorf("expected 5 profiles, got %d", profiles)
	}

	for _, id := range []string{"apt28", "apt29", "lazarus", "apt1", "fin7"} {
		if _, ok := c.Profile(id); !ok {
			t.Errorf("missing profile %s", id)
		}
	}

	for _, id := range []string{"nmap", "metasploit", "mimikatz", "cobalt_strike", "sunburst", "teardrop"} {
		if _, ok := c.Tool(id); !ok {
			t.Errorf("missing tool %s", id)
		}
	}
}

func TestDefaultCatalog_ProfileSignatures(t *testing.T) {
	c := MustDefault()

	for _, p := range c.Profiles() {
		chain, unknown := c.Resolve(p.PreferredTools)
		if len(unknown) > 0 {
			t.Fatalf("%s: unknown preferred tools %v", p.ID, unknown)
		}

		var sum float64
		for _, tool := range chain {
			sum += tool.EntropyMean
		}
		if sum != p.EntropyMean {
			t.Errorf("%s: entropy_mean %.1f, preferred tools sum to %.1f", p.ID, p.EntropyMean, sum)
		}

		covered := chain.PhasesCovered()
		if len(covered) != len(p.PreferredPhases) {
			t.Errorf("%s: preferred phases %v, tools cover %v", p.ID, p.PreferredPhases, covered)
		}
	}
}

func TestResolve(t *testing.T) {
	c := MustDefault()

	chain, unknown := c.Resolve([]string{"nmap", " Cobalt Strike ", "doesnotexist", "", "mimikatz"})
	if got := strings.Join(chain.IDs(), ","); got != "nmap,cobalt_strike,mimikatz" {
		t.Errorf("resolved chain = %s", got)
	}
	if len(unknown) != 1 || unknown[0] != "doesnotexist" {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestChain_PhasesCovered(t *testing.T) {
	c := MustDefault()
	chain, _ := c.Resolve([]string{"cobalt_strike", "nmap", "mimikatz", "psexec"})

	phases := chain.PhasesCovered()
	want := []Phase{PhaseHunt, PhaseDisable, PhaseDominate}
	if len(phases) != len(want) {
		t.Fatalf("PhasesCovered() = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("PhasesCovered()[%d] = %s, want %s", i, phases[i], want[i])
		}
	}

	if len(Chain(nil).PhasesCovered()) != 0 {
		t.Error("empty chain should cover no phases")
	}
}

func TestNew_Rejects(t *testing.T) {
	base := func() Tool {
		return Tool{
			ID:              "nmap",
			Name:            "Nmap",
			Category:        CategoryRecon,
			EntropyMean:     12,
			EntropyStdDev:   1.5,
			OperationalRisk: 0.1,
			Phase:           PhaseHunt,
		}
	}

	tests := []struct {
		name     string
		tools    func() []Tool
		profiles []ThreatProfile
	}{
		{"negative stddev", func() []Tool { t := base(); t.EntropyStdDev = -1; return []Tool{t} }, nil},
		{"risk out of range", func() []Tool { t := base(); t.OperationalRisk = 1.2; return []Tool{t} }, nil},
		{"unknown phase", func() []Tool { t := base(); t.Phase = "exploit"; return []Tool{t} }, nil},
		{"unknown category", func() []Tool { t := base(); t.Category = "magic"; return []Tool{t} }, nil},
		{"duplicate id", func() []Tool { return []Tool{base(), base()} }, nil},
		{"profile references unknown tool", func() []Tool { return []Tool{base()} }, []ThreatProfile{{
			ID: "apt99", Name: "Ghost", EntropyMean: 10, EntropyStdDev: 1,
			PreferredPhases: []Phase{PhaseHunt}, PreferredTools: []string{"ghost_tool"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.tools(), tt.profiles); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_PersonaNames(t *testing.T) {
	doc := `
tools:
  - id: nmap
    name: Nmap
    category: recon
    entropy_mean: 12
    entropy_stddev: 1
    operational_risk: 0.1
    hd4_phase: hunt
    min_persona: apt
`
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tool, _ := c.Tool("nmap")
	if tool.MinPersona != PersonaAPT {
		t.Errorf("MinPersona = %v, want apt", tool.MinPersona)
	}

	bad := strings.Replace(doc, "min_persona: apt", "min_persona: wizard", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("expected error for unknown persona")
	}
}

func TestParsePersona(t *testing.T) {
	for i, name := range PersonaNames() {
		p, ok := ParsePersona(name)
		if !ok || int(p) != i+1 {
			t.Errorf("ParsePersona(%q) = %v, %v", name, p, ok)
		}
		if p.String() != name {
			t.Errorf("String() = %q, want %q", p.String(), name)
		}
	}
	if _, ok := ParsePersona("wizard"); ok {
		t.Error("expected unknown persona to fail")
	}
}
