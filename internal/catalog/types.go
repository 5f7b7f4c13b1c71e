// Package catalog holds the immutable registries of tools and threat-actor
// profiles that every TETH component reads from.
package catalog

import (
	"sort"
	"strings"
)

// Phase is an HD4 operational phase.
type Phase string

const (
	PhaseHunt     Phase = "hunt"
	PhaseDetect   Phase = "detect"
	PhaseDisrupt  Phase = "disrupt"
	PhaseDisable  Phase = "disable"
	PhaseDominate Phase = "dominate"
)

// Phases lists the HD4 phases in operational order.
var Phases = []Phase{PhaseHunt, PhaseDetect, PhaseDisrupt, PhaseDisable, PhaseDominate}

// IsValid checks if the phase is a known HD4 phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseHunt, PhaseDetect, PhaseDisrupt, PhaseDisable, PhaseDominate:
		return true
	}
	return false
}

// Order returns the position of the phase in the HD4 sequence, or -1.
func (p Phase) Order() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	return p, p.IsValid()
}

// Category classifies what a tool is used for.
type Category string

const (
	CategoryRecon            Category = "recon"
	CategoryWeaponization    Category = "weaponization"
	CategoryExploitation     Category = "exploitation"
	CategoryCredentialAccess Category = "credential-access"
	CategoryPersistence      Category = "persistence"
	CategoryLateralMovement  Category = "lateral-movement"
	CategoryCommandControl   Category = "command-and-control"
	CategoryExfiltration     Category = "exfiltration"
	CategoryImpact           Category = "impact"
)

// IsValid checks if the category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryRecon, CategoryWeaponization, CategoryExploitation, CategoryCredentialAccess,
		CategoryPersistence, CategoryLateralMovement, CategoryCommandControl,
		CategoryExfiltration, CategoryImpact:
		return true
	}
	return false
}

// Persona is a coarse skill and resource tier.
type Persona int

const (
	PersonaScriptKiddie Persona = iota + 1
	PersonaCartel
	PersonaAPT
	PersonaNationState
)

var personaNames = map[Persona]string{
	PersonaScriptKiddie: "scriptkiddie",
	PersonaCartel:       "cartel",
	PersonaAPT:          "apt",
	PersonaNationState:  "nationstate",
}

// PersonaNames lists the persona names from least to most capable.
func PersonaNames() []string {
	return []string{"scriptkiddie", "cartel", "apt", "nationstate"}
}

// String returns the persona name.
func (p Persona) String() string {
	if name, ok := personaNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePersona parses a persona name.
func ParsePersona(s string) (Persona, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range personaNames {
		if name == s {
			return p, true
		}
	}
	return 0, false
}

// MarshalYAML encodes the persona by name.
func (p Persona) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML decodes a persona name.
func (p *Persona) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, ok := ParsePersona(s)
	if !ok {
		return &UnknownPersonaError{Name: s}
	}
	*p = parsed
	return nil
}

// UnknownPersonaError is returned when a persona name is not recognized.
type UnknownPersonaError struct {
	Name string
}

func (e *UnknownPersonaError) Error() string {
	return "unknown persona: " + e.Name
}

// Tool is a single adversary tool with its fitted entropy distribution.
type Tool struct {
	ID              string   `yaml:"id" json:"id" validate:"required,tool_id"`
	Name            string   `yaml:"name" json:"name" validate:"required,max=128"`
	Category        Category `yaml:"category" json:"category" validate:"required"`
	EntropyMean     float64  `yaml:"entropy_mean" json:"entropy_mean" validate:"gte=0"`
	EntropyStdDev   float64  `yaml:"entropy_stddev" json:"entropy_stddev" validate:"gte=0"`
	OperationalRisk float64  `yaml:"operational_risk" json:"operational_risk" validate:"gte=0,lte=1"`
	Phase           Phase    `yaml:"hd4_phase" json:"hd4_phase" validate:"required"`
	Capabilities    []string `yaml:"capabilities" json:"capabilities"`
	MinPersona      Persona  `yaml:"min_persona" json:"min_persona" validate:"min=1,max=4"`
}

// HasCapability reports whether the tool carries the given capability tag.
func (t *Tool) HasCapability(tag string) bool {
	for _, c := range t.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ThreatProfile describes a known threat actor.
type ThreatProfile struct {
	ID                string   `yaml:"id" json:"id" validate:"required,tool_id"`
	Name              string   `yaml:"name" json:"name" validate:"required"`
	Aliases           []string `yaml:"aliases" json:"aliases,omitempty"`
	Nation            string   `yaml:"nation" json:"nation,omitempty"`
	Motivation        string   `yaml:"motivation" json:"motivation,omitempty"`
	EntropyMean       float64  `yaml:"entropy_mean" json:"entropy_mean" validate:"gte=0"`
	EntropyStdDev     float64  `yaml:"entropy_stddev" json:"entropy_stddev" validate:"gt=0"`
	StealthPreference float64  `yaml:"stealth_preference" json:"stealth_preference" validate:"gte=0,lte=1"`
	PreferredPhases   []Phase  `yaml:"preferred_phases" json:"preferred_phases" validate:"required,min=1"`
	PreferredTools    []string `yaml:"preferred_tools" json:"preferred_tools" validate:"required,min=1"`
}

// ToolRank returns the 0-based preference rank of a tool, or -1.
func (p *ThreatProfile) ToolRank(toolID string) int {
	for i, id := range p.PreferredTools {
		if id == toolID {
			return i
		}
	}
	return -1
}

// Chain is an ordered sequence of tools used in one attack attempt.
type Chain []*Tool

// IDs returns the tool ids in chain order.
func (c Chain) IDs() []string {
	ids := make([]string, len(c))
	for i, t := range c {
		ids[i] = t.ID
	}
	return ids
}

// PhasesCovered returns the distinct phases in HD4 order.
func (c Chain) PhasesCovered() []Phase {
	seen := make(map[Phase]bool, len(Phases))
	for _, t := range c {
		seen[t.Phase] = true
	}
	out := make([]Phase, 0, len(seen))
	for _, p := range Phases {
		if seen[p] {
			out = append(out, p)
		}
	}
	return out
}

// Capabilities returns the distinct capability tags, sorted.
func (c Chain) Capabilities() []string {
	seen := make(map[string]bool)
	for _, t := range c {
		for _, tag := range t.Capabilities {
			seen[tag] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the chain already uses the tool.
func (c Chain) Contains(id string) bool {
	for _, t := range c {
		if t.ID == id {
			return true
		}
	}
	return false
}
