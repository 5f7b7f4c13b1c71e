package catalog

import (
	"fmt"
	"sort"
	"strings"

	"teth/internal/schema"
)

// Catalog is the immutable registry of tools and threat profiles.
// It is built once at startup and shared by reference.
type Catalog struct {
	tools       map[string]*Tool
	profiles    map[string]*ThreatProfile
	toolIDs     []string
	profileIDs  []string
	toolsByName map[string]*Tool
}

// New builds a catalog after validating every record.
func New(tools []Tool, profiles []ThreatProfile) (*Catalog, error) {
	v := schema.NewValidator()

	c := &Catalog{
		tools:       make(map[string]*Tool, len(tools)),
		profiles:    make(map[string]*ThreatProfile, len(profiles)),
		toolsByName: make(map[string]*Tool, len(tools)),
	}

	for i := range tools {
		t := tools[i]
		if t.MinPersona == 0 {
			t.MinPersona = PersonaScriptKiddie
		}
		if err := v.Struct(&t); err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.ID, err)
		}
		if !t.Category.IsValid() {
			return nil, fmt.Errorf("tool %q: unknown category %q", t.ID, t.Category)
		}
		if !t.Phase.IsValid() {
			return nil, fmt.Errorf("tool %q: unknown hd4 phase %q", t.ID, t.Phase)
		}
		if _, dup := c.tools[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tool id %q", t.ID)
		}
		t.Capabilities = append([]string(nil), t.Capabilities...)
		c.tools[t.ID] = &t
		c.toolsByName[normalizeName(t.Name)] = &t
		c.toolIDs = append(c.toolIDs, t.ID)
	}

	for i := range profiles {
		p := profiles[i]
		if err := v.Struct(&p); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.ID, err)
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		for _, ph := range p.PreferredPhases {
			if !ph.IsValid() {
				return nil, fmt.Errorf("profile %q: unknown hd4 phase %q", p.ID, ph)
			}
		}
		for _, id := range p.PreferredTools {
			if _, ok := c.tools[id]; !ok {
				return nil, fmt.Errorf("profile %q: preferred tool %q not in catalog", p.ID, id)
			}
		}
		p.Aliases = append([]string(nil), p.Aliases...)
		p.PreferredPhases = append([]Phase(nil), p.PreferredPhases...)
		p.PreferredTools = append([]string(nil), p.PreferredTools...)
		c.profiles[p.ID] = &p
		c.profileIDs = append(c.profileIDs, p.ID)
	}

	sort.Strings(c.toolIDs)
	sort.Strings(c.profileIDs)

	return c, nil
}

// Tool returns the tool with the given id.
func (c *Catalog) Tool(id string) (*Tool, bool) {
	t, ok := c.tools[id]
	return t, ok
}

// Lookup resolves a tool by id first, then by display name.
func (c *Catalog) Lookup(idOrName string) (*Tool, bool) {
	if t, ok := c.tools[idOrName]; ok {
		return t, true
	}
	t, ok := c.toolsByName[normalizeName(idOrName)]
	return t, ok
}

// Profile returns the threat profile with the given id.
func (c *Catalog) Profile(id string) (*ThreatProfile, bool) {
	p, ok := c.profiles[strings.ToLower(id)]
	return p, ok
}

// Tools returns all tools ordered by id.
func (c *Catalog) Tools() []*Tool {
	out := make([]*Tool, len(c.toolIDs))
	for i, id := range c.toolIDs {
		out[i] = c.tools[id]
	}
	return out
}

// Profiles returns all profiles ordered by id.
func (c *Catalog) Profiles() []*ThreatProfile {
	out := make([]*ThreatProfile, len(c.profileIDs))
	for i, id := range c.profileIDs {
		out[i] = c.profiles[id]
	}
	return out
}

// ProfileIDs returns the sorted profile ids.
func (c *Catalog) ProfileIDs() []string {
	return append([]string(nil), c.profileIDs...)
}

// Resolve maps tool ids to a chain, preserving order.
// Ids not present in the catalog are returned separately.
func (c *Catalog) Resolve(ids []string) (Chain, []string) {
	chain := make(Chain, 0, len(ids))
	var unknown []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		t, ok := c.Lookup(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		chain = append(chain, t)
	}
	return chain, unknown
}

// Len returns the number of tools and profiles.
func (c *Catalog) Len() (tools, profiles int) {
	return len(c.tools), len(c.profiles)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
