package mcp

import "slices"

// Catalog is an immutable snapshot of every tool offered by live
// servers. Each name resolves to exactly one server.
type Catalog struct {
	byName map[string]ToolDescriptor
	order  []string
}

// Collision records a tool name offered by more than one server. Winner
// registered earlier and keeps the name; Loser's tool is hidden.
type Collision struct {
	Tool   string
	Winner string
	Loser  string
}

// catalogSource is one server's contribution, in registration order.
type catalogSource struct {
	server string
	tools  []ToolDescriptor
}

// buildCatalog merges sources deterministically: sources are visited in
// registration order and the first server to offer a name wins.
func buildCatalog(sources []catalogSource) (*Catalog, []Collision) {
	c := &Catalog{byName: make(map[string]ToolDescriptor)}
	var collisions []Collision
	for _, src := range sources {
		for _, t := range src.tools {
			if prev, taken := c.byName[t.Name]; taken {
				if prev.Server != src.server {
					collisions = append(collisions, Collision{Tool: t.Name, Winner: prev.Server, Loser: src.server})
				}
				continue
			}
			c.byName[t.Name] = t
			c.order = append(c.order, t.Name)
		}
	}
	return c, collisions
}

// EmptyCatalog has no tools.
func EmptyCatalog() *Catalog {
	return &Catalog{byName: map[string]ToolDescriptor{}}
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (ToolDescriptor, bool) {
	if c == nil {
		return ToolDescriptor{}, false
	}
	t, ok := c.byName[name]
	return t, ok
}

// Tools returns every descriptor, ordered by server registration and
// then by each server's own listing order.
func (c *Catalog) Tools() []ToolDescriptor {
	if c == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(c.order))
	for i, name := range c.order {
		out[i] = c.byName[name]
	}
	return out
}

// Names returns tool names in catalog order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.order)
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// NewCatalog builds a catalog from descriptors taken in order; a later
// descriptor reusing a name is dropped.
func NewCatalog(tools []ToolDescriptor) *Catalog {
	sources := make([]catalogSource, 0, len(tools))
	for _, t := range tools {
		sources = append(sources, catalogSource{server: t.Server, tools: []ToolDescriptor{t}})
	}
	c, _ := buildCatalog(sources)
	return c
}
