package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ModelEntry maps a display name to a Bedrock model id.
type ModelEntry struct {
	Name string
	ID   string
}

// ModelCatalog is an ordered set of models. Decoding YAML into a populated
// catalog updates existing names in place and appends new ones, so a config
// file can add or re-point models without restating the defaults.
type ModelCatalog struct {
	entries []ModelEntry
}

// NewModelCatalog builds a catalog in the given order.
func NewModelCatalog(entries ...ModelEntry) ModelCatalog {
	var c ModelCatalog
	for _, e := range entries {
		c.Set(e.Name, e.ID)
	}
	return c
}

// Set adds or replaces a model.
func (c *ModelCatalog) Set(name, id string) {
	for i := range c.entries {
		if c.entries[i].Name == name {
			c.entries[i].ID = id
			return
		}
	}
	c.entries = append(c.entries, ModelEntry{Name: name, ID: id})
}

// Lookup returns the id for a display name.
func (c ModelCatalog) Lookup(name string) (string, bool) {
	for _, e := range c.entries {
		if e.Name == name {
			return e.ID, true
		}
	}
	return "", false
}

// Names lists display names in catalog order.
func (c ModelCatalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Name)
	}
	return names
}

// Entries returns a copy of the catalog entries.
func (c ModelCatalog) Entries() []ModelEntry {
	out := make([]ModelEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports the number of models.
func (c ModelCatalog) Len() int { return len(c.entries) }

// UnmarshalYAML merges a YAML mapping of name -> id into the catalog.
func (c *ModelCatalog) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("available_models: expected mapping, got %s", nodeKind(node))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name, id string
		if err := node.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("available_models: decode name: %w", err)
		}
		if err := node.Content[i+1].Decode(&id); err != nil {
			return fmt.Errorf("available_models: decode id for %q: %w", name, err)
		}
		c.Set(name, id)
	}
	return nil
}

// MarshalYAML keeps catalog order when the config is written back out.
func (c ModelCatalog) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range c.entries {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.ID},
		)
	}
	return node, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "mapping"
	}
}
