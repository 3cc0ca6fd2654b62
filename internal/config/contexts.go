package config

import "github.com/jeffleyd/laragrep/internal/metadata"

// ResolveContext builds the effective configuration for one request by
// overlaying the named context onto the base. The result is a deep copy that
// shares no mutable state with the base or with other resolutions; an empty or
// unknown name resolves to the base unchanged.
func ResolveContext(base Config, name string) Config {
	effective := base.clone()
	if name == "" {
		return effective
	}
	override, ok := base.Contexts[name]
	if !ok {
		return effective
	}

	if override.Connection != "" {
		effective.Connection = override.Connection
	}
	if override.ExcludeTables != nil {
		effective.ExcludeTables = NormalizeExcludeTables(*override.ExcludeTables)
	}
	if override.Database != nil {
		// An explicit descriptor wins over any named connection.
		effective.Database = *override.Database
		effective.Connection = ""
	}
	if len(override.Metadata) > 0 {
		effective.Metadata = cloneMetadata(override.Metadata)
	}
	return effective
}

// EffectiveDatabase maps the effective connection name to a concrete database
// descriptor: an explicit per-context descriptor wins, then a named entry from
// Connections, then the default database.
func (c Config) EffectiveDatabase() DatabaseConfig {
	if c.Connection != "" {
		if db, ok := c.Connections[c.Connection]; ok {
			return db
		}
	}
	return c.Database
}

func (c Config) clone() Config {
	cloned := c
	cloned.ExcludeTables = append([]string(nil), c.ExcludeTables...)
	cloned.Metadata = cloneMetadata(c.Metadata)
	if c.Connections != nil {
		cloned.Connections = make(map[string]DatabaseConfig, len(c.Connections))
		for name, db := range c.Connections {
			cloned.Connections[name] = db
		}
	}
	if c.Contexts != nil {
		cloned.Contexts = make(map[string]ContextOverride, len(c.Contexts))
		for name, override := range c.Contexts {
			cloned.Contexts[name] = cloneOverride(override)
		}
	}
	return cloned
}

func cloneOverride(o ContextOverride) ContextOverride {
	cloned := o
	if o.ExcludeTables != nil {
		tables := append([]string(nil), (*o.ExcludeTables)...)
		cloned.ExcludeTables = &tables
	}
	if o.Database != nil {
		db := *o.Database
		cloned.Database = &db
	}
	cloned.Metadata = cloneMetadata(o.Metadata)
	return cloned
}

func cloneMetadata(tables []metadata.Table) []metadata.Table {
	if tables == nil {
		return nil
	}
	cloned := make([]metadata.Table, len(tables))
	for i, table := range tables {
		cloned[i] = table
		cloned[i].Columns = append([]metadata.Column(nil), table.Columns...)
		cloned[i].Relationships = append([]metadata.Relationship(nil), table.Relationships...)
	}
	return cloned
}
