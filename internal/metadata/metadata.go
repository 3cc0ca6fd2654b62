package metadata

import (
	"fmt"
	"strings"
)

type Column struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
}

type Relationship struct {
	Type       string `json:"type" yaml:"type"`
	Table      string `json:"table" yaml:"table"`
	ForeignKey string `json:"foreign_key,omitempty" yaml:"foreign_key"`
}

type Table struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description" yaml:"description"`
	Model         string         `json:"model,omitempty" yaml:"model"`
	Columns       []Column       `json:"columns" yaml:"columns"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships"`
}

// Merge overlays configured table metadata onto loaded metadata. Configured
// entries replace loaded entries with the same case-insensitive name wholesale;
// the remainder are appended in their configured order.
func Merge(loaded, configured []Table) []Table {
	replacements := make(map[string]Table, len(configured))
	for _, table := range configured {
		key := strings.ToLower(strings.TrimSpace(table.Name))
		if key == "" {
			continue
		}
		replacements[key] = table
	}

	merged := make([]Table, 0, len(loaded)+len(configured))
	seen := make(map[string]struct{}, len(loaded)+len(configured))
	for _, table := range loaded {
		key := strings.ToLower(strings.TrimSpace(table.Name))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if replacement, ok := replacements[key]; ok {
			merged = append(merged, replacement)
			continue
		}
		merged = append(merged, table)
	}
	for _, table := range configured {
		key := strings.ToLower(strings.TrimSpace(table.Name))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, table)
	}
	return merged
}

// KnownTables derives the case-folded allow-list used by plan validation.
func KnownTables(tables []Table) map[string]struct{} {
	known := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		name := strings.ToLower(strings.TrimSpace(table.Name))
		if name == "" {
			continue
		}
		known[name] = struct{}{}
	}
	return known
}

// BuildSchemaContext renders one human-readable block per table for the model
// prompt. Ordering follows the input; callers sort upstream if they care.
func BuildSchemaContext(tables []Table) string {
	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		var b strings.Builder
		b.WriteString("Table " + table.Name)
		if model := strings.TrimSpace(table.Model); model != "" {
			b.WriteString(" (Model: " + model + ")")
		}
		if description := strings.TrimSpace(table.Description); description != "" {
			b.WriteString(" -- " + description)
		}
		for _, column := range table.Columns {
			columnType := column.Type
			if strings.TrimSpace(columnType) == "" {
				columnType = "unknown"
			}
			b.WriteString(fmt.Sprintf("\n- %s (%s)", column.Name, columnType))
			if description := strings.TrimSpace(column.Description); description != "" {
				b.WriteString(": " + description)
			}
		}
		for _, rel := range table.Relationships {
			b.WriteString(fmt.Sprintf("\n- %s %s", rel.Type, rel.Table))
			if fk := strings.TrimSpace(rel.ForeignKey); fk != "" {
				b.WriteString(" (foreign key: " + fk + ")")
			}
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
