package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InformationSchemaLoader discovers table and column metadata from the
// standard information_schema views. Descriptions are left empty; configured
// metadata merged on top supplies them.
type InformationSchemaLoader struct {
	Schema string
}

func (l *InformationSchemaLoader) schemaName() string {
	if strings.TrimSpace(l.Schema) == "" {
		return "public"
	}
	return strings.TrimSpace(l.Schema)
}

func (l *InformationSchemaLoader) Load(ctx context.Context, db *sql.DB, excludeTables []string) ([]Table, error) {
	excluded := make(map[string]struct{}, len(excludeTables))
	for _, name := range excludeTables {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		excluded[name] = struct{}{}
	}

	tableRows, err := db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`, l.schemaName())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = tableRows.Close() }()

	order := make([]string, 0)
	byName := make(map[string]*Table)
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if _, skip := excluded[strings.ToLower(name)]; skip {
			continue
		}
		order = append(order, name)
		byName[name] = &Table{Name: name}
	}
	if err := tableRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}

	columnRows, err := db.QueryContext(ctx, `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`, l.schemaName())
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = columnRows.Close() }()

	for columnRows.Next() {
		var tableName, columnName, dataType string
		if err := columnRows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		table, ok := byName[tableName]
		if !ok {
			continue
		}
		table.Columns = append(table.Columns, Column{Name: columnName, Type: dataType})
	}
	if err := columnRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}

	tables := make([]Table, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return tables, nil
}
