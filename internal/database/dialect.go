package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the per-driver SQL differences the rest of the system
// needs: placeholder style and conversation-table DDL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
	DialectSQLite   Dialect = "sqlite"
)

func DialectFor(driver string) Dialect {
	switch driver {
	case DriverDuckDB:
		return DialectDuckDB
	case DriverSQLite:
		return DialectSQLite
	default:
		return DialectPostgres
	}
}

// Rebind rewrites ? placeholders into the dialect's ordinal markers. Question
// marks inside single-quoted literals and double-quoted identifiers are left
// alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	arg := 0
	inSingle := false
	inDouble := false
	for _, r := range query {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == '?' && !inSingle && !inDouble:
			arg++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ConversationDDL returns the statements that lazily create the conversation
// message table. All variants are idempotent.
func (d Dialect) ConversationDDL(table string) []string {
	switch d {
	case DialectSQLite:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
id INTEGER PRIMARY KEY AUTOINCREMENT,
context TEXT NOT NULL,
role TEXT NOT NULL,
content TEXT NOT NULL,
created_at TIMESTAMP NOT NULL)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_context_idx ON %s (context)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at)`, table, table),
		}
	case DialectDuckDB:
		return []string{
			fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_id_seq`, table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
id BIGINT PRIMARY KEY DEFAULT nextval('%s_id_seq'),
context TEXT NOT NULL,
role TEXT NOT NULL,
content TEXT NOT NULL,
created_at TIMESTAMP NOT NULL)`, table, table),
		}
	default:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
id BIGSERIAL PRIMARY KEY,
context TEXT NOT NULL,
role TEXT NOT NULL,
content TEXT NOT NULL,
created_at TIMESTAMPTZ NOT NULL)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_context_idx ON %s (context)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at)`, table, table),
		}
	}
}
