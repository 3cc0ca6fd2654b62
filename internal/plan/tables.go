package plan

import (
	"regexp"
	"strings"
)

// tableRefPattern matches the identifier following FROM or JOIN. A subquery
// opener "(" cannot start the identifier, so derived tables are skipped; what
// is inside them still gets matched by the same scan.
var tableRefPattern = regexp.MustCompile("(?i)\\b(?:from|join)\\s+([`\"\\[\\]'\\w.]+)")

// ExtractTables returns the case-folded table names referenced by a query, in
// order of first appearance. Quoting, schema qualification, and anything after
// the bare identifier (aliases, ON clauses) are stripped. This is a heuristic
// over the SELECT-only grammar, not a SQL parser.
func ExtractTables(query string) []string {
	matches := tableRefPattern.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}

	tables := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		token := match[1]
		if dot := strings.LastIndex(token, "."); dot >= 0 {
			token = token[dot+1:]
		}
		token = strings.Trim(token, "`\"'[]")
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tables = append(tables, token)
	}
	return tables
}
