// Package executor runs a single planned SQL step against a live database and
// materializes the result rows into JSON-friendly maps.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jeffleyd/laragrep/internal/database"
	"github.com/jeffleyd/laragrep/internal/plan"
)

// ExecutionError wraps a database failure with the step that produced it.
type ExecutionError struct {
	Step  int
	Query string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %d: execute query: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutedStep is one completed plan step together with its result set.
type ExecutedStep struct {
	Query    string           `json:"query"`
	Bindings []any            `json:"bindings"`
	Results  []map[string]any `json:"results"`
}

// Telemetry records per-step timing for debug responses.
type Telemetry struct {
	Query    string  `json:"query"`
	Bindings []any   `json:"bindings"`
	TimeMs   float64 `json:"time"`
}

// Runner executes validated plan steps. Timeout bounds each individual
// statement; zero means the caller's context is the only bound.
type Runner struct {
	Timeout time.Duration
}

// Execute runs one step and returns its rows plus timing telemetry. The query
// is rebound for the target dialect before execution.
func (r Runner) Execute(ctx context.Context, db *sql.DB, dialect database.Dialect, step plan.Step, stepIndex int) (ExecutedStep, Telemetry, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	bindings := step.Bindings
	if bindings == nil {
		bindings = []any{}
	}

	started := time.Now()
	rows, err := db.QueryContext(ctx, dialect.Rebind(step.Query), bindings...)
	if err != nil {
		return ExecutedStep{}, Telemetry{}, &ExecutionError{Step: stepIndex, Query: step.Query, Err: err}
	}
	defer func() { _ = rows.Close() }()

	results, err := scanRows(rows)
	if err != nil {
		return ExecutedStep{}, Telemetry{}, &ExecutionError{Step: stepIndex, Query: step.Query, Err: err}
	}
	elapsed := time.Since(started)

	executed := ExecutedStep{Query: step.Query, Bindings: bindings, Results: results}
	telemetry := Telemetry{
		Query:    step.Query,
		Bindings: bindings,
		TimeMs:   float64(elapsed.Microseconds()) / 1000.0,
	}
	return executed, telemetry, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// normalizeValue keeps result maps JSON-friendly: drivers commonly return
// []byte for text columns, which json.Marshal would base64-encode.
func normalizeValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}
