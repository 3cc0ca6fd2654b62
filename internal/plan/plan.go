// Package plan converts raw language-model output into a validated,
// executable query plan. It fails closed: anything that is not a well-formed
// set of SELECT steps over known tables is rejected before it can reach a
// database.
package plan

import (
	"errors"
	"fmt"
)

// Step is a single read-only query with ordered scalar bindings.
type Step struct {
	Query    string `json:"query"`
	Bindings []any  `json:"bindings"`
}

// Plan is the model's proposed set of steps plus an optional explanatory
// summary. A valid plan has steps, a summary, or both.
type Plan struct {
	Steps   []Step
	Summary string
}

// ErrEmptyPlan reports a plan with neither steps nor a summary.
var ErrEmptyPlan = errors.New("model returned neither steps nor a summary")

type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed model response: " + e.Reason
}

type MissingQueryError struct {
	Step int
}

func (e *MissingQueryError) Error() string {
	return fmt.Sprintf("step %d has no query", e.Step)
}

type UnsafeQueryError struct {
	Step  int
	Query string
}

func (e *UnsafeQueryError) Error() string {
	return fmt.Sprintf("step %d is not a SELECT statement: %s", e.Step, e.Query)
}

type UnknownTableError struct {
	Step  int
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("step %d references unknown table %q", e.Step, e.Table)
}

type InvalidBindingsError struct {
	Step int
}

func (e *InvalidBindingsError) Error() string {
	return fmt.Sprintf("step %d bindings must be a list of scalars", e.Step)
}
