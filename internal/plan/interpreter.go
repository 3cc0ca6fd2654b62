package plan

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jeffleyd/laragrep/internal/llm"
)

var selectPattern = regexp.MustCompile(`(?i)^select\b`)

// Interpret parses a raw chat completion into a validated Plan. knownTables is
// the case-folded allow-list derived from resolved schema metadata; when it is
// empty no schema is known and the table check is skipped.
func Interpret(raw []byte, knownTables map[string]struct{}) (Plan, error) {
	content, err := llm.Content(raw)
	if err != nil {
		return Plan{}, &MalformedResponseError{Reason: err.Error()}
	}

	var payload struct {
		Steps   json.RawMessage `json:"steps"`
		Summary json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal([]byte(stripMarkdownFence(content)), &payload); err != nil {
		return Plan{}, &MalformedResponseError{Reason: "message content is not a JSON object"}
	}

	var rawSteps []struct {
		Query    string          `json:"query"`
		Bindings json.RawMessage `json:"bindings"`
	}
	if len(payload.Steps) > 0 && !isJSONNull(payload.Steps) {
		if err := json.Unmarshal(payload.Steps, &rawSteps); err != nil {
			return Plan{}, &MalformedResponseError{Reason: "steps must be a list"}
		}
	}

	steps := make([]Step, 0, len(rawSteps))
	for i, rawStep := range rawSteps {
		query := strings.TrimSpace(rawStep.Query)
		if query == "" {
			return Plan{}, &MissingQueryError{Step: i}
		}
		if !selectPattern.MatchString(query) {
			return Plan{}, &UnsafeQueryError{Step: i, Query: query}
		}
		if len(knownTables) > 0 {
			for _, table := range ExtractTables(query) {
				if _, ok := knownTables[table]; !ok {
					return Plan{}, &UnknownTableError{Step: i, Table: table}
				}
			}
		}

		var bindings []any
		if len(rawStep.Bindings) > 0 && !isJSONNull(rawStep.Bindings) {
			if err := json.Unmarshal(rawStep.Bindings, &bindings); err != nil {
				return Plan{}, &InvalidBindingsError{Step: i}
			}
			for _, value := range bindings {
				switch value.(type) {
				case map[string]any, []any:
					return Plan{}, &InvalidBindingsError{Step: i}
				}
			}
		}

		steps = append(steps, Step{Query: query, Bindings: bindings})
	}

	var summary string
	if len(payload.Summary) > 0 {
		// Non-string summaries are treated as absent rather than fatal.
		_ = json.Unmarshal(payload.Summary, &summary)
	}
	summary = strings.TrimSpace(summary)

	if len(steps) == 0 && summary == "" {
		return Plan{}, ErrEmptyPlan
	}

	return Plan{Steps: steps, Summary: summary}, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// Models occasionally wrap the JSON payload in a markdown code fence despite
// instructions not to.
func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
