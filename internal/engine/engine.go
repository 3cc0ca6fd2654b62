// Package engine orchestrates one question end to end: resolve the effective
// context, guard against mutation intent, plan SQL with the model, validate
// the plan, execute it, and interpret the results into a final answer.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeffleyd/laragrep/internal/config"
	"github.com/jeffleyd/laragrep/internal/conversation"
	"github.com/jeffleyd/laragrep/internal/database"
	"github.com/jeffleyd/laragrep/internal/executor"
	"github.com/jeffleyd/laragrep/internal/llm"
	"github.com/jeffleyd/laragrep/internal/metadata"
	"github.com/jeffleyd/laragrep/internal/observability"
	"github.com/jeffleyd/laragrep/internal/plan"
)

// ErrEmptyQuestion reports a blank question after trimming.
var ErrEmptyQuestion = errors.New("question is required")

// ConfigurationError reports a deployment problem (unreachable database,
// unloadable schema) rather than a bad request or a misbehaving model.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// mutationPattern is intentionally narrow: it matches imperative SQL verbs as
// whole words so questions like "who deleted their account" pass through.
var mutationPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter)\b`)

// SchemaCatalog discovers live table metadata for the target database.
type SchemaCatalog interface {
	Load(ctx context.Context, db *sql.DB, excludeTables []string) ([]metadata.Table, error)
}

// ConversationStore persists the rolling exchange history. A nil store means
// memory is disabled.
type ConversationStore interface {
	GetMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	AppendExchange(ctx context.Context, conversationID, userText, assistantText string) error
}

// Connector resolves a database descriptor to a live handle.
type Connector interface {
	Get(ctx context.Context, cfg database.Config) (*sql.DB, error)
}

// Executor runs one validated plan step.
type Executor interface {
	Execute(ctx context.Context, db *sql.DB, dialect database.Dialect, step plan.Step, stepIndex int) (executor.ExecutedStep, executor.Telemetry, error)
}

type Request struct {
	Question       string
	ConversationID string
	Context        string
	Debug          *bool
}

type DebugInfo struct {
	Queries []executor.Telemetry `json:"queries"`
}

type Answer struct {
	Summary  string                  `json:"summary"`
	Steps    []executor.ExecutedStep `json:"steps,omitempty"`
	Query    string                  `json:"query,omitempty"`
	Bindings []any                   `json:"bindings,omitempty"`
	Results  []map[string]any        `json:"results,omitempty"`
	Debug    *DebugInfo              `json:"debug,omitempty"`
}

type Engine struct {
	Base          config.Config
	Logger        *slog.Logger
	LLM           llm.Client
	Catalog       SchemaCatalog
	Conversations ConversationStore
	Connections   Connector
	Executor      Executor
}

// New wires an engine with the default catalog and executor for the given
// configuration. The conversation store may be nil.
func New(cfg config.Config, logger *slog.Logger, client llm.Client, connections Connector, conversations ConversationStore) *Engine {
	return &Engine{
		Base:          cfg,
		Logger:        logger,
		LLM:           client,
		Catalog:       &metadata.InformationSchemaLoader{Schema: cfg.SchemaName},
		Conversations: conversations,
		Connections:   connections,
		Executor:      executor.Runner{Timeout: cfg.Query.Timeout},
	}
}

// AnswerQuestion runs the full pipeline for one question. Conversation storage
// failures degrade to stateless behavior; every other failure is surfaced.
func (e *Engine) AnswerQuestion(ctx context.Context, req Request) (Answer, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	observability.IncrementQuestions()

	contextName := strings.TrimSpace(req.Context)
	if contextName == "" {
		contextName = "default"
	}
	effective := config.ResolveContext(e.Base, contextName)
	debug := effective.Debug
	if req.Debug != nil {
		debug = *req.Debug
	}

	if effective.MutationGuard && mutationPattern.MatchString(question) {
		observability.IncrementRefusal("mutation_guard")
		e.recordExchange(ctx, effective, req.ConversationID, question, effective.RefusalMessage)
		return refusalAnswer(effective.RefusalMessage, debug), nil
	}

	dbConfig := effective.EffectiveDatabase()
	db, err := e.Connections.Get(ctx, database.Config{
		Driver:          dbConfig.Driver,
		DSN:             dbConfig.DSN,
		MaxOpenConns:    dbConfig.MaxOpenConns,
		MaxIdleConns:    dbConfig.MaxIdleConns,
		ConnMaxIdleTime: dbConfig.ConnMaxIdleTime,
		ConnMaxLifetime: dbConfig.ConnMaxLifetime,
	})
	if err != nil {
		return Answer{}, &ConfigurationError{Err: fmt.Errorf("connect database: %w", err)}
	}
	dialect := database.DialectFor(dbConfig.Driver)

	loaded, err := e.Catalog.Load(ctx, db, effective.ExcludeTables)
	if err != nil {
		if len(effective.Metadata) == 0 {
			return Answer{}, &ConfigurationError{Err: fmt.Errorf("load schema: %w", err)}
		}
		e.logger().WarnContext(ctx, "schema_load_failed",
			slog.String("error", err.Error()),
			slog.String("fallback", "configured metadata"))
		loaded = nil
	}
	tables := metadata.Merge(loaded, effective.Metadata)
	knownTables := metadata.KnownTables(tables)

	history := e.loadHistory(ctx, effective, req.ConversationID)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: planningPrompt(effective, dbConfig.Driver, tables)})
	for _, entry := range history {
		messages = append(messages, llm.Message{Role: entry.Role, Content: entry.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	raw, err := e.completeWithRetry(ctx, "planning", messages)
	if err != nil {
		return Answer{}, err
	}

	queryPlan, err := plan.Interpret(raw, knownTables)
	if err != nil {
		observability.IncrementPlanRejection(rejectionReason(err))
		return Answer{}, err
	}

	if len(queryPlan.Steps) == 0 {
		summary := strings.TrimSpace(queryPlan.Summary)
		if summary == "" {
			summary = effective.RefusalMessage
		}
		observability.IncrementRefusal("empty_plan")
		e.recordExchange(ctx, effective, req.ConversationID, question, summary)
		return refusalAnswer(summary, debug), nil
	}

	executed := make([]executor.ExecutedStep, 0, len(queryPlan.Steps))
	telemetry := make([]executor.Telemetry, 0, len(queryPlan.Steps))
	for i, step := range queryPlan.Steps {
		result, timing, err := e.Executor.Execute(ctx, db, dialect, step, i)
		if err != nil {
			return Answer{}, err
		}
		observability.ObserveQueryDuration(time.Duration(timing.TimeMs * float64(time.Millisecond)))
		executed = append(executed, result)
		telemetry = append(telemetry, timing)
	}

	summary, err := e.interpretResults(ctx, effective, question, executed)
	if err != nil {
		return Answer{}, err
	}

	e.recordExchange(ctx, effective, req.ConversationID, question, summary)

	answer := Answer{
		Summary:  summary,
		Steps:    executed,
		Query:    executed[0].Query,
		Bindings: executed[0].Bindings,
		Results:  executed[0].Results,
	}
	if debug {
		answer.Debug = &DebugInfo{Queries: telemetry}
	}
	return answer, nil
}

// refusalAnswer carries only the summary; a refusal executed nothing, so no
// steps or result keys appear in the response. Debug telemetry stays present
// but empty when the caller asked for it.
func refusalAnswer(summary string, debug bool) Answer {
	answer := Answer{Summary: summary}
	if debug {
		answer.Debug = &DebugInfo{Queries: []executor.Telemetry{}}
	}
	return answer
}

func planningPrompt(cfg config.Config, driver string, tables []metadata.Table) string {
	var b strings.Builder
	b.WriteString(cfg.SystemPrompt)
	b.WriteString(" Use the available schema to produce one or more safe SQL SELECT queries that answer the user's question.")
	b.WriteString(` Respond strictly in JSON with the format {"steps": [{"query": "...", "bindings": []}, ...], "summary": "..."}.`)
	b.WriteString(" Use ? placeholders for every literal value and supply the values through bindings.")
	b.WriteString(" Only use SELECT statements; never produce CREATE, INSERT, UPDATE, DELETE, DROP, ALTER, or any other mutating commands.")
	b.WriteString(" If the question cannot be answered with a read-only query, return an empty steps list and explain why in the summary.")
	b.WriteString("\n\nDatabase: ")
	b.WriteString(driver)
	b.WriteString("\nUser language: ")
	b.WriteString(cfg.UserLanguage)
	b.WriteString("\n\nAvailable schema information:\n")
	b.WriteString(metadata.BuildSchemaContext(tables))
	return b.String()
}

func (e *Engine) interpretResults(ctx context.Context, cfg config.Config, question string, executed []executor.ExecutedStep) (string, error) {
	stepsJSON, err := json.Marshal(executed)
	if err != nil {
		return "", fmt.Errorf("marshal executed steps: %w", err)
	}

	system := fmt.Sprintf(
		"You are a helpful assistant that writes a business-oriented summary of database results. "+
			"Answer the user's question using only the executed queries and their results. "+
			"The summary only reports the requested result. "+
			"Do not mention SQL, queries, bindings, code, or technical terms. "+
			"Respond in %s.", cfg.UserLanguage)
	user := question + "\n\nExecuted queries (JSON): " + string(stepsJSON)

	raw, err := e.completeWithRetry(ctx, "interpretation", []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	summary, err := llm.Content(raw)
	if err != nil {
		return "", &plan.MalformedResponseError{Reason: "interpretation contains no message content"}
	}
	return summary, nil
}

// completeWithRetry calls the model once and retries a single time on
// transport or upstream failures. Validation errors never retry.
func (e *Engine) completeWithRetry(ctx context.Context, phase string, messages []llm.Message) ([]byte, error) {
	var raw []byte
	operation := func() error {
		var err error
		raw, err = e.LLM.Complete(ctx, messages)
		observability.ObserveModelCall(phase, err)
		if err == nil {
			return nil
		}
		var upstream *llm.UpstreamError
		if errors.As(err, &upstream) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *Engine) loadHistory(ctx context.Context, cfg config.Config, conversationID string) []conversation.Message {
	if e.Conversations == nil || !cfg.Conversation.Enabled || strings.TrimSpace(conversationID) == "" {
		return nil
	}
	history, err := e.Conversations.GetMessages(ctx, conversationID)
	if err != nil {
		observability.IncrementConversationFailure()
		e.logger().WarnContext(ctx, "conversation_load_failed", slog.String("error", err.Error()))
		return nil
	}
	return history
}

func (e *Engine) recordExchange(ctx context.Context, cfg config.Config, conversationID, question, answer string) {
	if e.Conversations == nil || !cfg.Conversation.Enabled || strings.TrimSpace(conversationID) == "" {
		return
	}
	if err := e.Conversations.AppendExchange(ctx, conversationID, question, answer); err != nil {
		observability.IncrementConversationFailure()
		e.logger().WarnContext(ctx, "conversation_append_failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func rejectionReason(err error) string {
	var malformed *plan.MalformedResponseError
	var missingQuery *plan.MissingQueryError
	var unsafe *plan.UnsafeQueryError
	var unknownTable *plan.UnknownTableError
	var invalidBindings *plan.InvalidBindingsError
	switch {
	case errors.As(err, &malformed):
		return "malformed_response"
	case errors.As(err, &missingQuery):
		return "missing_query"
	case errors.As(err, &unsafe):
		return "unsafe_query"
	case errors.As(err, &unknownTable):
		return "unknown_table"
	case errors.As(err, &invalidBindings):
		return "invalid_bindings"
	case errors.Is(err, plan.ErrEmptyPlan):
		return "empty_plan"
	default:
		return "other"
	}
}
