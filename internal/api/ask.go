package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jeffleyd/laragrep/internal/engine"
	"github.com/jeffleyd/laragrep/internal/executor"
	"github.com/jeffleyd/laragrep/internal/llm"
	"github.com/jeffleyd/laragrep/internal/plan"
)

type askRequest struct {
	Question       string `json:"question"`
	Debug          *bool  `json:"debug"`
	ConversationID string `json:"conversation_id"`
	Context        string `json:"context"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "question engine is not configured", false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	answer, err := deps.Engine.AnswerQuestion(r.Context(), engine.Request{
		Question:       request.Question,
		ConversationID: request.ConversationID,
		Context:        request.Context,
		Debug:          request.Debug,
	})
	if err != nil {
		writeAskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// writeAskError maps pipeline failures onto stable error codes: 4xx for bad
// requests, 422 for model output the service refuses to run, 502 for an
// unreachable model, and 500 for deployment or database problems.
func writeAskError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		configErr       *engine.ConfigurationError
		upstream        *llm.UpstreamError
		malformed       *plan.MalformedResponseError
		missingQuery    *plan.MissingQueryError
		unsafe          *plan.UnsafeQueryError
		unknownTable    *plan.UnknownTableError
		invalidBindings *plan.InvalidBindingsError
		execErr         *executor.ExecutionError
	)

	switch {
	case errors.Is(err, engine.ErrEmptyQuestion):
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
	case errors.Is(err, llm.ErrMissingAPIKey):
		writeError(r.Context(), w, http.StatusInternalServerError, "MISSING_API_KEY", "model api key is not configured", false, nil)
	case errors.As(err, &configErr):
		writeError(r.Context(), w, http.StatusInternalServerError, "CONFIGURATION_ERROR", configErr.Error(), false, nil)
	case errors.As(err, &upstream):
		writeError(r.Context(), w, http.StatusBadGateway, "MODEL_UNAVAILABLE", "model call failed", true, map[string]any{"status": upstream.Status})
	case errors.As(err, &malformed):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "MALFORMED_RESPONSE", malformed.Error(), false, nil)
	case errors.As(err, &missingQuery):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "MISSING_QUERY", missingQuery.Error(), false, map[string]any{"step": missingQuery.Step})
	case errors.As(err, &unsafe):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "UNSAFE_QUERY", unsafe.Error(), false, map[string]any{"step": unsafe.Step})
	case errors.As(err, &unknownTable):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "UNKNOWN_TABLE", unknownTable.Error(), false, map[string]any{"step": unknownTable.Step, "table": unknownTable.Table})
	case errors.As(err, &invalidBindings):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "INVALID_BINDINGS", invalidBindings.Error(), false, map[string]any{"step": invalidBindings.Step})
	case errors.Is(err, plan.ErrEmptyPlan):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "EMPTY_PLAN", "model returned neither steps nor a summary", false, nil)
	case errors.As(err, &execErr):
		writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"step": execErr.Step})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", true, nil)
	}
}
