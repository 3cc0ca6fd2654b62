package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jeffleyd/laragrep/internal/engine"
	"github.com/jeffleyd/laragrep/internal/executor"
	"github.com/jeffleyd/laragrep/internal/llm"
	"github.com/jeffleyd/laragrep/internal/plan"
)

func postAsk(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body)))
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestAskSuccess(t *testing.T) {
	eng := &fakeEngine{answer: engine.Answer{
		Summary: "Alice is the only active user.",
		Steps: []executor.ExecutedStep{{
			Query:    "SELECT name FROM users WHERE status = ?",
			Bindings: []any{"active"},
			Results:  []map[string]any{{"name": "Alice"}},
		}},
		Query:    "SELECT name FROM users WHERE status = ?",
		Bindings: []any{"active"},
		Results:  []map[string]any{{"name": "Alice"}},
	}}
	handler := newHandler(t, testHandlerConfig(t), Dependencies{Engine: eng})

	rr := postAsk(t, handler, `{"question":"Which users are active?","conversation_id":"conv-1","context":"reporting","debug":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["summary"] != "Alice is the only active user." {
		t.Fatalf("summary = %v", body["summary"])
	}
	if body["query"] != "SELECT name FROM users WHERE status = ?" {
		t.Fatalf("query = %v", body["query"])
	}
	steps, ok := body["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps = %v", body["steps"])
	}

	if eng.last.ConversationID != "conv-1" || eng.last.Context != "reporting" {
		t.Fatalf("request passthrough = %+v", eng.last)
	}
	if eng.last.Debug == nil || !*eng.last.Debug {
		t.Fatalf("debug flag = %v", eng.last.Debug)
	}
}

func TestAskRefusalBodyOmitsSteps(t *testing.T) {
	eng := &fakeEngine{answer: engine.Answer{Summary: "Sorry, read-only questions only."}}
	handler := newHandler(t, testHandlerConfig(t), Dependencies{Engine: eng})

	rr := postAsk(t, handler, `{"question":"Drop the users table"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if _, ok := body["steps"]; ok {
		t.Fatalf("refusal body must not carry a steps key: %s", rr.Body.String())
	}
	if _, ok := body["results"]; ok {
		t.Fatalf("refusal body must not carry a results key: %s", rr.Body.String())
	}
	if body["summary"] != "Sorry, read-only questions only." {
		t.Fatalf("summary = %v", body["summary"])
	}
}

func TestAskEmptyQuestion(t *testing.T) {
	eng := &fakeEngine{}
	handler := newHandler(t, testHandlerConfig(t), Dependencies{Engine: eng})

	rr := postAsk(t, handler, `{"question":"   "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "QUESTION_REQUIRED" {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if eng.calls != 0 {
		t.Fatal("engine must not run for an empty question")
	}
}

func TestAskInvalidJSON(t *testing.T) {
	handler := newHandler(t, testHandlerConfig(t), Dependencies{Engine: &fakeEngine{}})

	rr := postAsk(t, handler, `{"question": "x", "unknown_field": 1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "INVALID_JSON" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestAskErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"missing api key", llm.ErrMissingAPIKey, http.StatusInternalServerError, "MISSING_API_KEY", false},
		{"configuration", &engine.ConfigurationError{Err: llm.ErrNoMessages}, http.StatusInternalServerError, "CONFIGURATION_ERROR", false},
		{"upstream", &llm.UpstreamError{Status: 429, Body: "rate limited"}, http.StatusBadGateway, "MODEL_UNAVAILABLE", true},
		{"malformed", &plan.MalformedResponseError{Reason: "not json"}, http.StatusUnprocessableEntity, "MALFORMED_RESPONSE", false},
		{"missing query", &plan.MissingQueryError{Step: 1}, http.StatusUnprocessableEntity, "MISSING_QUERY", false},
		{"unsafe query", &plan.UnsafeQueryError{Step: 0, Query: "DELETE FROM users"}, http.StatusUnprocessableEntity, "UNSAFE_QUERY", false},
		{"unknown table", &plan.UnknownTableError{Step: 0, Table: "secrets"}, http.StatusUnprocessableEntity, "UNKNOWN_TABLE", false},
		{"invalid bindings", &plan.InvalidBindingsError{Step: 0}, http.StatusUnprocessableEntity, "INVALID_BINDINGS", false},
		{"empty plan", plan.ErrEmptyPlan, http.StatusUnprocessableEntity, "EMPTY_PLAN", false},
		{"execution", &executor.ExecutionError{Step: 0, Query: "SELECT 1", Err: llm.ErrNoMessages}, http.StatusInternalServerError, "QUERY_EXECUTION_FAILED", false},
		{"unknown", llm.ErrNoMessages, http.StatusInternalServerError, "INTERNAL", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newHandler(t, testHandlerConfig(t), Dependencies{Engine: &fakeEngine{err: tc.err}})
			rr := postAsk(t, handler, `{"question":"Who is active?"}`)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			if body["retryable"] != tc.retryable {
				t.Fatalf("retryable = %v, want %v", body["retryable"], tc.retryable)
			}
			if body["trace_id"] == "" {
				t.Fatal("expected trace id in error body")
			}
		})
	}
}

func TestAskUnknownTableErrorContext(t *testing.T) {
	handler := newHandler(t, testHandlerConfig(t), Dependencies{
		Engine: &fakeEngine{err: &plan.UnknownTableError{Step: 2, Table: "secrets"}},
	})
	rr := postAsk(t, handler, `{"question":"Show secrets"}`)
	body := decodeBody(t, rr)
	extra, ok := body["context"].(map[string]any)
	if !ok {
		t.Fatalf("context = %v", body["context"])
	}
	if extra["table"] != "secrets" || extra["step"] != float64(2) {
		t.Fatalf("context = %v", extra)
	}
}
