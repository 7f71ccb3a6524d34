package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trial-scout/backend/pkg/errors"
)

// completionStub serves an OpenAI-compatible chat completions endpoint and
// captures the last request body for assertions.
type completionStub struct {
	t        *testing.T
	handler  func(w http.ResponseWriter, calls int64)
	calls    atomic.Int64
	lastBody []byte
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name"`
	ToolCallID string `json:"tool_call_id"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func (s *completionStub) serve() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.lastBody = body
		s.handler(w, s.calls.Add(1))
	})
	return httptest.NewServer(mux)
}

func (s *completionStub) request() wireRequest {
	var req wireRequest
	if err := json.Unmarshal(s.lastBody, &req); err != nil {
		s.t.Fatalf("request body did not parse: %v", err)
	}
	return req
}

func writeCompletion(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{
		"id": "chatcmpl-test", "object": "chat.completion", "created": 1,
		"model": "test-model",
		"choices": [{"index": 0, "finish_reason": "stop", "message": ` + message + `}]
	}`))
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error": {"message": "` + msg + `", "type": "server_error"}}`))
}

func newTestGateway(baseURL string, retries int) *LLMGateway {
	return NewLLMGateway(GatewayOptions{
		BaseURL:     baseURL,
		DecideModel: "test-model",
		Timeout:     5 * time.Second,
		MaxRetries:  retries,
	})
}

func TestDecideParsesToolRequests(t *testing.T) {
	stub := &completionStub{t: t, handler: func(w http.ResponseWriter, _ int64) {
		writeCompletion(w, `{
			"role": "assistant", "content": "",
			"tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "search_clinical_trials", "arguments": "{\"search_term\": \"breast cancer\", \"max_results\": 5}"}},
				{"id": "call_2", "type": "function", "function": {"name": "query_pharmacology_database", "arguments": "{\"question\": \"what targets GPER\"}"}}
			]
		}`)
	}}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 1)
	decision, err := gw.Decide(context.Background(), []Message{{Role: RoleUser, Content: "find trials"}}, []Tool{
		{Type: "function", Function: FunctionDefinition{Name: "search_clinical_trials", Parameters: map[string]interface{}{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if len(decision.Requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(decision.Requests))
	}
	first := decision.Requests[0]
	if first.ID != "call_1" || first.Name != "search_clinical_trials" {
		t.Errorf("first request = %+v", first)
	}
	if term, _ := first.Arguments["search_term"].(string); term != "breast cancer" {
		t.Errorf("search_term = %v", first.Arguments["search_term"])
	}
	if first.ParseErr != nil {
		t.Errorf("unexpected parse error: %v", first.ParseErr)
	}

	// catalog must have gone out on the wire
	req := stub.request()
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search_clinical_trials" {
		t.Errorf("tools on the wire = %+v", req.Tools)
	}
	if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
		t.Error("first message should be the system prompt")
	}
}

func TestDecideDirectAnswer(t *testing.T) {
	stub := &completionStub{t: t, handler: func(w http.ResponseWriter, _ int64) {
		writeCompletion(w, `{"role": "assistant", "content": "A phase 3 trial tests efficacy at scale."}`)
	}}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 1)
	decision, err := gw.Decide(context.Background(), []Message{{Role: RoleUser, Content: "what is phase 3?"}}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(decision.Requests) != 0 {
		t.Errorf("requests = %d, want 0", len(decision.Requests))
	}
	if decision.Answer == "" {
		t.Error("expected a direct answer")
	}
}

func TestDecideKeepsMalformedArgumentsAsParseErr(t *testing.T) {
	stub := &completionStub{t: t, handler: func(w http.ResponseWriter, _ int64) {
		writeCompletion(w, `{
			"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "search_clinical_trials", "arguments": "{not json"}}]
		}`)
	}}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 1)
	decision, err := gw.Decide(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Decide should not fail the whole step: %v", err)
	}
	if len(decision.Requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(decision.Requests))
	}
	if decision.Requests[0].ParseErr == nil {
		t.Error("ParseErr should be set for malformed arguments")
	}
	if decision.Requests[0].Arguments != nil {
		t.Error("Arguments should stay nil for malformed input")
	}
}

func TestCreateChatCompletionRetriesTransient(t *testing.T) {
	stub := &completionStub{t: t}
	stub.handler = func(w http.ResponseWriter, calls int64) {
		if calls == 1 {
			writeAPIError(w, http.StatusInternalServerError, "upstream hiccup")
			return
		}
		writeCompletion(w, `{"role": "assistant", "content": "recovered"}`)
	}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 3)
	answer, err := gw.Complete(context.Background(), "say something", 64)
	if err != nil {
		t.Fatalf("Complete should recover after a 500: %v", err)
	}
	if answer != "recovered" {
		t.Errorf("answer = %q", answer)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestCreateChatCompletionDoesNotRetryClientErrors(t *testing.T) {
	stub := &completionStub{t: t}
	stub.handler = func(w http.ResponseWriter, _ int64) {
		writeAPIError(w, http.StatusBadRequest, "bad request")
	}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 3)
	_, err := gw.Complete(context.Background(), "say something", 64)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 4xx)", got)
	}
	if !errors.IsErrorType(err, errors.ErrorTypeGateway) {
		t.Errorf("error should carry the gateway type, got %v", err)
	}
}

func TestSynthesizeWireFormat(t *testing.T) {
	stub := &completionStub{t: t, handler: func(w http.ResponseWriter, _ int64) {
		writeCompletion(w, `{"role": "assistant", "content": "Here is what the registry shows."}`)
	}}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 1)
	outcomes := []ToolOutcome{
		{
			ID:           "call_1",
			DupIDs:       []string{"call_3"},
			Name:         "search_clinical_trials",
			RawArguments: `{"search_term": "breast cancer"}`,
			Result:       "2 trials found",
		},
		{
			ID:            "call_2",
			Name:          "query_pharmacology_database",
			RawArguments:  `{"question": "GPER agonists"}`,
			Failed:        true,
			FailureReason: "tool upstream unreachable",
		},
	}

	answer, err := gw.Synthesize(context.Background(), []Message{{Role: RoleUser, Content: "breast cancer trials and GPER drugs"}}, outcomes)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if answer != "Here is what the registry shows." {
		t.Errorf("answer = %q", answer)
	}

	req := stub.request()
	var assistant *wireMessage
	var toolMsgs []wireMessage
	for i := range req.Messages {
		m := req.Messages[i]
		switch {
		case len(m.ToolCalls) > 0:
			assistant = &req.Messages[i]
		case m.Role == "tool":
			toolMsgs = append(toolMsgs, m)
		}
	}

	if assistant == nil {
		t.Fatal("no assistant message carrying tool_calls")
	}
	if len(assistant.ToolCalls) != 3 {
		t.Fatalf("assistant tool_calls = %d, want 3 (dup id included)", len(assistant.ToolCalls))
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("tool messages = %d, want 3", len(toolMsgs))
	}

	// every requester id gets a response, duplicates reuse the result
	byID := map[string]string{}
	for _, m := range toolMsgs {
		byID[m.ToolCallID] = m.Content
	}
	if byID["call_1"] != "2 trials found" || byID["call_3"] != "2 trials found" {
		t.Errorf("deduplicated requesters should share the result: %+v", byID)
	}
	if byID["call_2"] != "tool query_pharmacology_database failed: tool upstream unreachable" {
		t.Errorf("failure should surface as negative evidence, got %q", byID["call_2"])
	}
}

func TestSynthesizeEmptyAnswerIsError(t *testing.T) {
	stub := &completionStub{t: t, handler: func(w http.ResponseWriter, _ int64) {
		writeCompletion(w, `{"role": "assistant", "content": "  "}`)
	}}
	srv := stub.serve()
	defer srv.Close()

	gw := newTestGateway(srv.URL, 1)
	if _, err := gw.Synthesize(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil); err == nil {
		t.Error("blank synthesis content should be an error")
	}
}
