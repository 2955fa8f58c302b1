package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	role, model, status string
	inputTokens         int
	outputTokens        int
}

type fakeAuditor struct {
	calls []recordedCall
}

func (f *fakeAuditor) LLMCall(session, role, model, provider string, in, out int, d time.Duration, status string) {
	f.calls = append(f.calls, recordedCall{role, model, status, in, out})
}

func newFakeProvider(t *testing.T, handler func(req map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
}

func completionBody(text string, in, out int) any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": in, "completion_tokens": out},
	}
}

func TestClient_Complete(t *testing.T) {
	var gotModel string
	srv := newFakeProvider(t, func(req map[string]any) any {
		gotModel = req["model"].(string)
		return completionBody("hello back", 11, 7)
	})
	defer srv.Close()

	auditor := &fakeAuditor{}
	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key", Auditor: auditor})

	resp, err := c.Complete(context.Background(), Request{
		Session:  "s1",
		Role:     "messenger",
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, 11, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)
	assert.Equal(t, "gpt-test", gotModel)

	require.Len(t, auditor.calls, 1)
	assert.Equal(t, recordedCall{"messenger", "gpt-test", "ok", 11, 7}, auditor.calls[0])
}

func TestClient_StructuredOutputRequest(t *testing.T) {
	var gotFormat map[string]any
	srv := newFakeProvider(t, func(req map[string]any) any {
		gotFormat, _ = req["response_format"].(map[string]any)
		return completionBody(`{"ok": true}`, 1, 1)
	})
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key"})
	_, err := c.Complete(context.Background(), Request{
		Role:     "planner",
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "plan"}},
		Schema:   &Schema{Name: "plan", Schema: probeSchema},
	})
	require.NoError(t, err)

	require.NotNil(t, gotFormat)
	assert.Equal(t, "json_schema", gotFormat["type"])
	js := gotFormat["json_schema"].(map[string]any)
	assert.Equal(t, true, js["strict"])
	assert.Equal(t, "plan", js["name"])
}

func TestClient_ProviderError(t *testing.T) {
	srv := newFakeProvider(t, func(req map[string]any) any {
		return map[string]any{"error": map[string]any{
			"type": "invalid_request_error", "message": "schema rejected",
		}}
	})
	defer srv.Close()

	auditor := &fakeAuditor{}
	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key", Auditor: auditor})
	_, err := c.Complete(context.Background(), Request{
		Role: "planner", Model: "gpt-test",
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema rejected")
	require.Len(t, auditor.calls, 1)
	assert.Equal(t, "error", auditor.calls[0].status)
}

func TestClient_Probe(t *testing.T) {
	srv := newFakeProvider(t, func(req map[string]any) any {
		if _, ok := req["response_format"]; !ok {
			return map[string]any{"error": map[string]any{"type": "bad", "message": "no schema"}}
		}
		return completionBody(`{"ok": true}`, 1, 1)
	})
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key"})
	assert.NoError(t, c.Probe(context.Background(), "planner", "gpt-test"))
}

func TestClient_ProbeFailureNamesRole(t *testing.T) {
	srv := newFakeProvider(t, func(req map[string]any) any {
		return map[string]any{"error": map[string]any{
			"type": "invalid_request_error", "message": "response_format unsupported",
		}}
	})
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "test-key"})
	err := c.Probe(context.Background(), "curator", "gpt-test")
	require.ErrorIs(t, err, ErrProviderUnsupported)
	assert.Contains(t, err.Error(), "curator")
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())
	err := b.Consume()
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 2, b.Used())
}

func TestClient_SearchUsesSearchEndpoint(t *testing.T) {
	var mainHits, searchHits int
	main := newFakeProvider(t, func(req map[string]any) any {
		mainHits++
		return completionBody("main", 1, 1)
	})
	defer main.Close()
	search := newFakeProvider(t, func(req map[string]any) any {
		searchHits++
		return completionBody("digest", 1, 1)
	})
	defer search.Close()

	c := NewClient(ClientConfig{BaseURL: main.URL, SearchBaseURL: search.URL, APIKey: "test-key"})
	resp, err := c.Complete(context.Background(), Request{
		Role: "searcher", Model: "gpt-search", WebSearch: true,
		Messages: []Message{{Role: "user", Content: "find things"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "digest", resp.Text)
	assert.Equal(t, 0, mainHits)
	assert.Equal(t, 1, searchHits)
}
