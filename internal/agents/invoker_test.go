package agents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

type scriptedCompleter struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []CompletionRequest
}

func (s *scriptedCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func newTestInvoker(t *testing.T, llm Completer) *ChatInvoker {
	t.Helper()
	inv, err := NewChatInvoker(llm, nil, zap.NewNop())
	require.NoError(t, err)
	return inv
}

func TestChatInvokerPlan(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{
		`{"sections":["A","B","C","D"],"research_questions":["q?"],"estimated_sources":8}`,
	}}
	inv := newTestInvoker(t, llm)

	plan, err := inv.Plan(context.Background(), PlanInput{SessionID: "s1", Topic: "Quantum batteries"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, plan.Sections)
	assert.Equal(t, 8, plan.EstimatedSources)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, research.RoleManager, req.Role)
	assert.True(t, req.JSON)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Contains(t, req.Prompt, "Topic: Quantum batteries")
	assert.NotContains(t, req.Prompt, "rejected the previous plan")
}

func TestChatInvokerPlanIncludesRejectionNote(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{`{"sections":["A"]}`}}
	inv := newTestInvoker(t, llm)

	_, err := inv.Plan(context.Background(), PlanInput{SessionID: "s1", Topic: "t", Feedback: "too broad"})
	require.NoError(t, err)
	assert.Contains(t, llm.requests[0].Prompt, "too broad")
}

func TestChatInvokerReasksOnUnparseableReply(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{
		"I think the sections should be...",
		`{"sections":["A","B"]}`,
	}}
	inv := newTestInvoker(t, llm)

	plan, err := inv.Plan(context.Background(), PlanInput{SessionID: "s1", Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, plan.Sections)
	assert.Len(t, llm.requests, 2)
}

func TestChatInvokerGivesUpAfterReask(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"nope", "still nope"}}
	inv := newTestInvoker(t, llm)

	_, err := inv.Plan(context.Background(), PlanInput{SessionID: "s1", Topic: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)
	assert.Len(t, llm.requests, 2)
}

func TestChatInvokerPropagatesTransportError(t *testing.T) {
	llm := &scriptedCompleter{err: errors.New("connection refused")}
	inv := newTestInvoker(t, llm)

	_, err := inv.Critique(context.Background(), CritiqueInput{SessionID: "s1", Section: "A", Body: "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, llm.requests, 1)
}

func TestChatInvokerDraft(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"\n  Paragraph one.\n\nParagraph two.  \n"}}
	inv := newTestInvoker(t, llm)

	d, err := inv.Draft(context.Background(), DraftInput{
		SessionID: "s1",
		Topic:     "t",
		Section:   "Background",
		Sources: []research.Citation{
			{Title: "Paper", URL: "https://example.com/p", Excerpt: "Evidence"},
		},
		Feedback:          "cite more",
		UnsupportedClaims: []string{"claim x"},
		Attempt:           1,
	})
	require.NoError(t, err)
	assert.Equal(t, "Paragraph one.\n\nParagraph two.", d.Body)

	req := llm.requests[0]
	assert.False(t, req.JSON)
	assert.Contains(t, req.Prompt, "URL: https://example.com/p")
	assert.Contains(t, req.Prompt, "REVISION FEEDBACK: cite more")
	assert.Contains(t, req.Prompt, "- claim x")
}

func TestChatInvokerDraftRejectsEmptyBody(t *testing.T) {
	inv := newTestInvoker(t, &scriptedCompleter{replies: []string{"   "}})
	_, err := inv.Draft(context.Background(), DraftInput{SessionID: "s1", Topic: "t", Section: "A"})
	assert.Error(t, err)
}

func TestChatInvokerCritique(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{`{"has_issues":"yes","feedback":"thin","unsupported_claims":["c"],"quality_score":"4"}`}}
	inv := newTestInvoker(t, llm)

	v, err := inv.Critique(context.Background(), CritiqueInput{
		SessionID:    "s1",
		Section:      "A",
		Body:         "body",
		SourceTitles: []string{"One", "Two"},
	})
	require.NoError(t, err)
	assert.True(t, v.HasIssues)
	assert.Equal(t, "thin", v.Feedback)
	assert.Equal(t, []string{"c"}, v.UnsupportedClaims)

	req := llm.requests[0]
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	assert.Contains(t, req.Prompt, "Available sources: One, Two")
}

func TestLoadPromptsRejectsEmptyTemplate(t *testing.T) {
	_, err := LoadPrompts([]byte("manager:\n  template: x\nwriter:\n  template: y\ncritique:\n  template: \"\"\n"))
	assert.Error(t, err)
}

func TestLoadPromptsRejectsUnknownField(t *testing.T) {
	_, err := LoadPrompts([]byte("manager:\n  template: x\n  tempo: 1\n"))
	assert.Error(t, err)
}

func TestPromptRenderMissingField(t *testing.T) {
	p, err := LoadPrompts([]byte("manager:\n  template: \"{{.Nope}}\"\nwriter:\n  template: y\ncritique:\n  template: z\n"))
	require.NoError(t, err)
	_, err = p.Manager.Render(map[string]string{})
	assert.Error(t, err)
}

func TestOpenAICompleter(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": `{"sections":["A"]}`},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "gpt-4o-mini"}, srv.Client())
	reply, err := c.Complete(context.Background(), CompletionRequest{
		Role:        research.RoleManager,
		Prompt:      "plan it",
		Temperature: 0.7,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"sections":["A"]}`, reply)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.InDelta(t, 0.7, got["temperature"], 1e-9)
	rf, ok := got["response_format"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "json_object", rf["type"])
}

func TestOpenAICompleterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAICompleter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"}, srv.Client())
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	assert.Error(t, err)
}
