package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/agent"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/conversation"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/internal/middleware"
	"github.com/sprung-app/llm-orchestrator/internal/model"
	"github.com/sprung-app/llm-orchestrator/internal/service"
)

const testSecret = "test-secret"

type echoClient struct{}

func (echoClient) Backend() llm.Backend        { return llm.BackendOpenRouter }
func (echoClient) DeclaresCapabilities() bool { return true }

func (echoClient) reply(req *llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1].Text
	if last == "busy" {
		return nil, &llm.StatusError{StatusCode: 429, Message: "slow down", RetryAfter: 7 * time.Second}
	}
	return &llm.Response{Text: "echo: " + last}, nil
}

func (c echoClient) ExecuteText(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return c.reply(req)
}
func (c echoClient) ExecuteTextWithImages(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return c.reply(req)
}
func (echoClient) ExecuteStructured(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: `{"ok":true}`}, nil
}
func (echoClient) ExecuteStructuredWithImages(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: `{"ok":true}`}, nil
}
func (echoClient) ExecuteWithTools(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("no tools here")
}

func (echoClient) OpenStream(_ context.Context, _ *llm.Request) (llm.ChunkSource, error) {
	return &sliceSource{chunks: []string{"one ", "two"}}, nil
}

type sliceSource struct{ chunks []string }

func (s *sliceSource) Recv() (llm.StreamChunk, error) {
	if len(s.chunks) == 0 {
		return llm.StreamChunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return llm.StreamChunk{Delta: c}, nil
}

func (s *sliceSource) Close() error { return nil }

type testServer struct {
	handler http.Handler
	tracker *activity.Tracker
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()

	validator := capability.NewValidator()
	validator.Seed(capability.Record{ModelID: "m", SupportsStructuredOutput: true, SupportsJSONSchema: true})
	exec := executor.New(executor.Config{MaxRetries: 0, BaseDelay: time.Millisecond},
		executor.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	convs := conversation.NewCoordinator(conversation.NewMemoryStore(), nil)
	svc := service.NewLLMService(validator, exec, convs, service.WithClient(echoClient{}, "m"))

	store := artifact.NewMemoryStore()
	tracker := activity.NewTracker(nil)
	orch := agent.NewOrchestrator(echoClient{}, exec, store, tracker, agent.Config{DefaultModel: "m"}, nil)

	h := Handlers{
		Health:       NewHealthHandler(checks),
		LLM:          NewLLMHandler(svc, nil),
		Conversation: NewConversationHandler(svc, nil),
		Agent:        NewAgentHandler(orch, service.NewKnowledgeCardService(orch, store, nil), nil, nil),
	}
	router := NewRouter(RouterConfig{JWTSecret: testSecret, RateLimitRequests: 1000, RateLimitWindow: time.Minute}, h, nil)
	return &testServer{handler: router, tracker: tracker}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t, map[string]ReadinessCheck{
		"store": func(context.Context) error { return errors.New("closed") },
	})

	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store: closed")
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/llm/text", "", model.TextRequest{Backend: "openrouter", Prompt: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/llm/text", "garbage", model.TextRequest{Backend: "openrouter", Prompt: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTextEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := token(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/llm/text", tok, model.TextRequest{Backend: "openrouter", Prompt: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out model.TextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "echo: hi", out.Content)

	rec = srv.do(t, http.MethodPost, "/api/v1/llm/text", tok, model.TextRequest{Backend: "nope", Prompt: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/llm/text", tok, model.TextRequest{Backend: "anthropic", Prompt: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unconfigured backend is a client error")

	rec = srv.do(t, http.MethodPost, "/api/v1/llm/text", tok, model.TextRequest{Backend: "openrouter", Prompt: "busy"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestErrorResponseMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{llm.NewClientError("bad"), http.StatusBadRequest},
		{&llm.Error{Kind: llm.KindInsufficientCredits, Requested: 10, Available: 2}, http.StatusPaymentRequired},
		{&llm.Error{Kind: llm.KindInvalidModelID}, http.StatusNotFound},
		{&llm.Error{Kind: llm.KindTimeout}, http.StatusGatewayTimeout},
		{llm.NewCancelledError(nil), statusClientClosed},
		{&llm.Error{Kind: llm.KindTransport}, http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := errorResponse(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.NotEmpty(t, body.Error)
	}

	_, body := errorResponse(&llm.Error{Kind: llm.KindInsufficientCredits, Requested: 10, Available: 2})
	assert.Equal(t, 10, body.Requested)
	assert.Equal(t, 2, body.Available)
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := token(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/conversations", tok, model.StartConversationRequest{
		Backend: "openrouter", SystemPrompt: "coach", Message: "hello", ObjectID: "job-1", ObjectType: "job",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var started model.ReplyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "echo: hello", started.Content)

	rec = srv.do(t, http.MethodPost, "/api/v1/conversations/"+started.ConversationID+"/messages", tok,
		model.ContinueConversationRequest{Backend: "openrouter", Message: "again"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/conversations/"+started.ConversationID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, 5, conv.MessageCount)
	assert.Equal(t, "echo: again", conv.Messages[4].Content)

	rec = srv.do(t, http.MethodGet, "/api/v1/conversations?object_id=job-1&object_type=job", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = srv.do(t, http.MethodDelete, "/api/v1/conversations/"+started.ConversationID, tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/conversations/"+started.ConversationID, tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/conversations/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamingConversation(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := token(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/conversations", tok, model.StartConversationRequest{
		Backend: "openrouter", Message: "hello", Stream: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: token"))
	require.Contains(t, body, "event: done")
	assert.Contains(t, body, `"content":"one two"`)
}

func TestAgentRoutesNeedScope(t *testing.T) {
	srv := newTestServer(t, nil)

	req := model.DispatchRequest{Agents: []model.AgentSpec{{Type: "t", Prompt: "p"}}}
	rec := srv.do(t, http.MethodPost, "/api/v1/agents", token(t), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/agents", token(t, middleware.ScopeAgents), model.DispatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivityEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := token(t, middleware.ScopeAdmin)

	id := srv.tracker.Start("research", "Research")
	require.NoError(t, srv.tracker.MarkRunning(id))

	rec := srv.do(t, http.MethodGet, "/api/v1/activity", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ActivityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Counts.Running)

	rec = srv.do(t, http.MethodPost, "/api/v1/activity/"+id+"/kill", tok, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/activity/"+id+"/kill", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/activity/"+id, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task activity.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, activity.StatusKilled, task.Status)

	rec = srv.do(t, http.MethodPost, "/api/v1/activity/2b0fbc4e-58a4-4f0e-9a7e-4b4f7f1d8c11/kill", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/activity/"+id+"/history", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
