package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/conversation"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// fakeClient records requests and answers through reply.
type fakeClient struct {
	backend  llm.Backend
	declares bool
	reply    func(req *llm.Request) (*llm.Response, error)
	chunks   []string
	hold     chan struct{}

	mu       sync.Mutex
	requests []*llm.Request
	methods  []string
}

func (f *fakeClient) Backend() llm.Backend        { return f.backend }
func (f *fakeClient) DeclaresCapabilities() bool { return f.declares }

func (f *fakeClient) do(method string, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(req)
	}
	return &llm.Response{Text: "ok"}, nil
}

func (f *fakeClient) ExecuteText(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return f.do("text", req)
}

func (f *fakeClient) ExecuteTextWithImages(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return f.do("images", req)
}

func (f *fakeClient) ExecuteStructured(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return f.do("structured", req)
}

func (f *fakeClient) ExecuteStructuredWithImages(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return f.do("structured_images", req)
}

func (f *fakeClient) ExecuteWithTools(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return f.do("tools", req)
}

func (f *fakeClient) OpenStream(ctx context.Context, req *llm.Request) (llm.ChunkSource, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.methods = append(f.methods, "stream")
	f.mu.Unlock()
	return &fakeSource{ctx: ctx, chunks: append([]string(nil), f.chunks...), hold: f.hold}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeClient) last() *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// fakeSource yields chunks, then waits on hold (when set) before EOF.
type fakeSource struct {
	ctx    context.Context
	chunks []string
	hold   chan struct{}
}

func (s *fakeSource) Recv() (llm.StreamChunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return llm.StreamChunk{Delta: c}, nil
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-s.ctx.Done():
			return llm.StreamChunk{}, s.ctx.Err()
		}
	}
	return llm.StreamChunk{}, io.EOF
}

func (s *fakeSource) Close() error { return nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type harness struct {
	svc       *LLMService
	router    *fakeClient
	anthropic *fakeClient
	validator *capability.Validator
	store     *conversation.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	validator := capability.NewValidator()
	validator.Seed(
		capability.Record{ModelID: "vision/model", SupportsVision: true, SupportsStructuredOutput: true, SupportsJSONSchema: true},
		capability.Record{ModelID: "text/model", IsTextOnly: true, SupportsStructuredOutput: true},
	)
	router := &fakeClient{backend: llm.BackendOpenRouter, declares: true}
	anth := &fakeClient{backend: llm.BackendAnthropic}
	store := conversation.NewMemoryStore()
	exec := executor.New(executor.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, executor.WithSleep(noSleep))

	svc := NewLLMService(validator, exec, conversation.NewCoordinator(store, nil),
		WithClient(router, "vision/model"),
		WithClient(anth, "claude-sonnet"),
	)
	return &harness{svc: svc, router: router, anthropic: anth, validator: validator, store: store}
}

func TestExecuteText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	temp := 0.2
	out, err := h.svc.ExecuteText(ctx, llm.BackendOpenRouter, "hello", "", &temp)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "vision/model", h.router.last().Model)
	assert.Equal(t, &temp, h.router.last().Temperature)

	_, err = h.svc.ExecuteText(ctx, llm.BackendOpenAI, "hello", "m", nil)
	assert.ErrorIs(t, err, llm.ErrClient)

	assert.Equal(t, []llm.Backend{llm.BackendAnthropic, llm.BackendOpenRouter}, h.svc.Backends())
}

func TestUnknownModelIsRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ExecuteText(context.Background(), llm.BackendOpenRouter, "hi", "nobody/model", nil)
	require.ErrorIs(t, err, llm.ErrClient)
	assert.Contains(t, err.Error(), "model not found")
	assert.Zero(t, h.router.calls())
}

func TestVisionRequiresCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	img := llm.Attachment{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}

	_, err := h.svc.ExecuteVision(ctx, llm.BackendOpenRouter, "describe", []llm.Attachment{img}, "text/model")
	require.ErrorIs(t, err, llm.ErrClient)
	assert.Contains(t, err.Error(), "vision")
	assert.Zero(t, h.router.calls())

	_, err = h.svc.ExecuteVision(ctx, llm.BackendOpenRouter, "describe", nil, "vision/model")
	assert.ErrorIs(t, err, llm.ErrClient)

	_, err = h.svc.ExecuteVision(ctx, llm.BackendOpenRouter, "describe", []llm.Attachment{img}, "vision/model")
	require.NoError(t, err)
	assert.Equal(t, []string{"images"}, h.router.methods)
}

func TestBackendWithoutMetadataSkipsValidation(t *testing.T) {
	h := newHarness(t)
	img := llm.Attachment{Data: []byte{1}, MIMEType: "image/png"}

	_, err := h.svc.ExecuteVision(context.Background(), llm.BackendAnthropic, "describe", []llm.Attachment{img}, "unlisted-model")
	require.NoError(t, err)
	assert.Equal(t, 1, h.anthropic.calls())
}

func TestDisabledModelRejected(t *testing.T) {
	h := newHarness(t)
	h.validator.Disable("vision/model")

	_, err := h.svc.ExecuteText(context.Background(), llm.BackendOpenRouter, "hi", "vision/model", nil)
	assert.ErrorIs(t, err, capability.ErrModelDisabled)
	assert.Zero(t, h.router.calls())
}

var personSchema = llm.JSONSchema{
	Name: "person",
	Schema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}, "years": map[string]any{"type": "integer"}},
		"required":   []any{"name", "years"},
	},
	Strict: true,
}

func TestExecuteStructured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "```json\n{\"name\":\"Ada\",\"years\":9}\n```"}, nil
	}

	out, err := h.svc.ExecuteStructured(ctx, llm.BackendOpenRouter, "who", "vision/model", "person", personSchema.Schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","years":9}`, string(out))
	req := h.router.last()
	assert.Equal(t, llm.FormatJSONSchema, req.Format)
	require.NotNil(t, req.Schema)
	assert.Equal(t, "person", req.Schema.Name)
	assert.True(t, req.Schema.Strict)

	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: `{"name":"Ada"}`}, nil
	}
	_, err = h.svc.ExecuteStructuredWithSchema(ctx, llm.BackendOpenRouter, "who", "vision/model", personSchema)
	assert.ErrorIs(t, err, llm.ErrUnexpectedFormat)

	_, err = h.svc.ExecuteStructuredWithSchema(ctx, llm.BackendOpenRouter, "who", "text/model", personSchema)
	assert.ErrorIs(t, err, llm.ErrClient)
}

func TestFlexibleJSONFallsBackAfterRepeatedSchemaFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var formats []llm.ResponseFormat
	h.router.reply = func(req *llm.Request) (*llm.Response, error) {
		formats = append(formats, req.Format)
		if req.Format == llm.FormatJSONSchema {
			return &llm.Response{Text: "not json at all"}, nil
		}
		return &llm.Response{Text: `{"name":"Ada","years":9}`}, nil
	}

	for i := 0; i < 2; i++ {
		_, err := h.svc.ExecuteFlexibleJSON(ctx, llm.BackendOpenRouter, "who", "vision/model", personSchema)
		require.Error(t, err)
	}
	rec, _ := h.validator.Record("vision/model")
	assert.Equal(t, 2, rec.Failures.Consecutive)
	assert.False(t, h.validator.ShouldUseSchema("vision/model"))

	out, err := h.svc.ExecuteFlexibleJSON(ctx, llm.BackendOpenRouter, "who", "vision/model", personSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","years":9}`, string(out))
	assert.Equal(t, []llm.ResponseFormat{llm.FormatJSONSchema, llm.FormatJSONSchema, llm.FormatJSONObject}, formats)

	rec, _ = h.validator.Record("vision/model")
	assert.Equal(t, 2, rec.Failures.Consecutive)
}

func TestFlexibleJSONRetriesRejectedSchemaAsJSONObject(t *testing.T) {
	h := newHarness(t)

	var formats []llm.ResponseFormat
	h.router.reply = func(req *llm.Request) (*llm.Response, error) {
		formats = append(formats, req.Format)
		if req.Format == llm.FormatJSONSchema {
			return nil, &llm.StatusError{StatusCode: 400, Message: "response_format json_schema is not supported"}
		}
		return &llm.Response{Text: `{"name":"Ada","years":9}`}, nil
	}

	out, err := h.svc.ExecuteFlexibleJSON(context.Background(), llm.BackendOpenRouter, "who", "vision/model", personSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","years":9}`, string(out))
	assert.Equal(t, []llm.ResponseFormat{llm.FormatJSONSchema, llm.FormatJSONObject}, formats)

	rec, _ := h.validator.Record("vision/model")
	assert.Equal(t, 1, rec.Failures.Consecutive)
}

func TestFlexibleJSONUsesObjectModeWithoutSchemaSupport(t *testing.T) {
	h := newHarness(t)
	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: `{"name":"Ada","years":9}`}, nil
	}

	_, err := h.svc.ExecuteFlexibleJSON(context.Background(), llm.BackendOpenRouter, "who", "text/model", personSchema)
	require.NoError(t, err)
	assert.Equal(t, llm.FormatJSONObject, h.router.last().Format)
}

func TestFlexibleJSONSuccessResetsFailures(t *testing.T) {
	h := newHarness(t)
	h.validator.RecordSchemaFailure("vision/model")
	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: `{"name":"Ada","years":9}`}, nil
	}

	_, err := h.svc.ExecuteFlexibleJSON(context.Background(), llm.BackendOpenRouter, "who", "vision/model", personSchema)
	require.NoError(t, err)
	rec, _ := h.validator.Record("vision/model")
	assert.Zero(t, rec.Failures.Consecutive)
}

func TestExecuteWithTools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "1", Name: "lookup", Arguments: json.RawMessage(`{"q":"go"}`)}}}, nil
	}
	tools := []llm.Tool{{Name: "lookup", Parameters: map[string]any{"type": "object"}}}
	msgs := []llm.Message{llm.SystemMessage("be terse"), llm.UserMessage("find go jobs")}

	resp, err := h.svc.ExecuteWithTools(ctx, llm.BackendOpenRouter, msgs, tools, llm.ForceFunction("lookup"), "vision/model")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)

	req := h.router.last()
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, llm.ToolChoice{Mode: llm.ToolChoiceFunction, Function: "lookup"}, req.ToolChoice)

	_, err = h.svc.ExecuteWithTools(ctx, llm.BackendOpenRouter, msgs, tools, llm.ForceFunction("missing"), "vision/model")
	assert.ErrorIs(t, err, llm.ErrClient)
}

func TestInsufficientCreditsIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return nil, &llm.StatusError{StatusCode: 402, Message: "This request requires more credits. You requested up to 64000 tokens, but can only afford 14924."}
	}

	_, err := h.svc.ExecuteText(context.Background(), llm.BackendOpenRouter, "hi", "vision/model", nil)
	require.ErrorIs(t, err, llm.ErrInsufficientCredits)
	var lerr *llm.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 64000, lerr.Requested)
	assert.Equal(t, 14924, lerr.Available)
	assert.Equal(t, 1, h.router.calls())
}

func TestConversationRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	turn := 0
	h.router.reply = func(req *llm.Request) (*llm.Response, error) {
		turn++
		return &llm.Response{Text: strings.Repeat("a", turn)}, nil
	}

	id, reply, err := h.svc.StartConversation(ctx, llm.BackendOpenRouter, "you are a coach", "hi", "", "job-1", "interview")
	require.NoError(t, err)
	assert.Equal(t, "a", reply)
	assert.Equal(t, "you are a coach", h.router.last().System)

	reply, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, id, "next", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "aa", reply)
	assert.Len(t, h.router.last().Messages, 3)

	msgs, err := h.svc.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "aa", msgs[4].Text)

	convs, err := h.svc.Conversations(ctx, "job-1", "interview")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, id, convs[0].ID)
}

func TestFailedTurnPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _, err := h.svc.StartConversation(ctx, llm.BackendOpenRouter, "", "hi", "", "", "")
	require.NoError(t, err)

	h.router.reply = func(*llm.Request) (*llm.Response, error) {
		return nil, &llm.StatusError{StatusCode: 401, Message: "bad key"}
	}
	_, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, id, "next", nil, "")
	require.ErrorIs(t, err, llm.ErrUnauthorized)

	msgs, err := h.svc.Messages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, "unknown", "x", nil, "")
	assert.ErrorIs(t, err, llm.ErrClient)
}

func TestContinueWithImagesNeedsVision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _, err := h.svc.StartConversation(ctx, llm.BackendOpenRouter, "", "hi", "text/model", "", "")
	require.NoError(t, err)

	img := llm.Attachment{Data: []byte{1}, MIMEType: "image/png"}
	_, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, id, "look", []llm.Attachment{img}, "text/model")
	assert.ErrorIs(t, err, llm.ErrClient)

	_, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, id, "look", []llm.Attachment{img}, "vision/model")
	require.NoError(t, err)
	assert.Equal(t, "images", h.router.methods[len(h.router.methods)-1])
}

func TestStreamingPersistsOnceOnCompletion(t *testing.T) {
	h := newHarness(t)
	h.router.chunks = []string{"Hel", "lo", "!"}
	ctx := context.Background()

	st, id, err := h.svc.StartConversationStreaming(ctx, llm.BackendOpenRouter, "sys", "hi", "", "job", "chat")
	require.NoError(t, err)

	var got strings.Builder
	for chunk := range st.All() {
		got.WriteString(chunk.Delta)
	}
	require.NoError(t, st.Wait())
	assert.Equal(t, "Hello!", got.String())

	msgs, err := h.svc.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello!", msgs[2].Text)
	assert.Zero(t, h.svc.Executor().InFlight())

	h.router.chunks = []string{"again"}
	st, _, err = h.svc.ContinueConversationStreaming(ctx, llm.BackendOpenRouter, id, "more", nil, "")
	require.NoError(t, err)
	for range st.Chunks() {
	}
	assert.Equal(t, "again", st.Text())

	msgs, err = h.svc.Messages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestCancelledStreamPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _, err := h.svc.StartConversation(ctx, llm.BackendOpenRouter, "", "hi", "", "", "")
	require.NoError(t, err)

	h.router.chunks = []string{"partial"}
	h.router.hold = make(chan struct{})
	st, _, err := h.svc.ContinueConversationStreaming(ctx, llm.BackendOpenRouter, id, "more", nil, "")
	require.NoError(t, err)

	first := <-st.Chunks()
	assert.Equal(t, "partial", first.Delta)
	h.svc.CancelAll()
	require.NoError(t, st.Wait())

	msgs, err := h.svc.Messages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	h.router.hold = nil
	h.router.chunks = []string{"done"}
	_, err = h.svc.ContinueConversation(ctx, llm.BackendOpenRouter, id, "again", nil, "")
	require.NoError(t, err, "conversation lock must be released after cancel")
}
