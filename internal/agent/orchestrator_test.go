package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

var errUnused = errors.New("not used by agents")

type baseClient struct{}

func (baseClient) Backend() llm.Backend { return llm.BackendOpenRouter }
func (baseClient) ExecuteText(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errUnused
}
func (baseClient) ExecuteTextWithImages(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errUnused
}
func (baseClient) ExecuteStructured(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errUnused
}
func (baseClient) ExecuteStructuredWithImages(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errUnused
}

func toolCall(name, args string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}}}
}

func returnResult(v string) *llm.Response {
	return toolCall(ToolReturnResult, `{"result":`+v+`}`)
}

// scriptedClient drives agents over a stateless message history. The first
// user message selects the behavior.
type scriptedClient struct {
	baseClient
	delay time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	lastTool  map[string]string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{lastTool: make(map[string]string)}
}

func (c *scriptedClient) enter() {
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()
}

func (c *scriptedClient) leave() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

func (c *scriptedClient) ExecuteWithTools(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.enter()
	defer c.leave()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	prompt := req.Messages[0].Text
	turn := 1
	for _, m := range req.Messages {
		if m.Role == llm.RoleAssistant {
			turn++
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleTool {
		c.mu.Lock()
		c.lastTool[prompt] = last.Text
		c.mu.Unlock()
	}

	switch prompt {
	case "fail":
		return nil, llm.NewClientError("bad request")
	case "block":
		<-ctx.Done()
		return nil, ctx.Err()
	case "chatty":
		return &llm.Response{Text: "still thinking"}, nil
	case "looper":
		return toolCall(ToolListArtifacts, `{}`), nil
	case "rogue":
		if turn == 1 {
			return toolCall("write_file", `{"path":"/etc/passwd"}`), nil
		}
		return returnResult(`{"ok":true}`), nil
	case "sloppy":
		if turn == 1 {
			return returnResult(`{"title":"x"}`), nil
		}
		return returnResult(`{"title":"x","body":"y"}`), nil
	default:
		if turn == 1 {
			return toolCall(ToolGetArtifact, `{"id":"resume"}`), nil
		}
		return returnResult(fmt.Sprintf(`{"prompt":%q}`, prompt)), nil
	}
}

func (c *scriptedClient) toolOutput(prompt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTool[prompt]
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testArtifacts() *artifact.MemoryStore {
	return artifact.NewMemoryStore(
		&artifact.Artifact{ID: "resume", Kind: artifact.KindDocument, Title: "Resume", Text: "Go engineer, 8 years"},
		&artifact.Artifact{ID: "call", Kind: artifact.KindTranscript, Title: "Recruiter call", Text: "Discussed remote work"},
	)
}

func newTestOrchestrator(client llm.Client, cfg Config) *Orchestrator {
	exec := executor.New(executor.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, executor.WithSleep(noSleep))
	return NewOrchestrator(client, exec, testArtifacts(), nil, cfg, nil)
}

func TestDispatchIsolatesFailuresAndKeepsOrder(t *testing.T) {
	client := newScriptedClient()
	client.delay = 10 * time.Millisecond
	o := newTestOrchestrator(client, Config{MaxConcurrent: 3, DefaultModel: "m"})

	specs := []Spec{
		{Type: "knowledge_card", Name: "one", Prompt: "one"},
		{Type: "knowledge_card", Name: "two", Prompt: "fail"},
		{Type: "knowledge_card", Name: "three", Prompt: "three"},
		{Type: "knowledge_card", Name: "four", Prompt: "four"},
		{Type: "knowledge_card", Name: "five", Prompt: "five"},
	}
	results := o.Dispatch(context.Background(), specs)

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, specs[i].Name, r.Name)
		assert.NotEmpty(t, r.AgentID)
	}

	assert.Equal(t, activity.StatusFailed, results[1].Status)
	assert.ErrorIs(t, results[1].Err, llm.ErrClient)

	for _, i := range []int{0, 2, 3, 4} {
		r := results[i]
		require.True(t, r.OK(), "agent %s: %v", r.Name, r.Err)
		var out map[string]string
		require.NoError(t, json.Unmarshal(r.Output, &out))
		assert.Equal(t, specs[i].Prompt, out["prompt"])
		assert.Equal(t, 2, r.Turns)
		assert.Equal(t, 2, r.ToolCalls)
	}

	assert.LessOrEqual(t, client.maxActive, 3)
	assert.Equal(t, activity.Counts{Completed: 4, Failed: 1}, o.Tracker().Counts())
	assert.Contains(t, client.toolOutput("one"), "Go engineer, 8 years")
}

func TestKillFreesSlot(t *testing.T) {
	client := newScriptedClient()
	o := newTestOrchestrator(client, Config{MaxConcurrent: 1, DefaultModel: "m"})

	done := make(chan []Result)
	go func() {
		done <- o.Dispatch(context.Background(), []Spec{
			{Type: "research", Name: "blocker", Prompt: "block"},
			{Type: "research", Name: "after", Prompt: "after"},
		})
	}()

	var blockerID string
	require.Eventually(t, func() bool {
		for _, task := range o.Tracker().List() {
			if task.DisplayName == "blocker" && task.Status == activity.StatusRunning {
				blockerID = task.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Kill(blockerID))

	var results []Result
	select {
	case results = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish after kill")
	}

	assert.Equal(t, activity.StatusKilled, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrKilled)
	assert.True(t, results[1].OK())

	task, ok := o.Tracker().Get(blockerID)
	require.True(t, ok)
	assert.Equal(t, activity.StatusKilled, task.Status)
}

func TestAgentTimeoutFails(t *testing.T) {
	o := newTestOrchestrator(newScriptedClient(), Config{DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{{Type: "research", Prompt: "block", Timeout: 30 * time.Millisecond}})
	require.Len(t, results, 1)
	assert.Equal(t, activity.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, llm.ErrTimeout)
	assert.Contains(t, results[0].Err.Error(), "timed out")
}

func TestTurnBudgetExhausted(t *testing.T) {
	o := newTestOrchestrator(newScriptedClient(), Config{DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{{Type: "research", Prompt: "chatty", MaxTurns: 3}})
	assert.Equal(t, activity.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrTurnBudgetExhausted)
	assert.Equal(t, 3, results[0].Turns)

	task, _ := o.Tracker().Get(results[0].AgentID)
	var messages int
	for _, e := range task.Transcript {
		if e.Kind == "message" {
			messages++
		}
	}
	assert.Equal(t, 3, messages)
}

func TestToolBudgetExhausted(t *testing.T) {
	o := newTestOrchestrator(newScriptedClient(), Config{DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{{Type: "research", Prompt: "looper", MaxTurns: 10, MaxToolCalls: 2}})
	assert.Equal(t, activity.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrToolBudgetExhausted)
	assert.Equal(t, 2, results[0].ToolCalls)
}

func TestUnknownToolIsRejected(t *testing.T) {
	client := newScriptedClient()
	o := newTestOrchestrator(client, Config{DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{{Type: "research", Prompt: "rogue"}})
	require.True(t, results[0].OK())
	assert.Contains(t, client.toolOutput("rogue"), `tool "write_file" is not available`)
}

func TestResultSchemaRequiredKeys(t *testing.T) {
	client := newScriptedClient()
	o := newTestOrchestrator(client, Config{DefaultModel: "m"})

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"title": map[string]any{"type": "string"}, "body": map[string]any{"type": "string"}},
		"required":   []any{"title", "body"},
	}
	results := o.Dispatch(context.Background(), []Spec{{Type: "knowledge_card", Prompt: "sloppy", ResultSchema: schema}})
	require.True(t, results[0].OK())
	assert.JSONEq(t, `{"title":"x","body":"y"}`, string(results[0].Output))
	assert.Contains(t, client.toolOutput("sloppy"), "body")
}

func TestBackendWithoutToolsFails(t *testing.T) {
	o := newTestOrchestrator(baseClient{}, Config{DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{{Type: "research", Prompt: "x"}})
	assert.Equal(t, activity.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, llm.ErrClient)
}

// chainedClient keeps state server side: each agent only sends new items.
type chainedClient struct {
	baseClient

	mu    sync.Mutex
	turns map[string][]llm.TurnRequest
	seq   int
}

func (c *chainedClient) ExecuteTurn(_ context.Context, req *llm.TurnRequest) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++

	key := req.PreviousResponseID
	if key == "" {
		key = req.Input[0].Text
	} else {
		key = strings.SplitN(key, "#", 2)[0]
	}
	c.turns[key] = append(c.turns[key], *req)
	id := fmt.Sprintf("%s#%d", key, c.seq)

	if len(c.turns[key]) == 1 {
		resp := toolCall(ToolListArtifacts, `{"kind":"document"}`)
		resp.ID = id
		return resp, nil
	}
	resp := returnResult(fmt.Sprintf(`{"agent":%q}`, key))
	resp.ID = id
	return resp, nil
}

func TestChainedBackendKeepsOneChainPerAgent(t *testing.T) {
	client := &chainedClient{turns: make(map[string][]llm.TurnRequest)}
	o := newTestOrchestrator(client, Config{MaxConcurrent: 2, DefaultModel: "m"})

	results := o.Dispatch(context.Background(), []Spec{
		{Type: "research", Prompt: "alpha", SystemPrompt: "be brief"},
		{Type: "research", Prompt: "beta", SystemPrompt: "be brief"},
	})

	for _, name := range []string{"alpha", "beta"} {
		turns := client.turns[name]
		require.Len(t, turns, 2, name)
		assert.Empty(t, turns[0].PreviousResponseID)
		assert.True(t, strings.HasPrefix(turns[1].PreviousResponseID, name+"#"))
		require.Len(t, turns[1].Input, 1)
		assert.Equal(t, llm.RoleTool, turns[1].Input[0].Role)
		assert.Contains(t, turns[1].Input[0].Text, "Resume")
		assert.NotContains(t, turns[1].Input[0].Text, "Recruiter call")
		assert.Equal(t, "be brief", turns[1].Instructions)
	}
	for _, r := range results {
		require.True(t, r.OK())
	}
}
