package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "1", Name: name, Arguments: json.RawMessage(args)}
}

func TestRestrictedToolsOffered(t *testing.T) {
	r := NewRestrictedExecutor(testArtifacts(), nil, 0)
	var names []string
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolGetArtifact, ToolListArtifacts, ToolReturnResult}, names)
}

func TestGetArtifact(t *testing.T) {
	r := NewRestrictedExecutor(testArtifacts(), nil, 0)
	ctx := context.Background()

	res, err := r.Execute(ctx, call(ToolGetArtifact, `{"id":"call"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	var a map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Output), &a))
	assert.Equal(t, "Discussed remote work", a["text"])

	res, err = r.Execute(ctx, call(ToolGetArtifact, `{"id":"nope"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "not found")

	res, _ = r.Execute(ctx, call(ToolGetArtifact, `{}`))
	assert.True(t, res.IsError)

	res, _ = r.Execute(ctx, call(ToolGetArtifact, `not json`))
	assert.True(t, res.IsError)
}

func TestListArtifactsFilters(t *testing.T) {
	r := NewRestrictedExecutor(testArtifacts(), nil, 0)

	res, err := r.Execute(context.Background(), call(ToolListArtifacts, `{"kind":"transcript"}`))
	require.NoError(t, err)
	var list []artifact.Summary
	require.NoError(t, json.Unmarshal([]byte(res.Output), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "call", list[0].ID)

	res, _ = r.Execute(context.Background(), call(ToolListArtifacts, ``))
	require.NoError(t, json.Unmarshal([]byte(res.Output), &list))
	assert.Len(t, list, 2)

	res, _ = r.Execute(context.Background(), call(ToolListArtifacts, `{"kind":"knowledge_card"}`))
	assert.Equal(t, "[]", res.Output)
}

func TestUnknownToolNeverExecutes(t *testing.T) {
	store := testArtifacts()
	r := NewRestrictedExecutor(store, nil, 0)

	res, err := r.Execute(context.Background(), call("delete_artifact", `{"id":"resume"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Nil(t, res.Final)

	_, err = store.Get(context.Background(), "resume")
	assert.NoError(t, err)
}

func TestReturnResult(t *testing.T) {
	r := NewRestrictedExecutor(testArtifacts(), nil, 0)

	res, _ := r.Execute(context.Background(), call(ToolReturnResult, `{}`))
	assert.True(t, res.IsError)
	_, ok := r.Final()
	assert.False(t, ok)

	res, _ = r.Execute(context.Background(), call(ToolReturnResult, `{"result":{"a":1}}`))
	assert.False(t, res.IsError)
	final, ok := r.Final()
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(final))
}

func TestToolBudget(t *testing.T) {
	r := NewRestrictedExecutor(testArtifacts(), nil, 1)

	_, err := r.Execute(context.Background(), call(ToolListArtifacts, `{}`))
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), call(ToolListArtifacts, `{}`))
	assert.ErrorIs(t, err, ErrToolBudgetExhausted)
	assert.Equal(t, 1, r.Calls())
}
