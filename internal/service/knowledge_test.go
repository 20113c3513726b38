package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/agent"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
)

func TestKnowledgeCardsGenerate(t *testing.T) {
	store := artifact.NewMemoryStore(&artifact.Artifact{
		ID:    "resume",
		Kind:  artifact.KindDocument,
		Title: "Resume",
		Text:  "Eight years of Go at a payments company",
	})

	client := &fakeClient{backend: llm.BackendOpenRouter}
	client.reply = func(req *llm.Request) (*llm.Response, error) {
		prompt := req.Messages[0].Text
		if strings.Contains(prompt, "Broken") {
			return nil, &llm.StatusError{StatusCode: 401, Message: "bad key"}
		}
		result, _ := json.Marshal(map[string]any{
			"result": map[string]string{
				"title":   "Payments experience",
				"body":    "Built settlement services in Go.",
				"summary": "Eight years in payments.",
			},
		})
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: agent.ToolReturnResult, Arguments: result}}}, nil
	}

	exec := executor.New(executor.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, executor.WithSleep(noSleep))
	orch := agent.NewOrchestrator(client, exec, store, nil, agent.Config{MaxConcurrent: 2, DefaultModel: "m"}, logger.NewNop())
	svc := NewKnowledgeCardService(orch, store, logger.NewNop())

	outcomes := svc.Generate(context.Background(), []CardRequest{
		{Title: "Payments", Focus: "backend work", ArtifactIDs: []string{"resume"}, ObjectID: "job-7"},
		{Title: "Broken"},
	})
	require.Len(t, outcomes, 2)

	ok := outcomes[0]
	require.NoError(t, ok.Err)
	assert.Equal(t, activity.StatusCompleted, ok.Status)
	require.NotNil(t, ok.Card)
	assert.Equal(t, "Payments experience", ok.Card.Title)
	assert.Equal(t, "job-7", ok.Card.ObjectID)

	stored, err := store.Get(context.Background(), ok.Card.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.KindKnowledgeCard, stored.Kind)
	assert.Equal(t, "Built settlement services in Go.", stored.Text)

	bad := outcomes[1]
	assert.Equal(t, activity.StatusFailed, bad.Status)
	assert.ErrorIs(t, bad.Err, llm.ErrUnauthorized)
	assert.Nil(t, bad.Card)

	cards, err := store.List(context.Background(), artifact.Filter{Kind: artifact.KindKnowledgeCard})
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	tasks := orch.Tracker().List()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, AgentTypeKnowledgeCard, task.Kind)
	}
}
