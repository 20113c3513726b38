package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/agent"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
)

// AgentTypeKnowledgeCard is the agent type used for card generation.
const AgentTypeKnowledgeCard = "knowledge_card"

const cardSystemPrompt = `You write knowledge cards for a job seeker.
Read the artifacts you are pointed at with get_artifact, and list_artifacts if you need more context.
Only state facts found in the artifacts. When done, call return_result with a title, a body in markdown and a one-sentence summary.`

var cardSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"body":    map[string]any{"type": "string"},
		"summary": map[string]any{"type": "string"},
	},
	"required": []any{"title", "body", "summary"},
}

// CardRequest asks for one knowledge card.
type CardRequest struct {
	Title       string   `json:"title"`
	Focus       string   `json:"focus"`
	ArtifactIDs []string `json:"artifact_ids"`
	ObjectID    string   `json:"object_id,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// CardOutcome is the result for one CardRequest.
type CardOutcome struct {
	Request CardRequest
	AgentID string
	Status  activity.Status
	Card    *artifact.Artifact
	Err     error
}

// KnowledgeCardService fans card requests out to sub-agents and persists
// what they return. It is the only writer of cards.
type KnowledgeCardService struct {
	orchestrator *agent.Orchestrator
	artifacts    artifact.Store
	logger       *logger.Logger
	now          func() time.Time
}

// NewKnowledgeCardService creates the service.
func NewKnowledgeCardService(orchestrator *agent.Orchestrator, artifacts artifact.Store, log *logger.Logger) *KnowledgeCardService {
	return &KnowledgeCardService{
		orchestrator: orchestrator,
		artifacts:    artifacts,
		logger:       logger.OrNop(log).Named("knowledge_cards"),
		now:          time.Now,
	}
}

func cardPrompt(req CardRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a knowledge card titled %q.\n", req.Title)
	if req.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", req.Focus)
	}
	if len(req.ArtifactIDs) > 0 {
		fmt.Fprintf(&b, "Source artifacts: %s\n", strings.Join(req.ArtifactIDs, ", "))
	}
	return b.String()
}

type card struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Summary string `json:"summary"`
}

// Generate runs one agent per request and stores each successful card. The
// outcomes are in request order.
func (s *KnowledgeCardService) Generate(ctx context.Context, reqs []CardRequest) []CardOutcome {
	specs := make([]agent.Spec, len(reqs))
	for i, req := range reqs {
		specs[i] = agent.Spec{
			Type:         AgentTypeKnowledgeCard,
			Name:         req.Title,
			SystemPrompt: cardSystemPrompt,
			Prompt:       cardPrompt(req),
			Model:        req.Model,
			ResultSchema: cardSchema,
		}
	}

	results := s.orchestrator.Dispatch(ctx, specs)

	outcomes := make([]CardOutcome, len(reqs))
	for i, res := range results {
		out := CardOutcome{Request: reqs[i], AgentID: res.AgentID, Status: res.Status, Err: res.Err}
		if res.OK() {
			out.Card, out.Err = s.store(ctx, reqs[i], res.Output)
			if out.Err != nil {
				out.Status = activity.StatusFailed
			}
		}
		outcomes[i] = out
	}
	return outcomes
}

func (s *KnowledgeCardService) store(ctx context.Context, req CardRequest, raw json.RawMessage) (*artifact.Artifact, error) {
	var c card
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode card: %w", err)
	}
	title := c.Title
	if title == "" {
		title = req.Title
	}

	a := &artifact.Artifact{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      artifact.KindKnowledgeCard,
		Title:     title,
		Text:      c.Body,
		Summary:   c.Summary,
		ObjectID:  req.ObjectID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.artifacts.Put(ctx, a); err != nil {
		s.logger.Error("failed to store knowledge card", zap.String("title", title), zap.Error(err))
		return nil, fmt.Errorf("failed to store card %q: %w", title, err)
	}
	s.logger.Info("knowledge card stored", zap.String("artifact_id", a.ID), zap.String("title", title))
	return a, nil
}
