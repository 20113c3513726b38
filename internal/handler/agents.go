package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/agent"
	"github.com/sprung-app/llm-orchestrator/internal/middleware"
	"github.com/sprung-app/llm-orchestrator/internal/model"
	"github.com/sprung-app/llm-orchestrator/internal/service"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// Replayer reads persisted activity events for a task.
type Replayer interface {
	Replay(ctx context.Context, taskID string, afterSequence uint64, limit int) ([]activity.Event, uint64, bool, error)
}

// AgentHandler handles sub-agent dispatch and the activity feed.
type AgentHandler struct {
	orchestrator *agent.Orchestrator
	cards        *service.KnowledgeCardService
	replayer     Replayer
	logger       *logger.Logger
}

// NewAgentHandler creates a new agent handler. replayer may be nil when no
// event log is configured.
func NewAgentHandler(orch *agent.Orchestrator, cards *service.KnowledgeCardService, replayer Replayer, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		orchestrator: orch,
		cards:        cards,
		replayer:     replayer,
		logger:       logger.OrNop(log).Named("agent_handler"),
	}
}

// Dispatch handles POST /api/v1/agents. It blocks until every agent finishes.
func (h *AgentHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := middleware.ValidateAgentCount(len(req.Agents)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	specs := make([]agent.Spec, len(req.Agents))
	for i, a := range req.Agents {
		if a.Type == "" {
			writeError(w, http.StatusBadRequest, "agent type is required")
			return
		}
		if err := middleware.ValidateMessageContent(a.Prompt); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		specs[i] = agent.Spec{
			Type:         a.Type,
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Prompt:       a.Prompt,
			Model:        a.Model,
			MaxTurns:     a.MaxTurns,
			MaxToolCalls: a.MaxToolCalls,
			Timeout:      a.Timeout(),
			ResultSchema: a.ResultSchema,
		}
	}

	results := h.orchestrator.Dispatch(r.Context(), specs)

	resp := &model.DispatchResponse{Results: make([]model.AgentResult, len(results))}
	for i, res := range results {
		out := model.AgentResult{
			AgentID:    res.AgentID,
			Type:       res.Type,
			Name:       res.Name,
			Status:     res.Status,
			Output:     res.Output,
			Turns:      res.Turns,
			ToolCalls:  res.ToolCalls,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		if res.OK() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		resp.Results[i] = out
	}
	h.logger.Info("dispatch finished",
		zap.Int("agents", len(results)),
		zap.Int("succeeded", resp.Succeeded),
		zap.Int("failed", resp.Failed),
	)
	writeJSON(w, http.StatusOK, resp)
}

// KnowledgeCards handles POST /api/v1/knowledge-cards
func (h *AgentHandler) KnowledgeCards(w http.ResponseWriter, r *http.Request) {
	var req model.KnowledgeCardsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := middleware.ValidateAgentCount(len(req.Cards)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqs := make([]service.CardRequest, len(req.Cards))
	for i, c := range req.Cards {
		if c.Title == "" {
			writeError(w, http.StatusBadRequest, "card title is required")
			return
		}
		reqs[i] = service.CardRequest{
			Title:       c.Title,
			Focus:       c.Focus,
			ArtifactIDs: c.ArtifactIDs,
			ObjectID:    c.ObjectID,
			Model:       c.Model,
		}
	}

	outcomes := h.cards.Generate(r.Context(), reqs)

	resp := &model.KnowledgeCardsResponse{Cards: make([]model.CardResult, len(outcomes))}
	for i, o := range outcomes {
		res := model.CardResult{Title: o.Request.Title, AgentID: o.AgentID, Status: o.Status, Card: o.Card}
		if o.Err != nil {
			res.Error = o.Err.Error()
		}
		resp.Cards[i] = res
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListActivity handles GET /api/v1/activity
func (h *AgentHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	tracker := h.orchestrator.Tracker()
	writeJSON(w, http.StatusOK, &model.ActivityResponse{
		Tasks:  tracker.List(),
		Counts: tracker.Counts(),
	})
}

// GetActivity handles GET /api/v1/activity/{id}
func (h *AgentHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, ok := h.orchestrator.Tracker().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Kill handles POST /api/v1/activity/{id}/kill
func (h *AgentHandler) Kill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.orchestrator.Kill(id)
	switch {
	case errors.Is(err, activity.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, activity.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// Prune handles DELETE /api/v1/activity?older_than=1h
func (h *AgentHandler) Prune(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		olderThan = d
	}
	n := h.orchestrator.Tracker().Prune(olderThan)
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

// Events handles GET /api/v1/activity/events. ?task_id= narrows the feed to
// one task.
func (h *AgentHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.URL.Query().Get("task_id")

	events, unsubscribe := h.orchestrator.Tracker().Subscribe(0)
	defer unsubscribe()

	sse, ok := startSSE(w)
	if !ok {
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	_ = sse.send("snapshot", &model.ActivityResponse{
		Tasks:  h.orchestrator.Tracker().List(),
		Counts: h.orchestrator.Tracker().Counts(),
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			if err := sse.send(string(ev.Type), ev); err != nil {
				return
			}
		case <-heartbeat.C:
			_ = sse.send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// History handles GET /api/v1/activity/{id}/history?after_sequence=N&limit=M
func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.replayer == nil {
		writeError(w, http.StatusNotFound, "activity history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSequence uint64
	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		if parsed, err := strconv.ParseUint(seq, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	events, last, more, err := h.replayer.Replay(r.Context(), id, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to replay activity", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to replay activity")
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, &model.ReplayResponse{Events: events, LastSequence: last, HasMore: more})
}
