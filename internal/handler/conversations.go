package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/middleware"
	"github.com/sprung-app/llm-orchestrator/internal/model"
	"github.com/sprung-app/llm-orchestrator/internal/service"
	"github.com/sprung-app/llm-orchestrator/internal/stream"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

const heartbeatInterval = 15 * time.Second

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.LLMService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.LLMService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  logger.OrNop(log).Named("conversation_handler"),
	}
}

// Start handles POST /api/v1/conversations
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.StartConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, tag := range []string{req.ObjectID, req.ObjectType} {
		if err := middleware.ValidateObjectTag(tag); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if req.Stream {
		st, id, err := h.service.StartConversationStreaming(ctx, backend, req.SystemPrompt, req.Message, req.Model, req.ObjectID, req.ObjectType)
		if err != nil {
			writeLLMError(w, err)
			return
		}
		h.relay(w, r, st, id)
		return
	}

	id, reply, err := h.service.StartConversation(ctx, backend, req.SystemPrompt, req.Message, req.Model, req.ObjectID, req.ObjectType)
	if err != nil {
		h.logger.Warn("failed to start conversation", zap.String("backend", req.Backend), zap.Error(err))
		if id == "" {
			writeLLMError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, &model.ReplyResponse{ConversationID: id, Content: reply})
}

// Continue handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Continue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ContinueConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	images, err := model.Attachments(req.Images)
	if err == nil {
		err = middleware.ValidateAttachments(images)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		st, _, err := h.service.ContinueConversationStreaming(ctx, backend, conversationID, req.Message, images, req.Model)
		if err != nil {
			writeLLMError(w, err)
			return
		}
		h.relay(w, r, st, conversationID)
		return
	}

	reply, err := h.service.ContinueConversation(ctx, backend, conversationID, req.Message, images, req.Model)
	if err != nil && reply == "" {
		h.logger.Warn("failed to continue conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeLLMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.ReplyResponse{ConversationID: conversationID, Content: reply})
}

// relay forwards a streamed reply as SSE. A client disconnect cancels the
// stream, which also skips persistence.
func (h *ConversationHandler) relay(w http.ResponseWriter, r *http.Request, st *stream.Stream, conversationID string) {
	sse, ok := startSSE(w)
	if !ok {
		st.Cancel()
		<-st.Done()
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	_ = sse.send("conversation", map[string]string{"conversation_id": conversationID})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var text strings.Builder
	index := 0
loop:
	for {
		select {
		case chunk, ok := <-st.Chunks():
			if !ok {
				break loop
			}
			if chunk.Delta == "" {
				continue
			}
			text.WriteString(chunk.Delta)
			if err := sse.send("token", &model.TokenEvent{Token: chunk.Delta, Index: index}); err != nil {
				st.Cancel()
				<-st.Done()
				return
			}
			index++
		case <-heartbeat.C:
			_ = sse.send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		case <-r.Context().Done():
			st.Cancel()
			<-st.Done()
			h.logger.Info("SSE client disconnected", zap.String("conversation_id", conversationID))
			return
		}
	}

	if err := st.Wait(); err != nil {
		h.logger.Warn("stream failed", zap.String("conversation_id", conversationID), zap.Error(err))
		sse.sendError(err)
		return
	}
	_ = sse.send("done", &model.DoneEvent{
		ConversationID: conversationID,
		Content:        text.String(),
		Cancelled:      st.Cancelled(),
	})
}

// List handles GET /api/v1/conversations?object_id=&object_type=
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	objectID := r.URL.Query().Get("object_id")
	objectType := r.URL.Query().Get("object_type")
	if objectID == "" && objectType == "" {
		writeError(w, http.StatusBadRequest, "object_id or object_type is required")
		return
	}

	convs, err := h.service.Conversations(r.Context(), objectID, objectType)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	resp := &model.ListConversationsResponse{
		Conversations: make([]model.Conversation, len(convs)),
		Total:         len(convs),
	}
	for i, c := range convs {
		resp.Conversations[i] = model.FromConversation(c, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Conversation(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, model.FromConversation(conv, true))
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.DeleteConversation(r.Context(), conversationID); err != nil {
		h.logger.Error("failed to delete conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
