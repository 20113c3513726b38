package handler

import (
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/internal/middleware"
	"github.com/sprung-app/llm-orchestrator/internal/model"
	"github.com/sprung-app/llm-orchestrator/internal/service"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
)

// LLMHandler exposes the one-shot façade operations.
type LLMHandler struct {
	service *service.LLMService
	logger  *logger.Logger
}

// NewLLMHandler creates a new LLM handler.
func NewLLMHandler(svc *service.LLMService, log *logger.Logger) *LLMHandler {
	return &LLMHandler{
		service: svc,
		logger:  logger.OrNop(log).Named("llm_handler"),
	}
}

// Text handles POST /api/v1/llm/text
func (h *LLMHandler) Text(w http.ResponseWriter, r *http.Request) {
	var req model.TextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.service.ExecuteText(r.Context(), backend, req.Prompt, req.Model, req.Temperature)
	if err != nil {
		h.logger.Warn("text request failed", zap.String("backend", req.Backend), zap.Error(err))
		writeLLMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.TextResponse{Content: out})
}

// Vision handles POST /api/v1/llm/vision
func (h *LLMHandler) Vision(w http.ResponseWriter, r *http.Request) {
	var req model.VisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Prompt); err != nil {
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

	out, err := h.service.ExecuteVision(r.Context(), backend, req.Prompt, images, req.Model)
	if err != nil {
		h.logger.Warn("vision request failed", zap.String("backend", req.Backend), zap.Error(err))
		writeLLMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.TextResponse{Content: out})
}

// Structured handles POST /api/v1/llm/structured
func (h *LLMHandler) Structured(w http.ResponseWriter, r *http.Request) {
	var req model.StructuredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Schema) == 0 {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}

	var result []byte
	if req.Flexible {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		result, err = h.service.ExecuteFlexibleJSON(r.Context(), backend, req.Prompt, req.Model,
			llm.JSONSchema{Name: name, Schema: req.Schema, Strict: true})
	} else {
		result, err = h.service.ExecuteStructured(r.Context(), backend, req.Prompt, req.Model, req.SchemaName, req.Schema)
	}
	if err != nil {
		h.logger.Warn("structured request failed",
			zap.String("backend", req.Backend),
			zap.Bool("flexible", req.Flexible),
			zap.Error(err),
		)
		writeLLMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.StructuredResponse{Result: result})
}

// Tools handles POST /api/v1/llm/tools
func (h *LLMHandler) Tools(w http.ResponseWriter, r *http.Request) {
	var req model.ToolsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	backend, err := middleware.ValidateBackend(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	msgs := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		if msgs[i], err = m.ToMessage(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ToolChoice.Mode == "" {
		req.ToolChoice.Mode = llm.ToolChoiceAuto
	}

	resp, err := h.service.ExecuteWithTools(r.Context(), backend, msgs, req.Tools, req.ToolChoice, req.Model)
	if err != nil {
		h.logger.Warn("tool request failed", zap.String("backend", req.Backend), zap.Error(err))
		writeLLMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FromResponse(resp))
}

// Models handles GET /api/v1/models. ?q= filters by substring.
func (h *LLMHandler) Models(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	records := h.service.Validator().Records()
	if q != "" {
		filtered := records[:0]
		for _, rec := range records {
			if strings.Contains(strings.ToLower(rec.ModelID), q) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	slices.SortFunc(records, func(a, b capability.Record) int { return strings.Compare(a.ModelID, b.ModelID) })
	writeJSON(w, http.StatusOK, &model.ModelsResponse{Models: records, Backends: h.service.Backends()})
}

// RefreshModels handles POST /api/v1/models/refresh
func (h *LLMHandler) RefreshModels(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Validator().RefreshAll(r.Context())
	if err != nil {
		h.logger.Error("failed to refresh model catalog", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &model.RefreshResponse{Models: n})
}

// CancelAll handles POST /api/v1/llm/cancel
func (h *LLMHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	h.service.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}
