// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/internal/model"
)

// maxBodyBytes bounds request bodies; images are inlined as base64.
const maxBodyBytes = 64 << 20

// statusClientClosed reports a request the caller or a cancel-all aborted.
const statusClientClosed = 499

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &model.ErrorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// errorResponse maps a classified error onto an HTTP status and body.
func errorResponse(err error) (int, *model.ErrorResponse) {
	body := &model.ErrorResponse{Error: err.Error()}

	var lerr *llm.Error
	if !errors.As(err, &lerr) {
		return http.StatusInternalServerError, body
	}
	body.Kind = string(lerr.Kind)

	switch lerr.Kind {
	case llm.KindClient:
		return http.StatusBadRequest, body
	case llm.KindUnauthorized:
		return http.StatusBadGateway, body
	case llm.KindInvalidModelID:
		return http.StatusNotFound, body
	case llm.KindInsufficientCredits:
		body.Requested, body.Available = lerr.Requested, lerr.Available
		return http.StatusPaymentRequired, body
	case llm.KindRateLimited:
		body.RetryAfter = int(lerr.RetryAfter.Seconds())
		return http.StatusTooManyRequests, body
	case llm.KindTimeout:
		return http.StatusGatewayTimeout, body
	case llm.KindCancelled:
		return statusClientClosed, body
	default:
		return http.StatusBadGateway, body
	}
}

func writeLLMError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, status, body)
}

// sseWriter writes server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers. It fails when the writer cannot
// flush.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) sendError(err error) {
	_, body := errorResponse(err)
	_ = s.send("error", body)
}
