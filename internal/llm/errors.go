package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	oai "github.com/openai/openai-go"
	goopenai "github.com/sashabaranov/go-openai"
)

// ErrorKind is the taxonomy every error above the executor belongs to.
type ErrorKind string

const (
	KindClient              ErrorKind = "client_error"
	KindDecodingFailed      ErrorKind = "decoding_failed"
	KindUnexpectedFormat    ErrorKind = "unexpected_response_format"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTimeout             ErrorKind = "timeout"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindInvalidModelID      ErrorKind = "invalid_model_id"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindTransport           ErrorKind = "transport"
	KindCancelled           ErrorKind = "cancelled"
)

// Error is a classified LLM error.
type Error struct {
	Kind       ErrorKind
	Message    string
	ModelID    string
	StatusCode int

	// RetryAfter is the server-provided hint for rate-limit errors.
	RetryAfter time.Duration

	// Requested and Available are token counts for insufficient-credit errors.
	Requested int
	Available int

	Err error
}

// Sentinels for errors.Is checks. Comparison is by Kind only.
var (
	ErrClient              = &Error{Kind: KindClient}
	ErrDecodingFailed      = &Error{Kind: KindDecodingFailed}
	ErrUnexpectedFormat    = &Error{Kind: KindUnexpectedFormat}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidModelID      = &Error{Kind: KindInvalidModelID}
	ErrInsufficientCredits = &Error{Kind: KindInsufficientCredits}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrCancelled           = &Error{Kind: KindCancelled}
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnauthorized:
		if e.ModelID != "" {
			return fmt.Sprintf("unauthorized for model %s: %s", e.ModelID, e.Message)
		}
	case KindInvalidModelID:
		return fmt.Sprintf("invalid model id %q: %s", e.ModelID, e.Message)
	case KindInsufficientCredits:
		if e.Requested > 0 {
			return fmt.Sprintf("insufficient credits: requested %d tokens, can afford %d", e.Requested, e.Available)
		}
	case KindRateLimited:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
		}
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the executor may retry the request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// NewClientError creates a configuration/precondition error.
func NewClientError(format string, args ...any) *Error {
	return &Error{Kind: KindClient, Message: fmt.Sprintf(format, args...)}
}

// NewDecodingError wraps a failure to decode a model reply.
func NewDecodingError(err error) *Error {
	return &Error{Kind: KindDecodingFailed, Message: err.Error(), Err: err}
}

// NewUnexpectedFormatError reports a structurally invalid response.
func NewUnexpectedFormatError(format string, args ...any) *Error {
	return &Error{Kind: KindUnexpectedFormat, Message: fmt.Sprintf(format, args...)}
}

// NewCancelledError reports a request aborted by cancellation.
func NewCancelledError(err error) *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled", Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	creditsPattern    = regexp.MustCompile(`(?i)requested up to (\d+) tokens,? but can only afford (\d+)`)
	retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:after|in)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|sec|seconds?)?`)
)

// ParseInsufficientCredits extracts requested/available token counts from a
// 402-style message such as "requested up to 64000 tokens, but can only afford 14924".
func ParseInsufficientCredits(msg string) (requested, available int, ok bool) {
	m := creditsPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	requested, err1 := strconv.Atoi(m[1])
	available, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return requested, available, true
}

func parseRetryAfterText(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "m") {
		return time.Duration(v * float64(time.Millisecond))
	}
	return time.Duration(v * float64(time.Second))
}

// ParseRetryAfterHeader parses a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if ms := resp.Header.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	return ParseRetryAfterHeader(resp.Header.Get("Retry-After"))
}

// Classify maps a raw transport or SDK error into the taxonomy. It is applied
// once, at the executor boundary. Already classified errors pass through.
func Classify(err error, modelID string) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.ModelID == "" && modelID != "" {
			c := *classified
			c.ModelID = modelID
			return &c
		}
		return classified
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", ModelID: modelID, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Kind: KindDecodingFailed, Message: err.Error(), ModelID: modelID, Err: err}
	}

	var goAPIErr *goopenai.APIError
	if errors.As(err, &goAPIErr) {
		return classifyStatus(goAPIErr.HTTPStatusCode, goAPIErr.Message, parseRetryAfterText(goAPIErr.Message), modelID, err)
	}
	var goReqErr *goopenai.RequestError
	if errors.As(err, &goReqErr) {
		return classifyStatus(goReqErr.HTTPStatusCode, goReqErr.Error(), 0, modelID, err)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(anthropicErr.StatusCode, anthropicErr.Error(), retryAfterFromResponse(anthropicErr.Response), modelID, err)
	}
	var openaiErr *oai.Error
	if errors.As(err, &openaiErr) {
		return classifyStatus(openaiErr.StatusCode, openaiErr.Error(), retryAfterFromResponse(openaiErr.Response), modelID, err)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode, statusErr.Message, statusErr.RetryAfter, modelID, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), ModelID: modelID, Err: err}
		}
		return &Error{Kind: KindTransport, Message: err.Error(), ModelID: modelID, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Error{Kind: KindTransport, Message: err.Error(), ModelID: modelID, Err: err}
	}

	return classifyMessage(err.Error(), modelID, err)
}

// StatusError is a plain HTTP failure raised by adapters that talk to a
// backend without an SDK.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func classifyStatus(status int, msg string, retryAfter time.Duration, modelID string, err error) *Error {
	lower := strings.ToLower(msg)
	base := &Error{Message: msg, ModelID: modelID, StatusCode: status, Err: err}

	switch {
	case status == http.StatusPaymentRequired:
		base.Kind = KindInsufficientCredits
		base.Requested, base.Available, _ = ParseInsufficientCredits(msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base.Kind = KindUnauthorized
	case status == http.StatusNotFound:
		base.Kind = KindInvalidModelID
	case status == http.StatusTooManyRequests:
		base.Kind = KindRateLimited
		base.RetryAfter = retryAfter
		if base.RetryAfter == 0 {
			base.RetryAfter = parseRetryAfterText(msg)
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		base.Kind = KindTimeout
	case status >= 500:
		base.Kind = KindTransport
	case status == http.StatusBadRequest && strings.Contains(lower, "not a valid model id"):
		base.Kind = KindInvalidModelID
	case status >= 400:
		base.Kind = KindClient
	default:
		return classifyMessage(msg, modelID, err)
	}
	return base
}

func classifyMessage(msg, modelID string, err error) *Error {
	lower := strings.ToLower(msg)
	base := &Error{Message: msg, ModelID: modelID, Err: err}

	switch {
	case strings.Contains(lower, "can only afford") || strings.Contains(lower, "insufficient credits"):
		base.Kind = KindInsufficientCredits
		base.Requested, base.Available, _ = ParseInsufficientCredits(msg)
	case strings.Contains(lower, "not a valid model id"):
		base.Kind = KindInvalidModelID
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		base.Kind = KindUnauthorized
	case strings.Contains(lower, "rate limit"):
		base.Kind = KindRateLimited
		base.RetryAfter = parseRetryAfterText(msg)
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		base.Kind = KindTimeout
	default:
		base.Kind = KindTransport
	}
	return base
}
