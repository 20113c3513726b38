package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

const secret = "middleware-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, subject string, scopes ...string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	})
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(secret)(echoUser())
	valid := sign(t, jwt.SigningMethodHS256, []byte(secret), "user-1")

	tests := []struct {
		name   string
		method string
		target string
		header string
		status int
	}{
		{"bearer header", http.MethodGet, "/", "Bearer " + valid, http.StatusOK},
		{"query token on GET", http.MethodGet, "/?access_token=" + valid, "", http.StatusOK},
		{"query token on POST", http.MethodPost, "/?access_token=" + valid, "", http.StatusUnauthorized},
		{"missing", http.MethodGet, "/", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/", "Basic " + valid, http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), "user-1"), http.StatusUnauthorized},
		{"none algorithm", http.MethodGet, "/", "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "user-1"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-1", rec.Body.String())
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	h := Auth(secret)(RequireScope(ScopeAgents)(echoUser()))

	call := func(scopes ...string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), "u", scopes...))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, call())
	assert.Equal(t, http.StatusForbidden, call("read"))
	assert.Equal(t, http.StatusOK, call(ScopeAgents))
	assert.Equal(t, http.StatusOK, call(ScopeAdmin))
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	h := RateLimit(1, time.Minute)(echoUser())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello"))
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", MaxMessageBytes+1)))
	assert.Error(t, ValidateMessageContent("\xff"))

	assert.NoError(t, ValidateConversationID("0190c8a4-7b1e-7c3e-9f00-3d2b1a4c5e6f"))
	assert.Error(t, ValidateConversationID("conv-1"))

	b, err := ValidateBackend("openrouter")
	require.NoError(t, err)
	assert.Equal(t, llm.BackendOpenRouter, b)
	_, err = ValidateBackend("gemini")
	assert.ErrorContains(t, err, "unknown backend")

	assert.Error(t, ValidateObjectTag(strings.Repeat("x", MaxTagLength+1)))

	assert.NoError(t, ValidateAttachments([]llm.Attachment{{Data: []byte{1}}}))
	assert.Error(t, ValidateAttachments([]llm.Attachment{{}}))
	assert.Error(t, ValidateAttachments(make([]llm.Attachment, MaxImages+1)))

	assert.Error(t, ValidateAgentCount(0))
	assert.NoError(t, ValidateAgentCount(MaxAgents))
	assert.Error(t, ValidateAgentCount(MaxAgents+1))
}
