package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// rateLimitTransport turns 429 responses into a StatusError carrying the
// server's Retry-After hint. go-openai's error types drop response headers,
// so the hint is lost by the time the SDK returns. The http.Client wraps the
// error in *url.Error, which Classify unwraps.
type rateLimitTransport struct {
	base http.RoundTripper
}

func newRateLimitHTTPClient() *http.Client {
	return &http.Client{Transport: &rateLimitTransport{base: http.DefaultTransport}}
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, &StatusError{
		StatusCode: resp.StatusCode,
		Message:    errorBodyMessage(body),
		RetryAfter: retryAfterFromResponse(resp),
	}
}

// errorBodyMessage extracts {"error":{"message":...}} from an OpenAI-style
// error body, falling back to the raw text.
func errorBodyMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(http.StatusTooManyRequests)
}
