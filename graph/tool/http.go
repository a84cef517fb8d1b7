package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTool performs GET and POST requests on behalf of a workflow node.
//
// Input:
//   - url (string, required)
//   - method (string, "GET" or "POST", default "GET")
//   - headers (map of string values, optional)
//   - body (string, optional, POST only)
//
// Output:
//   - status_code (int)
//   - body (string)
//
// A 5xx response is an error so the engine can classify it as transient;
// 4xx responses are returned as data, since re-sending the same request
// cannot fix them.
type HTTPTool struct {
	client *http.Client

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// NewHTTPTool creates an HTTP tool with a sane default client. Per-call
// deadlines come from the caller's context.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{
		client:       &http.Client{Timeout: 2 * time.Minute},
		MaxBodyBytes: 1 << 20,
	}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr, _ := input["url"].(string)
	if urlStr == "" {
		return nil, fmt.Errorf("url parameter is required")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %s", method)
	}

	var body io.Reader
	if b, ok := input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream returned %d: service unavailable", resp.StatusCode)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
	}, nil
}
