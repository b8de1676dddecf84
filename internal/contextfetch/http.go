package contextfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPFetcher calls an external JSON or text API. It carries no fallback
// data; a failed call leaves the key with an empty result.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{}}
}

func (f *HTTPFetcher) Description() string {
	return "external HTTP API call"
}

func (f *HTTPFetcher) AllowedParams() []string {
	return []string{"url", "method", "headers", "bearer_token", "body", "format", "timeout_ms"}
}

func (f *HTTPFetcher) RequiredParams() []string {
	return []string{"url"}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, params map[string]any) (any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url must be a non-empty string")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if timeoutMs := intParam(params, "timeout_ms", 0); timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if token, ok := params["bearer_token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	format, _ := params["format"].(string)
	if format == "json" || format == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if format == "text" {
		return string(raw), nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Response-format negotiation: fall back to raw text when the
		// upstream ignores the Accept header.
		return string(raw), nil
	}
	return parsed, nil
}
