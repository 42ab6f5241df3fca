package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/httputil"
)

// HTTPClient calls a remote POST /api/completion endpoint. It lets the title
// workers run in a separate process from the gateway.
type HTTPClient struct {
	url    string
	client *http.Client
}

func NewHTTPClient(url string, client *http.Client) *HTTPClient {
	if client == nil {
		client = httputil.NewClient(httputil.TitleConfig())
	}
	return &HTTPClient{url: url, client: client}
}

func (c *HTTPClient) Complete(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamGeneration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(data, &errBody); err != nil || errBody.Error == "" {
			errBody.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status=%d error=%s", sentinelForStatus(resp.StatusCode), resp.StatusCode, errBody.Error)
	}

	var out domain.CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return domain.ErrInvalidRequest
	case http.StatusTooManyRequests:
		return domain.ErrRateLimitExceeded
	default:
		return domain.ErrUpstreamGeneration
	}
}
