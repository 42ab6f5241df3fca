// Package validation checks provider API keys against each provider's own
// API with the cheapest read-only call available.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/provider/openai"
)

// Result is never an error: callers render it as-is.
type Result struct {
	Provider domain.Provider `json:"provider"`
	IsValid  bool            `json:"isValid"`
	Error    string          `json:"error,omitempty"`
}

type Endpoints struct {
	OpenAIModels  string
	GoogleModels  string
	OpenRouterKey string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		OpenAIModels:  "https://api.openai.com/v1/models",
		GoogleModels:  "https://generativelanguage.googleapis.com/v1/models",
		OpenRouterKey: "https://openrouter.ai/api/v1/auth/key",
	}
}

type Service struct {
	endpoints Endpoints
	client    *http.Client
	// liteLLMBaseURL returns the configured proxy deployment, if any.
	liteLLMBaseURL func() string
	logger         *slog.Logger
}

func NewService(endpoints Endpoints, client *http.Client, liteLLMBaseURL func() string, logger *slog.Logger) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	if liteLLMBaseURL == nil {
		liteLLMBaseURL = func() string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		endpoints:      endpoints,
		client:         client,
		liteLLMBaseURL: liteLLMBaseURL,
		logger:         logger,
	}
}

// Validate reports whether key is accepted by provider. Blank keys are
// rejected without touching the network.
func (s *Service) Validate(ctx context.Context, provider domain.Provider, key string) Result {
	if strings.TrimSpace(key) == "" {
		return Result{Provider: provider, IsValid: false, Error: "API key is required"}
	}

	var res Result
	switch provider {
	case domain.ProviderOpenAI:
		res = s.probe(ctx, provider, "OpenAI", s.endpoints.OpenAIModels, bearer(key))
	case domain.ProviderGoogle:
		res = s.probe(ctx, provider, "Google", s.endpoints.GoogleModels+"?key="+url.QueryEscape(key), nil)
	case domain.ProviderOpenRouter:
		res = s.probe(ctx, provider, "OpenRouter", s.endpoints.OpenRouterKey, bearer(key))
	case domain.ProviderLiteLLM:
		base := openai.LiteLLMBaseURL(s.liteLLMBaseURL())
		if base == "" {
			return Result{Provider: provider, IsValid: false, Error: "LiteLLM base URL is required"}
		}
		res = s.probe(ctx, provider, "LiteLLM", base+"/models", bearer(key))
	default:
		return Result{Provider: provider, IsValid: false, Error: "Unknown provider"}
	}

	metrics.RecordValidation(string(provider), res.IsValid)
	return res
}

// ValidateAll checks every entry concurrently. Results come back in the
// order of the input and each one is independent of the others.
func (s *Service) ValidateAll(ctx context.Context, creds []domain.Credential) []Result {
	results := make([]Result, len(creds))
	var wg sync.WaitGroup

	for i, c := range creds {
		wg.Add(1)
		go func(i int, c domain.Credential) {
			defer wg.Done()
			results[i] = s.Validate(ctx, c.Provider, c.Key)
		}(i, c)
	}

	wg.Wait()
	return results
}

func (s *Service) probe(ctx context.Context, provider domain.Provider, label, endpoint string, header http.Header) Result {
	unable := Result{Provider: provider, IsValid: false, Error: fmt.Sprintf("Unable to validate %s key", label)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		s.logger.Warn("validation request", "provider", provider, "error", err)
		return unable
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("validation call failed", "provider", provider, "error", err)
		return unable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Provider: provider, IsValid: false, Error: fmt.Sprintf("%s key not valid", label)}
	}
	return Result{Provider: provider, IsValid: true}
}

func bearer(key string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+key)
	return h
}
