// Package gateway turns a model descriptor and a caller-supplied credential
// into a generation client bound to the right upstream endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/provider/google"
	"github.com/felipepmaragno/chat-gateway/internal/provider/openai"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

// GenerationClient produces text for a system instruction and a prompt.
type GenerationClient interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Factory builds a client for one provider. baseURL is already resolved.
type Factory func(model, apiKey, baseURL string, httpClient *http.Client) GenerationClient

// Endpoints are the default upstream base URLs per provider. LiteLLM has no
// public default; it comes from configuration or a per-request override.
type Endpoints struct {
	Google     string
	OpenAI     string
	OpenRouter string
	LiteLLM    string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Google:     google.DefaultBaseURL,
		OpenAI:     openai.DefaultBaseURL,
		OpenRouter: openai.OpenRouterBaseURL,
	}
}

type Gateway struct {
	factories  map[domain.Provider]Factory
	endpoints  Endpoints
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
}

func New(endpoints Endpoints, httpClient *http.Client) *Gateway {
	g := &Gateway{
		factories:  make(map[domain.Provider]Factory),
		endpoints:  endpoints,
		httpClient: httpClient,
	}

	g.factories[domain.ProviderGoogle] = func(model, apiKey, baseURL string, hc *http.Client) GenerationClient {
		return google.New(apiKey, baseURL, model, hc)
	}
	for _, p := range []domain.Provider{domain.ProviderOpenAI, domain.ProviderOpenRouter, domain.ProviderLiteLLM} {
		p := p
		g.factories[p] = func(model, apiKey, baseURL string, hc *http.Client) GenerationClient {
			return openai.New(p, apiKey, baseURL, model, hc)
		}
	}

	return g
}

// Register replaces or adds the factory for a provider.
func (g *Gateway) Register(p domain.Provider, f Factory) {
	g.factories[p] = f
}

// UseBreakers puts every generation behind its provider's circuit breaker.
func (g *Gateway) UseBreakers(m *circuitbreaker.Manager) {
	g.breakers = m
}

// Supports reports whether a factory exists for p.
func (g *Gateway) Supports(p domain.Provider) bool {
	_, ok := g.factories[p]
	return ok
}

// BuildClient selects the factory for desc.Provider and binds the client to
// desc.UpstreamModelID. Only LiteLLM honours a base URL override.
func (g *Gateway) BuildClient(desc domain.ModelDescriptor, cred domain.Credential, overrides domain.Overrides) (GenerationClient, error) {
	factory, ok := g.factories[desc.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, desc.Provider)
	}

	baseURL, err := g.baseURL(desc.Provider, overrides)
	if err != nil {
		return nil, err
	}

	client := factory(desc.UpstreamModelID, cred.Key, baseURL, g.httpClient)
	return &instrumented{next: client, provider: string(desc.Provider), model: desc.UpstreamModelID, breakers: g.breakers}, nil
}

func (g *Gateway) baseURL(p domain.Provider, overrides domain.Overrides) (string, error) {
	switch p {
	case domain.ProviderGoogle:
		return g.endpoints.Google, nil
	case domain.ProviderOpenAI:
		return g.endpoints.OpenAI, nil
	case domain.ProviderOpenRouter:
		return g.endpoints.OpenRouter, nil
	case domain.ProviderLiteLLM:
		base := overrides.BaseURL
		if base == "" {
			base = g.endpoints.LiteLLM
		}
		if base == "" {
			return "", fmt.Errorf("%w: litellm base URL is not configured", domain.ErrInvalidRequest)
		}
		return openai.LiteLLMBaseURL(base), nil
	default:
		return "", nil
	}
}

type instrumented struct {
	next     GenerationClient
	provider string
	model    string
	breakers *circuitbreaker.Manager
}

func (c *instrumented) Generate(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.Generate")
	defer span.End()
	telemetry.AddRequestAttributes(span, c.provider, c.model, "")

	start := time.Now()
	var text string
	generate := func(ctx context.Context) error {
		var err error
		text, err = c.next.Generate(ctx, system, prompt)
		return err
	}
	var err error
	if c.breakers != nil {
		err = c.breakers.Call(ctx, c.provider, generate)
	} else {
		err = generate(ctx)
	}
	elapsed := time.Since(start).Seconds()

	if err != nil {
		telemetry.RecordError(span, err)
		metrics.RecordGeneration(c.provider, c.model, "error", elapsed)
		metrics.RecordProviderError(c.provider, errorType(err))
		return "", err
	}

	metrics.RecordGeneration(c.provider, c.model, "success", elapsed)
	return text, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "circuit_open"
	default:
		return "upstream"
	}
}
