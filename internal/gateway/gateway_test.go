package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
)

func TestGateway_EveryRegistryModelHasFactory(t *testing.T) {
	g := New(DefaultEndpoints(), nil)

	for _, d := range registry.New().Models() {
		if !g.Supports(d.Provider) {
			t.Errorf("model %q uses provider %q with no factory", d.LogicalName, d.Provider)
		}
	}
	for _, p := range domain.Providers {
		if !g.Supports(p) {
			t.Errorf("provider %q has no factory", p)
		}
	}
}

func TestGateway_UnsupportedProvider(t *testing.T) {
	g := New(DefaultEndpoints(), nil)

	_, err := g.BuildClient(domain.ModelDescriptor{LogicalName: "x", Provider: "anthropic"}, domain.Credential{Key: "k"}, domain.Overrides{})
	if !errors.Is(err, domain.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

type recordingFactory struct {
	model   string
	apiKey  string
	baseURL string
}

func (r *recordingFactory) build(model, apiKey, baseURL string, hc *http.Client) GenerationClient {
	r.model, r.apiKey, r.baseURL = model, apiKey, baseURL
	return stubClient("ok")
}

type stubClient string

func (s stubClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	return string(s), nil
}

func TestGateway_BindsModelAndEndpoint(t *testing.T) {
	endpoints := Endpoints{
		Google:     "https://google.test",
		OpenAI:     "https://openai.test/v1",
		OpenRouter: "https://openrouter.test/api/v1",
		LiteLLM:    "https://litellm.test",
	}

	tests := []struct {
		name      string
		desc      domain.ModelDescriptor
		overrides domain.Overrides
		wantBase  string
	}{
		{
			name:     "google default",
			desc:     domain.ModelDescriptor{Provider: domain.ProviderGoogle, UpstreamModelID: "gemini-2.5-flash-preview-04-17"},
			wantBase: "https://google.test",
		},
		{
			name:      "openai ignores override",
			desc:      domain.ModelDescriptor{Provider: domain.ProviderOpenAI, UpstreamModelID: "gpt-4o"},
			overrides: domain.Overrides{BaseURL: "https://evil.test"},
			wantBase:  "https://openai.test/v1",
		},
		{
			name:     "openrouter",
			desc:     domain.ModelDescriptor{Provider: domain.ProviderOpenRouter, UpstreamModelID: "deepseek/deepseek-chat-v3-0324:free"},
			wantBase: "https://openrouter.test/api/v1",
		},
		{
			name:     "litellm configured",
			desc:     domain.ModelDescriptor{Provider: domain.ProviderLiteLLM, UpstreamModelID: "llama3"},
			wantBase: "https://litellm.test/v1",
		},
		{
			name:      "litellm override",
			desc:      domain.ModelDescriptor{Provider: domain.ProviderLiteLLM, UpstreamModelID: "llama3"},
			overrides: domain.Overrides{BaseURL: "http://localhost:4000/"},
			wantBase:  "http://localhost:4000/v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(endpoints, nil)
			rec := &recordingFactory{}
			g.Register(tt.desc.Provider, rec.build)

			client, err := g.BuildClient(tt.desc, domain.Credential{Provider: tt.desc.Provider, Key: "secret"}, tt.overrides)
			if err != nil {
				t.Fatalf("BuildClient() error = %v", err)
			}
			if rec.model != tt.desc.UpstreamModelID {
				t.Errorf("model = %q, want %q", rec.model, tt.desc.UpstreamModelID)
			}
			if rec.apiKey != "secret" {
				t.Errorf("apiKey = %q", rec.apiKey)
			}
			if rec.baseURL != tt.wantBase {
				t.Errorf("baseURL = %q, want %q", rec.baseURL, tt.wantBase)
			}

			text, err := client.Generate(context.Background(), "", "hi")
			if err != nil || text != "ok" {
				t.Errorf("Generate() = %q, %v", text, err)
			}
		})
	}
}

func TestGateway_LiteLLMWithoutBaseURL(t *testing.T) {
	g := New(DefaultEndpoints(), nil)

	_, err := g.BuildClient(domain.ModelDescriptor{Provider: domain.ProviderLiteLLM, UpstreamModelID: "llama3"}, domain.Credential{Key: "k"}, domain.Overrides{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestGateway_RealClientEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Proxy title"}}]}`))
	}))
	defer server.Close()

	g := New(DefaultEndpoints(), server.Client())
	client, err := g.BuildClient(
		domain.ModelDescriptor{Provider: domain.ProviderLiteLLM, UpstreamModelID: "llama3"},
		domain.Credential{Provider: domain.ProviderLiteLLM, Key: "k"},
		domain.Overrides{BaseURL: server.URL},
	)
	if err != nil {
		t.Fatalf("BuildClient() error = %v", err)
	}

	text, err := client.Generate(context.Background(), "sys", "prompt")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Proxy title" {
		t.Errorf("Generate() = %q", text)
	}
}

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	c.calls++
	return "", c.err
}

func TestGateway_BreakerOpensOnProviderOutage(t *testing.T) {
	upstream := &countingClient{err: &domain.UpstreamStatusError{Provider: "google", StatusCode: 503}}

	g := New(DefaultEndpoints(), nil)
	g.Register(domain.ProviderGoogle, func(model, apiKey, baseURL string, hc *http.Client) GenerationClient { return upstream })
	g.UseBreakers(circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}))

	desc := domain.ModelDescriptor{Provider: domain.ProviderGoogle, UpstreamModelID: "gemini"}
	for i := 0; i < 3; i++ {
		client, err := g.BuildClient(desc, domain.Credential{Provider: domain.ProviderGoogle, Key: "k"}, domain.Overrides{})
		if err != nil {
			t.Fatalf("BuildClient() error = %v", err)
		}
		_, err = client.Generate(context.Background(), "", "hi")
		if i == 2 && !errors.Is(err, domain.ErrProviderUnavailable) {
			t.Errorf("third Generate() = %v, want ErrProviderUnavailable", err)
		}
	}

	if upstream.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", upstream.calls)
	}
}

func TestGateway_BreakerIgnoresRejectedKeys(t *testing.T) {
	upstream := &countingClient{err: &domain.UpstreamStatusError{Provider: "openai", StatusCode: 401}}

	g := New(DefaultEndpoints(), nil)
	g.Register(domain.ProviderOpenAI, func(model, apiKey, baseURL string, hc *http.Client) GenerationClient { return upstream })
	g.UseBreakers(circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}))

	desc := domain.ModelDescriptor{Provider: domain.ProviderOpenAI, UpstreamModelID: "gpt-4o"}
	for i := 0; i < 3; i++ {
		client, _ := g.BuildClient(desc, domain.Credential{Provider: domain.ProviderOpenAI, Key: "bad"}, domain.Overrides{})
		client.Generate(context.Background(), "", "hi")
	}

	if upstream.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", upstream.calls)
	}
}
