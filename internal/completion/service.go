// Package completion implements POST /api/completion: resolve the model,
// take the credential from the request headers, build an upstream client and
// produce a sanitized title or summary.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/cache"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/gateway"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

// Completer is anything that can serve a completion request. Service does it
// in process; HTTPClient does it over the wire.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error)
}

// Resolver is the part of the model registry the service needs.
type Resolver interface {
	Resolve(logicalName string) (domain.ModelDescriptor, error)
	LegacyDefault(h http.Header) (domain.ModelDescriptor, error)
}

// ClientBuilder is the provider gateway.
type ClientBuilder interface {
	BuildClient(desc domain.ModelDescriptor, cred domain.Credential, overrides domain.Overrides) (gateway.GenerationClient, error)
}

type Config struct {
	Registry Resolver
	Gateway  ClientBuilder
	Cache    cache.Cache
	CacheTTL time.Duration
	Timeout  time.Duration

	// LiteLLMBaseURL supplies the stored proxy URL when the request carries
	// no X-LiteLLM-Base-Url header.
	LiteLLMBaseURL func() string
}

type Service struct {
	registry       Resolver
	gateway        ClientBuilder
	cache          cache.Cache
	cacheTTL       time.Duration
	timeout        time.Duration
	liteLLMBaseURL func() string
}

func NewService(cfg Config) *Service {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 24 * time.Hour
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}

	return &Service{
		registry:       cfg.Registry,
		gateway:        cfg.Gateway,
		cache:          cfg.Cache,
		cacheTTL:       cacheTTL,
		timeout:        timeout,
		liteLLMBaseURL: cfg.LiteLLMBaseURL,
	}
}

// Complete serves one request. A missing credential fails before any client
// is built. Upstream failures are returned wrapped in ErrUpstreamGeneration
// and should never be shown verbatim to callers.
func (s *Service) Complete(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}

	desc, err := s.resolve(req.Model, headers)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(headers.Get(desc.CredentialHeaderName))
	if key == "" {
		return nil, fmt.Errorf("%w: %s not set for model %q", domain.ErrMissingCredential, desc.CredentialHeaderName, desc.LogicalName)
	}

	ctx, span := telemetry.StartSpan(ctx, "completion.Complete")
	defer span.End()
	telemetry.AddThreadAttributes(span, req.ThreadID, req.MessageID, req.IsTitle)

	var cacheKey string
	if s.cache != nil {
		cacheKey = cache.Key(desc, key, req.IsTitle, req.Prompt)
		if title, ok := s.cache.Get(ctx, cacheKey); ok {
			metrics.RecordCacheHit()
			telemetry.MarkCache(span, true)
			return s.response(req, desc, title), nil
		}
		metrics.RecordCacheMiss()
		telemetry.MarkCache(span, false)
	}

	client, err := s.gateway.BuildClient(desc, domain.Credential{Provider: desc.Provider, Key: key}, s.overrides(desc, headers))
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := client.Generate(genCtx, TitleSystemPrompt, req.Prompt)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUpstreamGeneration, desc.Provider, err)
	}

	title := SanitizeTitle(text)
	if title == "" {
		return nil, fmt.Errorf("%w: %s returned an empty title", domain.ErrUpstreamGeneration, desc.Provider)
	}

	if cacheKey != "" {
		if err := s.cache.Set(ctx, cacheKey, title, s.cacheTTL); err != nil {
			slog.Warn("failed to cache title", "error", err, "thread_id", req.ThreadID)
		}
	}

	return s.response(req, desc, title), nil
}

func (s *Service) resolve(model string, headers http.Header) (domain.ModelDescriptor, error) {
	if strings.TrimSpace(model) == "" {
		return s.registry.LegacyDefault(headers)
	}
	return s.registry.Resolve(model)
}

func (s *Service) overrides(desc domain.ModelDescriptor, headers http.Header) domain.Overrides {
	if desc.Provider != domain.ProviderLiteLLM {
		return domain.Overrides{}
	}
	base := strings.TrimSpace(headers.Get(registry.HeaderLiteLLMBaseURL))
	if base == "" && s.liteLLMBaseURL != nil {
		base = s.liteLLMBaseURL()
	}
	return domain.Overrides{BaseURL: base}
}

func (s *Service) response(req domain.CompletionRequest, desc domain.ModelDescriptor, title string) *domain.CompletionResponse {
	resp := &domain.CompletionResponse{
		Title:     title,
		IsTitle:   req.IsTitle,
		MessageID: req.MessageID,
		ThreadID:  req.ThreadID,
		Model:     desc.LogicalName,
	}
	if !req.IsTitle {
		resp.Result = title
	}
	return resp
}

// IsClientError reports whether err is the caller's fault.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrUnknownModel) ||
		errors.Is(err, domain.ErrMissingCredential)
}
