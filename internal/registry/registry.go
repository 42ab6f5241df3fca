// Package registry maps user-facing model names to upstream models and providers.
// The static table is the only place model ids are defined.
package registry

import (
	"fmt"
	"sync/atomic"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Credential header names, one per provider.
const (
	HeaderGoogle     = "X-Google-API-Key"
	HeaderOpenAI     = "X-OpenAI-API-Key"
	HeaderOpenRouter = "X-OpenRouter-API-Key"
	HeaderLiteLLM    = "X-LiteLLM-API-Key"

	// HeaderLiteLLMBaseURL overrides the proxy base URL for a single request.
	HeaderLiteLLMBaseURL = "X-LiteLLM-Base-Url"
)

var headerByProvider = map[domain.Provider]string{
	domain.ProviderGoogle:     HeaderGoogle,
	domain.ProviderOpenAI:     HeaderOpenAI,
	domain.ProviderOpenRouter: HeaderOpenRouter,
	domain.ProviderLiteLLM:    HeaderLiteLLM,
}

// HeaderFor returns the credential header for a provider.
func HeaderFor(p domain.Provider) string {
	return headerByProvider[p]
}

// DefaultModel is the model selected when nothing else has been chosen.
const DefaultModel = "Gemini 2.5 Flash"

var staticModels = []domain.ModelDescriptor{
	{LogicalName: "Deepseek R1 0528", UpstreamModelID: "deepseek/deepseek-r1-0528:free", Provider: domain.ProviderOpenRouter},
	{LogicalName: "Deepseek V3", UpstreamModelID: "deepseek/deepseek-chat-v3-0324:free", Provider: domain.ProviderOpenRouter},
	{LogicalName: "Gemini 2.5 Pro", UpstreamModelID: "gemini-2.5-pro-preview-05-06", Provider: domain.ProviderGoogle},
	{LogicalName: "Gemini 2.5 Flash", UpstreamModelID: "gemini-2.5-flash-preview-04-17", Provider: domain.ProviderGoogle},
	{LogicalName: "GPT-4o", UpstreamModelID: "gpt-4o", Provider: domain.ProviderOpenAI},
	{LogicalName: "GPT-4.1-mini", UpstreamModelID: "gpt-4.1-mini", Provider: domain.ProviderOpenAI},
}

// Registry resolves logical model names. The static table never changes;
// custom models discovered on a LiteLLM proxy are held separately and
// swapped atomically.
type Registry struct {
	static []domain.ModelDescriptor
	index  map[string]domain.ModelDescriptor
	custom atomic.Pointer[map[string]domain.ModelDescriptor]
	order  atomic.Pointer[[]string]
}

// New builds a registry over the built-in model table.
func New() *Registry {
	r, err := NewWithModels(staticModels)
	if err != nil {
		panic(err)
	}
	return r
}

// NewWithModels builds a registry over an explicit table. Logical names must
// be unique and every provider must be known.
func NewWithModels(models []domain.ModelDescriptor) (*Registry, error) {
	r := &Registry{
		static: make([]domain.ModelDescriptor, 0, len(models)),
		index:  make(map[string]domain.ModelDescriptor, len(models)),
	}

	for _, m := range models {
		if _, dup := r.index[m.LogicalName]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.LogicalName)
		}
		if !m.Provider.Valid() {
			return nil, fmt.Errorf("model %q: %w: %s", m.LogicalName, domain.ErrUnsupportedProvider, m.Provider)
		}
		if m.CredentialHeaderName == "" {
			m.CredentialHeaderName = HeaderFor(m.Provider)
		}
		r.static = append(r.static, m)
		r.index[m.LogicalName] = m
	}

	empty := map[string]domain.ModelDescriptor{}
	r.custom.Store(&empty)
	var order []string
	r.order.Store(&order)

	return r, nil
}

// Resolve returns the descriptor for a logical model name.
func (r *Registry) Resolve(logicalName string) (domain.ModelDescriptor, error) {
	if d, ok := r.index[logicalName]; ok {
		return d, nil
	}
	if d, ok := (*r.custom.Load())[logicalName]; ok {
		return d, nil
	}
	return domain.ModelDescriptor{}, fmt.Errorf("%w: %q", domain.ErrUnknownModel, logicalName)
}

// Models returns the static table followed by custom models, in table order.
func (r *Registry) Models() []domain.ModelDescriptor {
	custom := *r.custom.Load()
	order := *r.order.Load()

	out := make([]domain.ModelDescriptor, 0, len(r.static)+len(order))
	out = append(out, r.static...)
	for _, name := range order {
		out = append(out, custom[name])
	}
	return out
}

// StaticModels returns only the built-in table.
func (r *Registry) StaticModels() []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(r.static))
	copy(out, r.static)
	return out
}

// SetCustomModels replaces the set of models served by the LiteLLM proxy.
// Ids that collide with a built-in logical name are ignored.
func (r *Registry) SetCustomModels(ids []string) {
	custom := make(map[string]domain.ModelDescriptor, len(ids))
	order := make([]string, 0, len(ids))

	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, builtin := r.index[id]; builtin {
			continue
		}
		if _, dup := custom[id]; dup {
			continue
		}
		custom[id] = domain.ModelDescriptor{
			LogicalName:          id,
			UpstreamModelID:      id,
			Provider:             domain.ProviderLiteLLM,
			CredentialHeaderName: HeaderLiteLLM,
		}
		order = append(order, id)
	}

	r.custom.Store(&custom)
	r.order.Store(&order)
}
