package validation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/provider/openai"
)

// FetchCustomModels lists the model ids served by a LiteLLM deployment.
// Any failure yields an empty list.
func FetchCustomModels(ctx context.Context, baseURL, key string, client *http.Client) []string {
	base := openai.LiteLLMBaseURL(baseURL)
	if base == "" {
		return []string{}
	}

	models, err := openai.New(domain.ProviderLiteLLM, key, base, "", client).Models(ctx)
	if err != nil {
		slog.Warn("fetch litellm models", "base_url", base, "error", err)
		return []string{}
	}

	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
