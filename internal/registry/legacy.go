package registry

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// LegacyRule pairs a credential header with the model used when a request
// carries that header but names no model.
type LegacyRule struct {
	Header string
	Model  string
}

// LegacyHeaderOrder is the header probing order used by clients that predate
// explicit model selection. The first populated header wins.
var LegacyHeaderOrder = []LegacyRule{
	{Header: HeaderGoogle, Model: "Gemini 2.5 Flash"},
	{Header: HeaderOpenAI, Model: "GPT-4.1-mini"},
	{Header: HeaderOpenRouter, Model: "Deepseek V3"},
}

// LegacyDefault picks the model for a request without an explicit model.
// It fails with ErrMissingCredential when no legacy header is populated.
func (r *Registry) LegacyDefault(h http.Header) (domain.ModelDescriptor, error) {
	for _, rule := range LegacyHeaderOrder {
		if strings.TrimSpace(h.Get(rule.Header)) == "" {
			continue
		}
		return r.Resolve(rule.Model)
	}
	return domain.ModelDescriptor{}, fmt.Errorf("%w: no provider header present", domain.ErrMissingCredential)
}
