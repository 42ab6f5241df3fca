package openai

import "strings"

// LiteLLMBaseURL turns a proxy deployment URL such as
// https://llm.example.com into the OpenAI-compatible API root.
func LiteLLMBaseURL(deployment string) string {
	base := strings.TrimRight(strings.TrimSpace(deployment), "/")
	if base == "" || strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}
