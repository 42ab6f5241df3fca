package domain

import (
	"encoding/json"
	"time"
)

// Provider identifies an upstream LLM vendor or a compatible proxy.
type Provider string

const (
	ProviderGoogle     Provider = "google"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderLiteLLM    Provider = "litellm"
)

// Providers lists every known provider. A CredentialSet always carries one
// entry for each of them.
var Providers = []Provider{ProviderGoogle, ProviderOpenRouter, ProviderOpenAI, ProviderLiteLLM}

func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ModelDescriptor maps a user-facing model name to the upstream model it runs on.
type ModelDescriptor struct {
	LogicalName          string   `json:"name"`
	UpstreamModelID      string   `json:"model_id"`
	Provider             Provider `json:"provider"`
	CredentialHeaderName string   `json:"header"`
}

type Credential struct {
	Provider Provider `json:"provider"`
	Key      string   `json:"key"`
}

// CredentialSet holds one key per provider. An empty string means absent.
type CredentialSet map[Provider]string

// NewCredentialSet returns a set with an empty entry for every known provider.
func NewCredentialSet() CredentialSet {
	set := make(CredentialSet, len(Providers))
	for _, p := range Providers {
		set[p] = ""
	}
	return set
}

// Clone returns a normalized copy: every known provider present, unknown ones dropped.
func (s CredentialSet) Clone() CredentialSet {
	out := NewCredentialSet()
	for _, p := range Providers {
		out[p] = s[p]
	}
	return out
}

// Overrides carries per-request client options, currently the proxy base URL.
type Overrides struct {
	BaseURL string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageSummary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is a conversation. Title is nil until the title pipeline sets it.
// TitleInFlight is the persisted in-flight marker of the title pipeline.
type Thread struct {
	ID            string    `json:"id"`
	Title         *string   `json:"title"`
	TitleInFlight bool      `json:"titleLoading"`
	Messages      []Message `json:"messages,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CompletionRequest is the body accepted by POST /api/completion.
type CompletionRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	// Messages is passed through untouched; chat clients send several shapes.
	Messages  json.RawMessage `json:"messages,omitempty"`
	IsTitle   bool            `json:"isTitle,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
}

// CompletionResponse is returned on success. Title is always set for
// compatibility with older clients; Result carries the same text for
// non-title summaries.
type CompletionResponse struct {
	Title     string `json:"title"`
	Result    string `json:"result,omitempty"`
	IsTitle   bool   `json:"isTitle"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Model     string `json:"model,omitempty"`
}

type TitleJobState string

const (
	TitleJobIdle       TitleJobState = "idle"
	TitleJobRequesting TitleJobState = "requesting"
	TitleJobSucceeded  TitleJobState = "succeeded"
	TitleJobFailed     TitleJobState = "failed"
	TitleJobSkipped    TitleJobState = "skipped"
)

// TitleJob is one attempt at generating a title or message summary. Jobs
// travel through the title queue but are never stored with the thread; only
// the thread's in-flight marker is.
type TitleJob struct {
	ThreadID  string    `json:"threadId"`
	MessageID string    `json:"messageId"`
	Prompt    string    `json:"prompt"`
	IsTitle   bool      `json:"isTitle"`
	CreatedAt time.Time `json:"createdAt"`
}

type Model struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	OwnedBy  string   `json:"owned_by"`
	Provider Provider `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
