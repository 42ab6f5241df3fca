package credentials

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// PriorityOrder is the order in which FirstAvailableKey looks for a key.
// Changing it changes which provider the title pipeline uses by default.
var PriorityOrder = []domain.Provider{
	domain.ProviderGoogle,
	domain.ProviderOpenAI,
	domain.ProviderOpenRouter,
	domain.ProviderLiteLLM,
}

// KeyPolicy decides whether the chat UI is usable for a given credential set.
type KeyPolicy string

const (
	// KeyPolicyNone never requires a key; features fail at their own call site.
	KeyPolicyNone KeyPolicy = "none"
	// KeyPolicyAny requires at least one provider key.
	KeyPolicyAny KeyPolicy = "any"
)

func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch KeyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyPolicyNone:
		return KeyPolicyNone, nil
	case KeyPolicyAny:
		return KeyPolicyAny, nil
	default:
		return "", fmt.Errorf("unknown key policy %q", s)
	}
}

// Satisfied is a pure function of the credential set.
func (p KeyPolicy) Satisfied(set domain.CredentialSet) bool {
	if p != KeyPolicyAny {
		return true
	}
	for _, provider := range domain.Providers {
		if present(set[provider]) {
			return true
		}
	}
	return false
}

// FirstAvailable walks PriorityOrder and returns the first provider with a key.
func FirstAvailable(set domain.CredentialSet) (domain.Credential, bool) {
	for _, provider := range PriorityOrder {
		if key := set[provider]; present(key) {
			return domain.Credential{Provider: provider, Key: key}, true
		}
	}
	return domain.Credential{}, false
}

func present(key string) bool {
	return strings.TrimSpace(key) != ""
}
