package credentials

import (
	"fmt"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Sealer encrypts individual key values; crypto.Encryptor satisfies it.
type Sealer interface {
	Seal(plaintext, additionalData string) (string, error)
	Open(ciphertext, additionalData string) (string, error)
}

func sealKeys(sealer Sealer, keys domain.CredentialSet) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for provider, key := range keys {
		if key == "" || sealer == nil {
			out[string(provider)] = key
			continue
		}
		sealed, err := sealer.Seal(key, string(provider))
		if err != nil {
			return nil, fmt.Errorf("seal %s key: %w", provider, err)
		}
		out[string(provider)] = sealed
	}
	return out, nil
}

func openKeys(sealer Sealer, stored map[string]string) (domain.CredentialSet, error) {
	keys := domain.NewCredentialSet()
	for name, value := range stored {
		provider := domain.Provider(name)
		if !provider.Valid() {
			continue
		}
		if value == "" || sealer == nil {
			keys[provider] = value
			continue
		}
		key, err := sealer.Open(value, name)
		if err != nil {
			return nil, fmt.Errorf("open %s key: %w", provider, err)
		}
		keys[provider] = key
	}
	return keys, nil
}
