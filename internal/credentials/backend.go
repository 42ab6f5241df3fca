package credentials

import (
	"context"
	"sync"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Snapshot is everything the store persists: provider keys plus the
// model-selection settings that travel with them.
type Snapshot struct {
	Keys           domain.CredentialSet `json:"keys"`
	LiteLLMBaseURL string               `json:"litellmBaseUrl,omitempty"`
	SelectedModel  string               `json:"selectedModel,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Keys:           s.Keys.Clone(),
		LiteLLMBaseURL: s.LiteLLMBaseURL,
		SelectedModel:  s.SelectedModel,
	}
}

// Backend is the durable home of a Snapshot.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Watcher reports changes made to a backend by another process. Watch
// blocks until ctx is done, calling onChange for every external change.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type MemoryBackend struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snap: Snapshot{Keys: domain.NewCredentialSet()}}
}

func (b *MemoryBackend) Load(ctx context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.clone(), nil
}

func (b *MemoryBackend) Save(ctx context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = snap.clone()
	return nil
}
