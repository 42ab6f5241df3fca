// Package credentials holds per-provider API keys and the model-selection
// settings. The Store is owned by the composition root and injected where
// needed; it re-reads its backend in full whenever another process changes it.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

type Store struct {
	backend Backend
	policy  KeyPolicy

	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    Snapshot
}

func NewStore(backend Backend, policy KeyPolicy) *Store {
	return &Store{
		backend: backend,
		policy:  policy,
		snap:    Snapshot{Keys: domain.NewCredentialSet()},
	}
}

// Reload replaces the in-memory state with a full read of the backend.
// It is serialized with writes so a slow read never overwrites a newer save.
func (s *Store) Reload(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	s.mu.Lock()
	s.snap = snap.clone()
	s.mu.Unlock()

	return nil
}

// Watch reloads the store on every change reported by w until ctx is done.
func (s *Store) Watch(ctx context.Context, w Watcher) error {
	return w.Watch(ctx, func() {
		if err := s.Reload(ctx); err != nil {
			metrics.RecordCredentialReload("error")
			slog.Error("failed to reload credentials", "error", err)
			return
		}
		metrics.RecordCredentialReload("success")
		slog.Info("credentials reloaded after external change")
	})
}

// SetKeys merges partial into the current set, last write wins per provider.
// Keys are stored as given; unknown providers are ignored.
func (s *Store) SetKeys(ctx context.Context, partial domain.CredentialSet) error {
	return s.update(ctx, func(snap *Snapshot) {
		for provider, key := range partial {
			if provider.Valid() {
				snap.Keys[provider] = key
			}
		}
	})
}

func (s *Store) SetSelectedModel(ctx context.Context, model string) error {
	return s.update(ctx, func(snap *Snapshot) {
		snap.SelectedModel = model
	})
}

func (s *Store) SetLiteLLMBaseURL(ctx context.Context, baseURL string) error {
	return s.update(ctx, func(snap *Snapshot) {
		snap.LiteLLMBaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	})
}

func (s *Store) update(ctx context.Context, mutate func(*Snapshot)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	next := s.snap.clone()
	s.mu.RUnlock()

	mutate(&next)

	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	return nil
}

// GetKey returns the key for a provider; ok is false when it is absent.
func (s *Store) GetKey(provider domain.Provider) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := s.snap.Keys[provider]
	if !present(key) {
		return "", false
	}
	return key, true
}

// FirstAvailableKey returns the first configured key in PriorityOrder.
func (s *Store) FirstAvailableKey() (domain.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FirstAvailable(s.snap.Keys)
}

func (s *Store) HasRequiredKeys() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Satisfied(s.snap.Keys)
}

func (s *Store) Policy() KeyPolicy {
	return s.policy
}

// ConfiguredProviders lists providers with a key, in PriorityOrder.
func (s *Store) ConfiguredProviders() []domain.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Provider
	for _, p := range PriorityOrder {
		if present(s.snap.Keys[p]) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) SelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.SelectedModel
}

func (s *Store) LiteLLMBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.LiteLLMBaseURL
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}
