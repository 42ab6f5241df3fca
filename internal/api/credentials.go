package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/credentials"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
)

type UpdateCredentialsRequest struct {
	Keys           map[string]string `json:"keys"`
	LiteLLMBaseURL *string           `json:"liteLLMBaseUrl,omitempty"`
}

type UpdateSettingsRequest struct {
	SelectedModel  *string `json:"selectedModel,omitempty"`
	LiteLLMBaseURL *string `json:"liteLLMBaseUrl,omitempty"`
}

type ValidateCredentialsRequest struct {
	Credentials []domain.Credential `json:"credentials"`
}

// CredentialStatus describes the stored credentials without revealing them.
type CredentialStatus struct {
	Providers       []domain.Provider `json:"providers"`
	HasRequiredKeys bool              `json:"hasRequiredKeys"`
	KeyPolicy       string            `json:"keyPolicy"`
	SelectedModel   string            `json:"selectedModel"`
	LiteLLMBaseURL  string            `json:"liteLLMBaseUrl,omitempty"`
}

func (h *Handler) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateCredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	partial := make(domain.CredentialSet, len(req.Keys))
	for name, key := range req.Keys {
		p := domain.Provider(strings.ToLower(name))
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", name))
			return
		}
		partial[p] = key
	}

	if len(partial) > 0 {
		if err := h.store.SetKeys(ctx, partial); err != nil {
			slog.Error("failed to update credentials", "error", err)
			writeDomainError(w, err)
			return
		}
	}
	if req.LiteLLMBaseURL != nil {
		if err := h.store.SetLiteLLMBaseURL(ctx, strings.TrimSpace(*req.LiteLLMBaseURL)); err != nil {
			slog.Error("failed to update litellm base url", "error", err)
			writeDomainError(w, err)
			return
		}
	}

	if model, changed, err := credentials.AutoSelectModel(ctx, h.registry, h.store, registry.DefaultModel); err != nil {
		slog.Warn("failed to auto-select model", "error", err)
	} else if changed {
		slog.Info("selected model switched to a usable one", "model", model)
	}

	providers := make([]string, 0, len(partial))
	for p := range partial {
		providers = append(providers, string(p))
	}
	slog.Info("credentials updated", "providers", providers)
	h.notify(ctx, notifications.Notification{
		Type:    notifications.NotificationCredentialsChanged,
		Message: "Credentials updated",
		Data:    map[string]any{"providers": providers},
	})

	writeJSON(w, http.StatusOK, h.credentialStatus())
}

func (h *Handler) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.credentialStatus())
}

func (h *Handler) handleValidateCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ValidateCredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	creds := req.Credentials
	if len(creds) == 0 {
		// Validate whatever is stored.
		for _, p := range h.store.ConfiguredProviders() {
			key, _ := h.store.GetKey(p)
			creds = append(creds, domain.Credential{Provider: p, Key: key})
		}
	}

	results := h.validator.ValidateAll(ctx, creds)

	for _, res := range results {
		if res.IsValid {
			continue
		}
		h.notify(ctx, notifications.Notification{
			Type:    notifications.NotificationCredentialInvalid,
			Message: res.Error,
			Data:    map[string]any{"provider": string(res.Provider)},
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateSettingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SelectedModel != nil {
		if _, err := h.registry.Resolve(*req.SelectedModel); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := h.store.SetSelectedModel(ctx, *req.SelectedModel); err != nil {
			slog.Error("failed to update selected model", "error", err)
			writeDomainError(w, err)
			return
		}
	}
	if req.LiteLLMBaseURL != nil {
		if err := h.store.SetLiteLLMBaseURL(ctx, strings.TrimSpace(*req.LiteLLMBaseURL)); err != nil {
			slog.Error("failed to update litellm base url", "error", err)
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.credentialStatus())
}

func (h *Handler) credentialStatus() CredentialStatus {
	providers := h.store.ConfiguredProviders()
	if providers == nil {
		providers = []domain.Provider{}
	}
	return CredentialStatus{
		Providers:       providers,
		HasRequiredKeys: h.store.HasRequiredKeys(),
		KeyPolicy:       string(h.store.Policy()),
		SelectedModel:   h.selectedModel(),
		LiteLLMBaseURL:  h.store.LiteLLMBaseURL(),
	}
}

func (h *Handler) notify(ctx context.Context, n notifications.Notification) {
	if h.notifier == nil {
		return
	}
	n.CreatedAt = time.Now()
	if err := h.notifier.Send(context.WithoutCancel(ctx), n); err != nil {
		slog.Warn("failed to send notification", "type", n.Type, "error", err)
	}
}
