package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type AddMessageRequest struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type ThreadResponse struct {
	*domain.Thread
	Summaries []domain.MessageSummary `json:"summaries"`
}

func (h *Handler) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	var req AddMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}

	msg, err := h.threads.AddMessage(ctx, threadID, req.Role, req.Content)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidRequest) {
			slog.Error("failed to add message", "thread_id", threadID, "error", err)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	thread, err := h.threads.GetThread(ctx, threadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries, err := h.threads.Summaries(ctx, threadID)
	if err != nil {
		slog.Warn("failed to load summaries", "thread_id", threadID, "error", err)
	}
	if summaries == nil {
		summaries = []domain.MessageSummary{}
	}

	writeJSON(w, http.StatusOK, ThreadResponse{Thread: thread, Summaries: summaries})
}
