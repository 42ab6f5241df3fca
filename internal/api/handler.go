package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/auth"
	"github.com/felipepmaragno/chat-gateway/internal/completion"
	"github.com/felipepmaragno/chat-gateway/internal/credentials"
	"github.com/felipepmaragno/chat-gateway/internal/crypto"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/ratelimit"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
	"github.com/felipepmaragno/chat-gateway/internal/validation"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// ModelRegistry is the registry surface the HTTP layer uses.
type ModelRegistry interface {
	Resolve(logicalName string) (domain.ModelDescriptor, error)
	Models() []domain.ModelDescriptor
	StaticModels() []domain.ModelDescriptor
	SetCustomModels(ids []string)
}

type Validator interface {
	ValidateAll(ctx context.Context, creds []domain.Credential) []validation.Result
}

// ModelFetcher lists the models served by a LiteLLM deployment.
type ModelFetcher func(ctx context.Context, baseURL, key string) []string

type ThreadService interface {
	AddMessage(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error)
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	Summaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error)
}

type NotificationFeed interface {
	Recent(threadID string, limit int) []notifications.Notification
}

type HandlerConfig struct {
	Completer     completion.Completer
	Registry      ModelRegistry
	Credentials   *credentials.Store
	Validator     Validator
	FetchModels   ModelFetcher
	Threads       ThreadService
	Notifications NotificationFeed
	Notifier      notifications.Notifier
	RateLimiter   ratelimit.RateLimiter
	RateLimitRPM  int
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	// CircuitStates reports provider circuit breakers on /health/ready.
	CircuitStates func() map[string]string
	// Auth guards the credential and settings routes. Nil leaves them open.
	Auth *auth.RBACMiddleware
}

type Handler struct {
	completer     completion.Completer
	registry      ModelRegistry
	store         *credentials.Store
	validator     Validator
	fetchModels   ModelFetcher
	threads       ThreadService
	feed          NotificationFeed
	notifier      notifications.Notifier
	rateLimiter   ratelimit.RateLimiter
	rateLimitRPM  int
	checkers      []HealthChecker
	healthTimeout time.Duration
	auth          *auth.RBACMiddleware
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}

	h := &Handler{
		completer:     cfg.Completer,
		registry:      cfg.Registry,
		store:         cfg.Credentials,
		validator:     cfg.Validator,
		fetchModels:   cfg.FetchModels,
		threads:       cfg.Threads,
		feed:          cfg.Notifications,
		notifier:      cfg.Notifier,
		rateLimiter:   cfg.RateLimiter,
		rateLimitRPM:  cfg.RateLimitRPM,
		checkers:      cfg.Checkers,
		healthTimeout: healthTimeout,
		auth:          cfg.Auth,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/completion", h.handleCompletion)
	h.mux.HandleFunc("GET /api/models", h.handleListModels)
	h.mux.HandleFunc("POST /api/models/refresh", h.guard(auth.PermissionCredentialsWrite, h.handleRefreshModels))
	h.mux.HandleFunc("PUT /api/credentials", h.guard(auth.PermissionCredentialsWrite, h.handleUpdateCredentials))
	h.mux.HandleFunc("GET /api/credentials/status", h.guard(auth.PermissionCredentialsRead, h.handleCredentialStatus))
	h.mux.HandleFunc("POST /api/credentials/validate", h.guard(auth.PermissionCredentialsWrite, h.handleValidateCredentials))
	h.mux.HandleFunc("PUT /api/settings", h.guard(auth.PermissionCredentialsWrite, h.handleUpdateSettings))
	h.mux.HandleFunc("POST /api/threads/{id}/messages", h.handleAddMessage)
	h.mux.HandleFunc("GET /api/threads/{id}", h.handleGetThread)
	h.mux.HandleFunc("GET /api/notifications", h.handleNotifications)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(h.checkers, h.healthTimeout, cfg.CircuitStates))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) guard(permission auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return next
	}
	return h.auth.Require(permission, next)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

const routeCompletion = "/api/completion"

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	status := http.StatusOK
	defer func() {
		metrics.RecordRequest(routeCompletion, strconv.Itoa(status), time.Since(start).Seconds())
	}()

	if h.rateLimiter != nil && h.rateLimitRPM > 0 {
		clientID := clientIdentity(r)
		allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, clientID, h.rateLimitRPM)
		if err != nil {
			// Limiter outages fail open.
			slog.Error("rate limiter error", "error", err, "request_id", requestID)
		} else {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

			if !allowed {
				metrics.RecordRateLimitHit(routeCompletion)
				slog.Warn("rate limit exceeded", "client_id", clientID, "request_id", requestID)
				status = writeDomainError(w, domain.ErrRateLimitExceeded)
				return
			}
		}
	}

	var req domain.CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid request body")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "api.Completion")
	defer span.End()
	telemetry.AddRequestAttributes(span, "", req.Model, requestID)

	resp, err := h.completer.Complete(ctx, req, r.Header)
	if err != nil {
		telemetry.RecordError(span, err)
		if completion.IsClientError(err) {
			slog.Warn("completion rejected", "error", err, "request_id", requestID, "model", req.Model)
		} else {
			slog.Error("completion failed", "error", err, "request_id", requestID, "model", req.Model, "thread_id", req.ThreadID, "trace_id", telemetry.TraceID(ctx))
		}
		status = writeDomainError(w, err)
		return
	}

	slog.Info("completion served",
		"request_id", requestID,
		"model", resp.Model,
		"is_title", resp.IsTitle,
		"thread_id", resp.ThreadID,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, resp)
}

type modelEntry struct {
	Name     string          `json:"name"`
	ModelID  string          `json:"modelId"`
	Provider domain.Provider `json:"provider"`
	Header   string          `json:"header"`
	Usable   bool            `json:"usable"`
	Custom   bool            `json:"custom,omitempty"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	static := make(map[string]bool)
	for _, d := range h.registry.StaticModels() {
		static[d.LogicalName] = true
	}

	models := h.registry.Models()
	out := make([]modelEntry, 0, len(models))
	for _, d := range models {
		_, usable := h.store.GetKey(d.Provider)
		out = append(out, modelEntry{
			Name:     d.LogicalName,
			ModelID:  d.UpstreamModelID,
			Provider: d.Provider,
			Header:   d.CredentialHeaderName,
			Usable:   usable,
			Custom:   !static[d.LogicalName],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":        out,
		"selectedModel": h.selectedModel(),
	})
}

func (h *Handler) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	base := h.store.LiteLLMBaseURL()
	key, _ := h.store.GetKey(domain.ProviderLiteLLM)
	if base == "" {
		writeError(w, http.StatusBadRequest, "LiteLLM base URL is not configured")
		return
	}

	ids := []string{}
	if h.fetchModels != nil {
		ids = h.fetchModels(ctx, base, key)
	}
	h.registry.SetCustomModels(ids)

	slog.Info("custom models refreshed", "count", len(ids))
	writeJSON(w, http.StatusOK, map[string]any{"models": ids, "count": len(ids)})
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": []notifications.Notification{}})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items := h.feed.Recent(r.URL.Query().Get("threadId"), limit)
	if items == nil {
		items = []notifications.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) selectedModel() string {
	if m := h.store.SelectedModel(); m != "" {
		return m
	}
	return registry.DefaultModel
}

// clientIdentity keys rate limiting by the first credential the caller
// presents, or by address when there is none. Keys are never used raw.
func clientIdentity(r *http.Request) string {
	for _, p := range credentials.PriorityOrder {
		if key := strings.TrimSpace(r.Header.Get(registry.HeaderFor(p))); key != "" {
			return "key:" + crypto.Fingerprint(key)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// statusFor maps domain errors to HTTP status codes and client-safe messages.
// Upstream failure details are never exposed.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingCredential):
		return http.StatusBadRequest, "At least one API key is required to enable chat title generation."
	case errors.Is(err, domain.ErrUnknownModel), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrThreadNotFound):
		return http.StatusNotFound, "thread not found"
	case errors.Is(err, domain.ErrReadOnlyBackend):
		return http.StatusConflict, "credential storage is read-only"
	case errors.Is(err, domain.ErrTitleInFlight):
		return http.StatusConflict, "title generation already in progress"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, domain.ErrUpstreamGeneration):
		return http.StatusInternalServerError, "Failed to generate title"
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusInternalServerError, "model provider is not supported"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeDomainError(w http.ResponseWriter, err error) int {
	status, msg := statusFor(err)
	writeError(w, status, msg)
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
