package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/auth"
	"github.com/felipepmaragno/chat-gateway/internal/credentials"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
	"github.com/felipepmaragno/chat-gateway/internal/validation"
	"golang.org/x/crypto/bcrypt"
)

// MockCompleter implements completion.Completer for testing
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error)
	calls        int32
}

func (m *MockCompleter) Complete(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req, headers)
	}
	return &domain.CompletionResponse{Title: "Test Title", IsTitle: req.IsTitle, MessageID: req.MessageID, ThreadID: req.ThreadID}, nil
}

// MockRateLimiter implements ratelimit.RateLimiter for testing
type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, clientID string, limit int) (bool, int, time.Time, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, clientID string, limit int) (bool, int, time.Time, error) {
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, clientID, limit)
	}
	return true, limit - 1, time.Now().Add(time.Minute), nil
}

// MockValidator implements Validator for testing
type MockValidator struct {
	ValidateAllFunc func(ctx context.Context, creds []domain.Credential) []validation.Result
	got             []domain.Credential
}

func (m *MockValidator) ValidateAll(ctx context.Context, creds []domain.Credential) []validation.Result {
	m.got = creds
	if m.ValidateAllFunc != nil {
		return m.ValidateAllFunc(ctx, creds)
	}
	out := make([]validation.Result, len(creds))
	for i, c := range creds {
		out[i] = validation.Result{Provider: c.Provider, IsValid: true}
	}
	return out
}

// MockThreadService implements ThreadService for testing
type MockThreadService struct {
	AddMessageFunc func(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error)
	GetThreadFunc  func(ctx context.Context, threadID string) (*domain.Thread, error)
	SummariesFunc  func(ctx context.Context, threadID string) ([]domain.MessageSummary, error)
}

func (m *MockThreadService) AddMessage(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error) {
	if m.AddMessageFunc != nil {
		return m.AddMessageFunc(ctx, threadID, role, content)
	}
	return &domain.Message{ID: "msg-1", ThreadID: threadID, Role: role, Content: content}, nil
}

func (m *MockThreadService) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	if m.GetThreadFunc != nil {
		return m.GetThreadFunc(ctx, threadID)
	}
	return nil, domain.ErrThreadNotFound
}

func (m *MockThreadService) Summaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
	if m.SummariesFunc != nil {
		return m.SummariesFunc(ctx, threadID)
	}
	return nil, nil
}

// MockHealthChecker implements HealthChecker for testing
type MockHealthChecker struct {
	NameValue string
	Err       error
}

func (m *MockHealthChecker) Name() string                    { return m.NameValue }
func (m *MockHealthChecker) Check(ctx context.Context) error { return m.Err }

type testDeps struct {
	completer   *MockCompleter
	rateLimiter *MockRateLimiter
	validator   *MockValidator
	threads     *MockThreadService
	store       *credentials.Store
	registry    *registry.Registry
	notifier    *notifications.InMemoryNotifier
}

func setupTestHandler(t *testing.T, checkers ...HealthChecker) (*Handler, *testDeps) {
	t.Helper()

	deps := &testDeps{
		completer:   &MockCompleter{},
		rateLimiter: &MockRateLimiter{},
		validator:   &MockValidator{},
		threads:     &MockThreadService{},
		store:       credentials.NewStore(credentials.NewMemoryBackend(), credentials.KeyPolicyAny),
		registry:    registry.New(),
		notifier:    notifications.NewInMemoryNotifier(),
	}

	h := NewHandler(HandlerConfig{
		Completer:     deps.completer,
		Registry:      deps.registry,
		Credentials:   deps.store,
		Validator:     deps.validator,
		FetchModels:   func(ctx context.Context, baseURL, key string) []string { return []string{"llama-3"} },
		Threads:       deps.threads,
		Notifications: deps.notifier,
		Notifier:      deps.notifier,
		RateLimiter:   deps.rateLimiter,
		RateLimitRPM:  60,
		Checkers:      checkers,
	})
	return h, deps
}

func doRequest(h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rr.Body.String())
	}
}

func TestHandleCompletion(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		headers        map[string]string
		completeErr    error
		wantStatus     int
		wantError      string
		wantCompleter  bool
		wantRateHeader bool
	}{
		{
			name:           "success echoes ids",
			body:           map[string]any{"model": "Gemini 2.5 Flash", "isTitle": true, "prompt": "hi", "messageId": "m1", "threadId": "t1"},
			headers:        map[string]string{registry.HeaderGoogle: "AIzaVALID"},
			wantStatus:     http.StatusOK,
			wantCompleter:  true,
			wantRateHeader: true,
		},
		{
			name:          "invalid json",
			body:          "not json",
			wantStatus:    http.StatusBadRequest,
			wantError:     "invalid request body",
			wantCompleter: false,
		},
		{
			name:          "missing credential",
			body:          map[string]any{"prompt": "hi", "isTitle": true},
			completeErr:   fmt.Errorf("%w: no header", domain.ErrMissingCredential),
			wantStatus:    http.StatusBadRequest,
			wantError:     "At least one API key is required to enable chat title generation.",
			wantCompleter: true,
		},
		{
			name:          "unknown model",
			body:          map[string]any{"model": "Nope", "prompt": "hi"},
			completeErr:   fmt.Errorf("%w: %q", domain.ErrUnknownModel, "Nope"),
			wantStatus:    http.StatusBadRequest,
			wantError:     `unknown model: "Nope"`,
			wantCompleter: true,
		},
		{
			name:          "upstream failure is generic",
			body:          map[string]any{"model": "GPT-4o", "prompt": "hi"},
			headers:       map[string]string{registry.HeaderOpenAI: "sk-test"},
			completeErr:   fmt.Errorf("%w: openai: status=401 body=secret details", domain.ErrUpstreamGeneration),
			wantStatus:    http.StatusInternalServerError,
			wantError:     "Failed to generate title",
			wantCompleter: true,
		},
		{
			name:          "unsupported provider",
			body:          map[string]any{"model": "X", "prompt": "hi"},
			completeErr:   domain.ErrUnsupportedProvider,
			wantStatus:    http.StatusInternalServerError,
			wantError:     "model provider is not supported",
			wantCompleter: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, deps := setupTestHandler(t)
			if tt.completeErr != nil {
				deps.completer.CompleteFunc = func(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
					return nil, tt.completeErr
				}
			}

			rr := doRequest(h, http.MethodPost, "/api/completion", tt.body, tt.headers)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if called := atomic.LoadInt32(&deps.completer.calls) > 0; called != tt.wantCompleter {
				t.Errorf("completer called = %v, want %v", called, tt.wantCompleter)
			}
			if rr.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
			if tt.wantRateHeader && rr.Header().Get("X-RateLimit-Limit") != "60" {
				t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
			}

			if tt.wantError != "" {
				var body map[string]string
				decodeBody(t, rr, &body)
				if body["error"] != tt.wantError {
					t.Errorf("error = %q, want %q", body["error"], tt.wantError)
				}
				if strings.Contains(rr.Body.String(), "secret") {
					t.Error("upstream details leaked to client")
				}
				return
			}

			var resp domain.CompletionResponse
			decodeBody(t, rr, &resp)
			if resp.ThreadID != "t1" || resp.MessageID != "m1" || !resp.IsTitle {
				t.Errorf("response = %+v", resp)
			}
			if !regexp.MustCompile(`^[^:"]*$`).MatchString(resp.Title) {
				t.Errorf("title %q contains forbidden characters", resp.Title)
			}
		})
	}
}

func TestHandleCompletion_PassesHeadersThrough(t *testing.T) {
	h, deps := setupTestHandler(t)

	var got http.Header
	deps.completer.CompleteFunc = func(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
		got = headers
		return &domain.CompletionResponse{Title: "ok"}, nil
	}

	doRequest(h, http.MethodPost, "/api/completion", map[string]any{"model": "GPT-4o", "prompt": "hi"}, map[string]string{
		registry.HeaderLiteLLM:        "sk-lite",
		registry.HeaderLiteLLMBaseURL: "https://llm.example.com",
	})

	if got.Get(registry.HeaderLiteLLM) != "sk-lite" || got.Get(registry.HeaderLiteLLMBaseURL) != "https://llm.example.com" {
		t.Errorf("headers = %v", got)
	}
}

func TestHandleCompletion_RateLimited(t *testing.T) {
	h, deps := setupTestHandler(t)

	var gotClient string
	deps.rateLimiter.AllowFunc = func(ctx context.Context, clientID string, limit int) (bool, int, time.Time, error) {
		gotClient = clientID
		return false, 0, time.Now().Add(time.Minute), nil
	}

	rr := doRequest(h, http.MethodPost, "/api/completion", map[string]any{"prompt": "hi"}, map[string]string{registry.HeaderGoogle: "AIzaVALID"})

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if atomic.LoadInt32(&deps.completer.calls) != 0 {
		t.Error("completer should not be called")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if !strings.HasPrefix(gotClient, "key:") || strings.Contains(gotClient, "AIzaVALID") {
		t.Errorf("client id = %q, want a key fingerprint", gotClient)
	}
}

func TestHandleCompletion_RateLimiterErrorFailsOpen(t *testing.T) {
	h, deps := setupTestHandler(t)
	deps.rateLimiter.AllowFunc = func(ctx context.Context, clientID string, limit int) (bool, int, time.Time, error) {
		return false, 0, time.Time{}, errors.New("redis down")
	}

	rr := doRequest(h, http.MethodPost, "/api/completion", map[string]any{"prompt": "hi"}, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestClientIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := clientIdentity(req); got != "addr:10.0.0.7" {
		t.Errorf("clientIdentity() = %q", got)
	}

	req.Header.Set(registry.HeaderOpenAI, "sk-a")
	a := clientIdentity(req)
	req.Header.Set(registry.HeaderGoogle, "AIza")
	b := clientIdentity(req)
	if a == b {
		t.Error("google key should take priority over openai key")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrUnknownModel, http.StatusBadRequest},
		{domain.ErrMissingCredential, http.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrInvalidRequest), http.StatusBadRequest},
		{domain.ErrThreadNotFound, http.StatusNotFound},
		{domain.ErrReadOnlyBackend, http.StatusConflict},
		{domain.ErrTitleInFlight, http.StatusConflict},
		{domain.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{domain.ErrUpstreamGeneration, http.StatusInternalServerError},
		{domain.ErrUnsupportedProvider, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestHandleListModels(t *testing.T) {
	h, deps := setupTestHandler(t)
	deps.store.SetKeys(context.Background(), domain.CredentialSet{domain.ProviderGoogle: "AIza"})
	deps.registry.SetCustomModels([]string{"llama-3"})

	rr := doRequest(h, http.MethodGet, "/api/models", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var body struct {
		Models        []modelEntry `json:"models"`
		SelectedModel string       `json:"selectedModel"`
	}
	decodeBody(t, rr, &body)

	if len(body.Models) != 7 {
		t.Fatalf("expected 7 models, got %d", len(body.Models))
	}
	if body.SelectedModel != registry.DefaultModel {
		t.Errorf("selectedModel = %q", body.SelectedModel)
	}

	for _, m := range body.Models {
		wantUsable := m.Provider == domain.ProviderGoogle
		if m.Usable != wantUsable {
			t.Errorf("%s usable = %v, want %v", m.Name, m.Usable, wantUsable)
		}
		if m.Custom != (m.Name == "llama-3") {
			t.Errorf("%s custom = %v", m.Name, m.Custom)
		}
	}
}

func TestHandleRefreshModels(t *testing.T) {
	h, deps := setupTestHandler(t)

	rr := doRequest(h, http.MethodPost, "/api/models/refresh", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("without base url: status = %d, want 400", rr.Code)
	}

	deps.store.SetLiteLLMBaseURL(context.Background(), "https://llm.example.com")
	rr = doRequest(h, http.MethodPost, "/api/models/refresh", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	d, err := deps.registry.Resolve("llama-3")
	if err != nil {
		t.Fatalf("custom model not registered: %v", err)
	}
	if d.Provider != domain.ProviderLiteLLM {
		t.Errorf("provider = %q", d.Provider)
	}
}

func TestHandleUpdateCredentials(t *testing.T) {
	h, deps := setupTestHandler(t)

	rr := doRequest(h, http.MethodPut, "/api/credentials", map[string]any{
		"keys": map[string]string{"openai": "sk-secret", "google": ""},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "sk-secret") {
		t.Error("response must not echo keys")
	}

	var status CredentialStatus
	decodeBody(t, rr, &status)
	if len(status.Providers) != 1 || status.Providers[0] != domain.ProviderOpenAI {
		t.Errorf("providers = %v", status.Providers)
	}
	if !status.HasRequiredKeys {
		t.Error("hasRequiredKeys should be true with policy any and one key")
	}
	// Default model is Gemini but only openai has a key.
	if status.SelectedModel != "GPT-4o" {
		t.Errorf("selectedModel = %q, want auto-selected GPT-4o", status.SelectedModel)
	}

	if key, _ := deps.store.GetKey(domain.ProviderOpenAI); key != "sk-secret" {
		t.Errorf("stored key = %q", key)
	}

	recent := deps.notifier.Recent("", 10)
	if len(recent) != 1 || recent[0].Type != notifications.NotificationCredentialsChanged {
		t.Errorf("notifications = %+v", recent)
	}
}

func TestHandleUpdateCredentials_UnknownProvider(t *testing.T) {
	h, _ := setupTestHandler(t)

	rr := doRequest(h, http.MethodPut, "/api/credentials", map[string]any{
		"keys": map[string]string{"anthropic": "x"},
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

type readOnlyBackend struct {
	*credentials.MemoryBackend
}

func (readOnlyBackend) Save(ctx context.Context, snap credentials.Snapshot) error {
	return domain.ErrReadOnlyBackend
}

func TestHandleUpdateCredentials_ReadOnly(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Completer:   &MockCompleter{},
		Registry:    registry.New(),
		Credentials: credentials.NewStore(readOnlyBackend{credentials.NewMemoryBackend()}, credentials.KeyPolicyNone),
		Validator:   &MockValidator{},
		Threads:     &MockThreadService{},
	})

	rr := doRequest(h, http.MethodPut, "/api/credentials", map[string]any{
		"keys": map[string]string{"openai": "sk"},
	}, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestHandleCredentialStatus_Empty(t *testing.T) {
	h, _ := setupTestHandler(t)

	rr := doRequest(h, http.MethodGet, "/api/credentials/status", nil, nil)
	var status CredentialStatus
	decodeBody(t, rr, &status)

	if status.HasRequiredKeys {
		t.Error("hasRequiredKeys should be false with policy any and no keys")
	}
	if status.Providers == nil || len(status.Providers) != 0 {
		t.Errorf("providers = %v", status.Providers)
	}
	if status.KeyPolicy != "any" {
		t.Errorf("keyPolicy = %q", status.KeyPolicy)
	}
}

func TestHandleValidateCredentials(t *testing.T) {
	h, deps := setupTestHandler(t)
	deps.validator.ValidateAllFunc = func(ctx context.Context, creds []domain.Credential) []validation.Result {
		out := make([]validation.Result, len(creds))
		for i, c := range creds {
			out[i] = validation.Result{Provider: c.Provider, IsValid: c.Key == "good"}
			if !out[i].IsValid {
				out[i].Error = "key not valid"
			}
		}
		return out
	}

	rr := doRequest(h, http.MethodPost, "/api/credentials/validate", map[string]any{
		"credentials": []map[string]string{
			{"provider": "openai", "key": "good"},
			{"provider": "google", "key": "bad"},
		},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var body struct {
		Results []validation.Result `json:"results"`
	}
	decodeBody(t, rr, &body)
	if len(body.Results) != 2 || !body.Results[0].IsValid || body.Results[1].IsValid {
		t.Errorf("results = %+v", body.Results)
	}

	recent := deps.notifier.Recent("", 10)
	if len(recent) != 1 || recent[0].Type != notifications.NotificationCredentialInvalid {
		t.Errorf("notifications = %+v", recent)
	}
}

func TestHandleValidateCredentials_StoredKeys(t *testing.T) {
	h, deps := setupTestHandler(t)
	deps.store.SetKeys(context.Background(), domain.CredentialSet{
		domain.ProviderGoogle:     "AIza",
		domain.ProviderOpenRouter: "sk-or",
	})

	rr := doRequest(h, http.MethodPost, "/api/credentials/validate", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(deps.validator.got) != 2 {
		t.Fatalf("validated %d credentials, want 2", len(deps.validator.got))
	}
	if deps.validator.got[0].Provider != domain.ProviderGoogle || deps.validator.got[1].Provider != domain.ProviderOpenRouter {
		t.Errorf("validated = %+v", deps.validator.got)
	}
}

func TestHandleUpdateSettings(t *testing.T) {
	h, deps := setupTestHandler(t)

	rr := doRequest(h, http.MethodPut, "/api/settings", map[string]any{"selectedModel": "Deepseek V3"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if deps.store.SelectedModel() != "Deepseek V3" {
		t.Errorf("selected model = %q", deps.store.SelectedModel())
	}

	rr = doRequest(h, http.MethodPut, "/api/settings", map[string]any{"selectedModel": "Nope"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown model: status = %d, want 400", rr.Code)
	}
}

func TestHandleAddMessage(t *testing.T) {
	h, deps := setupTestHandler(t)

	var gotRole domain.Role
	deps.threads.AddMessageFunc = func(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error) {
		gotRole = role
		if content == "" {
			return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidRequest)
		}
		return &domain.Message{ID: "m1", ThreadID: threadID, Role: role, Content: content}, nil
	}

	rr := doRequest(h, http.MethodPost, "/api/threads/t1/messages", map[string]any{"content": "hello"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	if gotRole != domain.RoleUser {
		t.Errorf("role = %q, want default user", gotRole)
	}

	var msg domain.Message
	decodeBody(t, rr, &msg)
	if msg.ThreadID != "t1" || msg.ID != "m1" {
		t.Errorf("message = %+v", msg)
	}

	rr = doRequest(h, http.MethodPost, "/api/threads/t1/messages", map[string]any{"content": ""}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty content: status = %d, want 400", rr.Code)
	}
}

func TestHandleGetThread(t *testing.T) {
	h, deps := setupTestHandler(t)
	title := "Tides"
	deps.threads.GetThreadFunc = func(ctx context.Context, threadID string) (*domain.Thread, error) {
		if threadID != "t1" {
			return nil, domain.ErrThreadNotFound
		}
		return &domain.Thread{ID: "t1", Title: &title}, nil
	}
	deps.threads.SummariesFunc = func(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
		return []domain.MessageSummary{{MessageID: "m1", Content: "Tides"}}, nil
	}

	rr := doRequest(h, http.MethodGet, "/api/threads/t1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var body struct {
		ID        string                  `json:"id"`
		Title     *string                 `json:"title"`
		Summaries []domain.MessageSummary `json:"summaries"`
	}
	decodeBody(t, rr, &body)
	if body.ID != "t1" || body.Title == nil || *body.Title != "Tides" || len(body.Summaries) != 1 {
		t.Errorf("body = %+v", body)
	}

	rr = doRequest(h, http.MethodGet, "/api/threads/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing thread: status = %d, want 404", rr.Code)
	}
}

func TestHandleNotifications(t *testing.T) {
	h, deps := setupTestHandler(t)
	ctx := context.Background()

	deps.notifier.Send(ctx, notifications.Notification{Type: notifications.NotificationTitleFailed, ThreadID: "t1", Message: "a"})
	deps.notifier.Send(ctx, notifications.Notification{Type: notifications.NotificationTitleFailed, ThreadID: "t2", Message: "b"})

	rr := doRequest(h, http.MethodGet, "/api/notifications?threadId=t1", nil, nil)
	var body struct {
		Notifications []notifications.Notification `json:"notifications"`
	}
	decodeBody(t, rr, &body)
	if len(body.Notifications) != 1 || body.Notifications[0].ThreadID != "t1" {
		t.Errorf("notifications = %+v", body.Notifications)
	}

	rr = doRequest(h, http.MethodGet, "/api/notifications?limit=abc", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", rr.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		checkers   []HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"live", "/health/live", nil, http.StatusOK, `"ok"`},
		{"ready without checkers", "/health/ready", nil, http.StatusOK, `"ready"`},
		{
			"ready with healthy deps", "/health/ready",
			[]HealthChecker{&MockHealthChecker{NameValue: "redis"}, &MockHealthChecker{NameValue: "postgres"}},
			http.StatusOK, `"ready"`,
		},
		{
			"ready with failing dep", "/health/ready",
			[]HealthChecker{&MockHealthChecker{NameValue: "redis"}, &MockHealthChecker{NameValue: "postgres", Err: errors.New("connection refused")}},
			http.StatusServiceUnavailable, `"not_ready"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupTestHandler(t, tt.checkers...)
			rr := doRequest(h, http.MethodGet, tt.path, nil, nil)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHealthReady_ReportsOpenCircuitsWithoutFailing(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Registry:      registry.New(),
		Credentials:   credentials.NewStore(credentials.NewMemoryBackend(), credentials.KeyPolicyNone),
		CircuitStates: func() map[string]string { return map[string]string{"google": "open"} },
	})

	rr := doRequest(h, http.MethodGet, "/health/ready", nil, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var status HealthStatus
	decodeBody(t, rr, &status)
	if status.CircuitBreakers["google"] != "open" {
		t.Errorf("circuit_breakers = %v", status.CircuitBreakers)
	}
}

func TestOperatorRoutesRequireAuth(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	guard := auth.NewRBACMiddleware(auth.NewAuthenticator([]auth.User{
		{Username: "ops", PasswordHash: string(hash), Role: auth.RoleAdmin},
		{Username: "support", PasswordHash: string(hash), Role: auth.RoleViewer},
	}))
	h := NewHandler(HandlerConfig{
		Completer:    &MockCompleter{},
		Registry:     registry.New(),
		Credentials:  credentials.NewStore(credentials.NewMemoryBackend(), credentials.KeyPolicyNone),
		Validator:    &MockValidator{},
		Threads:      &MockThreadService{},
		RateLimiter:  &MockRateLimiter{},
		RateLimitRPM: 60,
		Auth:         guard,
	})

	do := func(method, path, user string, body any) int {
		var data []byte
		if body != nil {
			data, _ = json.Marshal(body)
		}
		req := httptest.NewRequest(method, path, bytes.NewReader(data))
		if user != "" {
			req.SetBasicAuth(user, "pw")
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	update := map[string]any{"keys": map[string]string{"google": "AIza"}}

	if code := do(http.MethodPut, "/api/credentials", "", update); code != http.StatusUnauthorized {
		t.Errorf("anonymous update: status = %d, want 401", code)
	}
	if code := do(http.MethodPut, "/api/credentials", "support", update); code != http.StatusForbidden {
		t.Errorf("viewer update: status = %d, want 403", code)
	}
	if code := do(http.MethodPut, "/api/credentials", "ops", update); code != http.StatusOK {
		t.Errorf("admin update: status = %d, want 200", code)
	}
	if code := do(http.MethodGet, "/api/credentials/status", "support", nil); code != http.StatusOK {
		t.Errorf("viewer status: status = %d, want 200", code)
	}
	if code := do(http.MethodGet, "/api/models", "", nil); code != http.StatusOK {
		t.Errorf("models must stay open: status = %d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/completion", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(registry.HeaderGoogle, "AIza")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("completion must stay open: status = %d", rr.Code)
	}
}

func TestPingChecker(t *testing.T) {
	c := NewPingChecker("cache", func(ctx context.Context) error { return errors.New("down") })
	if c.Name() != "cache" {
		t.Errorf("Name() = %q", c.Name())
	}
	if c.Check(context.Background()) == nil {
		t.Error("expected error")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupTestHandler(t)
	rr := doRequest(h, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}

func BenchmarkHandleCompletion(b *testing.B) {
	h := NewHandler(HandlerConfig{
		Completer:    &MockCompleter{},
		Registry:     registry.New(),
		Credentials:  credentials.NewStore(credentials.NewMemoryBackend(), credentials.KeyPolicyNone),
		Validator:    &MockValidator{},
		Threads:      &MockThreadService{},
		RateLimiter:  &MockRateLimiter{},
		RateLimitRPM: 1000,
	})

	body, _ := json.Marshal(map[string]any{"model": "Gemini 2.5 Flash", "prompt": "hello", "isTitle": true})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/completion", bytes.NewReader(body))
		req.Header.Set(registry.HeaderGoogle, "AIza")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
	}
}

func TestHandleCompletion_AcceptsChatClientMessageShapes(t *testing.T) {
	bodies := map[string]string{
		"content parts":   `{"model":"Gemini 2.5 Flash","prompt":"hi","isTitle":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`,
		"epoch createdAt": `{"model":"Gemini 2.5 Flash","prompt":"hi","isTitle":true,"messages":[{"role":"user","content":"hi","createdAt":1718000000000}]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			h, deps := setupTestHandler(t)

			var got domain.CompletionRequest
			deps.completer.CompleteFunc = func(ctx context.Context, req domain.CompletionRequest, headers http.Header) (*domain.CompletionResponse, error) {
				got = req
				return &domain.CompletionResponse{Title: "Greeting", IsTitle: true}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/api/completion", strings.NewReader(body))
			req.Header.Set(registry.HeaderGoogle, "AIzaVALID")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
			}
			if got.Prompt != "hi" || !got.IsTitle || len(got.Messages) == 0 {
				t.Errorf("request = %+v", got)
			}
		})
	}
}
