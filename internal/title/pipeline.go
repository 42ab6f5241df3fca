// Package title derives a short title (or a per-message summary) for a
// thread in the background and writes it back. It never blocks the chat and
// never fails it: every problem ends as a logged, notified job state.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/completion"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

// DefaultModels is the model used for titles when the only thing known is
// which provider has a key.
var DefaultModels = map[domain.Provider]string{
	domain.ProviderGoogle:     "Gemini 2.5 Flash",
	domain.ProviderOpenAI:     "GPT-4.1-mini",
	domain.ProviderOpenRouter: "Deepseek V3",
}

const notifyTimeout = 5 * time.Second

// Credentials is the read side of the credential store.
type Credentials interface {
	GetKey(provider domain.Provider) (string, bool)
	FirstAvailableKey() (domain.Credential, bool)
	SelectedModel() string
	LiteLLMBaseURL() string
}

// Models is the read side of the model registry.
type Models interface {
	Resolve(logicalName string) (domain.ModelDescriptor, error)
	Models() []domain.ModelDescriptor
}

type Config struct {
	// Model pins the title model. Empty means pick by available key.
	Model string
	// AllowRegenerate lets a new title replace an existing one.
	AllowRegenerate bool
	// Timeout bounds one generation, including the round trip.
	Timeout time.Duration
}

type Pipeline struct {
	completer completion.Completer
	threads   repository.ThreadRepository
	creds     Credentials
	models    Models
	notifier  notifications.Notifier
	cfg       Config
	logger    *slog.Logger
}

func NewPipeline(completer completion.Completer, threads repository.ThreadRepository, creds Credentials, models Models, notifier notifications.Notifier, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		completer: completer,
		threads:   threads,
		creds:     creds,
		models:    models,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes one job and returns its terminal state.
func (p *Pipeline) Run(ctx context.Context, job domain.TitleJob) domain.TitleJobState {
	ctx, span := telemetry.StartSpan(ctx, "title.Run")
	defer span.End()
	telemetry.AddThreadAttributes(span, job.ThreadID, job.MessageID, job.IsTitle)

	state, err := p.run(ctx, job)
	metrics.RecordTitleJob(string(state))

	log := p.logger.With("thread_id", job.ThreadID, "message_id", job.MessageID, "is_title", job.IsTitle, "state", state)
	switch state {
	case domain.TitleJobFailed:
		telemetry.RecordError(span, err)
		log.Error("title job failed", "error", err)
		p.notifyFailure(ctx, job)
	case domain.TitleJobSkipped:
		log.Debug("title job skipped", "reason", err)
	default:
		log.Info("title job finished")
	}
	return state
}

func (p *Pipeline) run(ctx context.Context, job domain.TitleJob) (domain.TitleJobState, error) {
	desc, cred, ok := p.choose()
	if !ok {
		return domain.TitleJobSkipped, errors.New("no credential available")
	}

	if job.IsTitle {
		thread, err := p.threads.GetThread(ctx, job.ThreadID)
		if err != nil {
			return domain.TitleJobFailed, fmt.Errorf("load thread: %w", err)
		}
		if thread.Title != nil && !p.cfg.AllowRegenerate {
			return domain.TitleJobSkipped, errors.New("thread already titled")
		}

		began, err := p.threads.TryBeginTitle(ctx, job.ThreadID)
		if err != nil {
			return domain.TitleJobFailed, fmt.Errorf("mark title in flight: %w", err)
		}
		if !began {
			return domain.TitleJobSkipped, domain.ErrTitleInFlight
		}
		defer func() {
			if err := p.threads.EndTitle(context.WithoutCancel(ctx), job.ThreadID); err != nil {
				p.logger.Error("failed to clear title marker", "thread_id", job.ThreadID, "error", err)
			}
		}()

		// A job that held the marker before us may have titled the thread.
		if !p.cfg.AllowRegenerate {
			thread, err = p.threads.GetThread(ctx, job.ThreadID)
			if err != nil {
				return domain.TitleJobFailed, fmt.Errorf("reload thread: %w", err)
			}
			if thread.Title != nil {
				return domain.TitleJobSkipped, errors.New("thread already titled")
			}
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.completer.Complete(genCtx, domain.CompletionRequest{
		Model:     desc.LogicalName,
		Prompt:    job.Prompt,
		IsTitle:   job.IsTitle,
		MessageID: job.MessageID,
		ThreadID:  job.ThreadID,
	}, p.headers(cred))
	if err != nil {
		return domain.TitleJobFailed, err
	}

	p.persist(ctx, job, resp.Title)
	return domain.TitleJobSucceeded, nil
}

// choose picks the model and credential for a job. A pinned model wins when
// its provider has a key; otherwise the first available key decides.
func (p *Pipeline) choose() (domain.ModelDescriptor, domain.Credential, bool) {
	if p.cfg.Model != "" {
		desc, err := p.models.Resolve(p.cfg.Model)
		if err != nil {
			p.logger.Warn("configured title model is unknown", "model", p.cfg.Model)
		} else if key, ok := p.creds.GetKey(desc.Provider); ok {
			return desc, domain.Credential{Provider: desc.Provider, Key: key}, true
		}
	}

	cred, ok := p.creds.FirstAvailableKey()
	if !ok {
		return domain.ModelDescriptor{}, domain.Credential{}, false
	}

	desc, ok := p.modelFor(cred.Provider)
	if !ok {
		return domain.ModelDescriptor{}, domain.Credential{}, false
	}
	return desc, cred, true
}

func (p *Pipeline) modelFor(provider domain.Provider) (domain.ModelDescriptor, bool) {
	if name, ok := DefaultModels[provider]; ok {
		desc, err := p.models.Resolve(name)
		return desc, err == nil
	}

	if selected := p.creds.SelectedModel(); selected != "" {
		if desc, err := p.models.Resolve(selected); err == nil && desc.Provider == provider {
			return desc, true
		}
	}
	for _, desc := range p.models.Models() {
		if desc.Provider == provider {
			return desc, true
		}
	}
	return domain.ModelDescriptor{}, false
}

func (p *Pipeline) headers(cred domain.Credential) http.Header {
	h := make(http.Header)
	h.Set(registry.HeaderFor(cred.Provider), cred.Key)
	if cred.Provider == domain.ProviderLiteLLM {
		if base := p.creds.LiteLLMBaseURL(); base != "" {
			h.Set(registry.HeaderLiteLLMBaseURL, base)
		}
	}
	return h
}

// persist writes the result back. Failures are logged only; the title is
// best effort and the job already succeeded upstream.
func (p *Pipeline) persist(ctx context.Context, job domain.TitleJob, text string) {
	ctx = context.WithoutCancel(ctx)

	if job.IsTitle {
		if err := p.threads.UpdateThreadTitle(ctx, job.ThreadID, text); err != nil {
			p.logger.Error("failed to update thread title", "thread_id", job.ThreadID, "error", err)
		}
	}
	if err := p.threads.CreateMessageSummary(ctx, job.ThreadID, job.MessageID, text); err != nil {
		p.logger.Error("failed to create message summary", "thread_id", job.ThreadID, "message_id", job.MessageID, "error", err)
	}
}

func (p *Pipeline) notifyFailure(ctx context.Context, job domain.TitleJob) {
	if p.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	n := notifications.Notification{
		Type:      notifications.NotificationTitleFailed,
		ThreadID:  job.ThreadID,
		Message:   "Failed to generate a summary for the message",
		Data:      map[string]any{"message_id": job.MessageID, "is_title": job.IsTitle},
		CreatedAt: time.Now(),
	}
	if err := p.notifier.Send(ctx, n); err != nil {
		p.logger.Warn("failed to send title failure notification", "thread_id", job.ThreadID, "error", err)
	}
}
