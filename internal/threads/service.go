// Package threads records conversation messages and schedules title and
// summary generation for them.
package threads

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/queue"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
)

const enqueueTimeout = 5 * time.Second

type Service struct {
	repo   repository.ThreadRepository
	queue  queue.Queue
	logger *slog.Logger

	pending sync.WaitGroup
}

func NewService(repo repository.ThreadRepository, q queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, queue: q, logger: logger}
}

// AddMessage appends a message, creating the thread on first use. The first
// user message of a thread schedules a title job and later user messages a
// summary job. Scheduling happens in the background and never fails the call.
func (s *Service) AddMessage(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id is required", domain.ErrInvalidRequest)
	}
	if role != domain.RoleUser && role != domain.RoleAssistant {
		return nil, fmt.Errorf("%w: role must be user or assistant", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidRequest)
	}

	if err := s.repo.CreateThread(ctx, &domain.Thread{ID: threadID}); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	thread, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	first := !hasUserMessage(thread.Messages)

	msg := &domain.Message{Role: role, Content: content}
	if err := s.repo.CreateMessage(ctx, threadID, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if role == domain.RoleUser {
		s.schedule(ctx, domain.TitleJob{
			ThreadID:  threadID,
			MessageID: msg.ID,
			Prompt:    content,
			IsTitle:   first,
			CreatedAt: time.Now(),
		})
	}

	return msg, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	return s.repo.GetThread(ctx, threadID)
}

func (s *Service) Summaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
	return s.repo.ListMessageSummaries(ctx, threadID)
}

// Wait blocks until every scheduled job has been handed to the queue.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) schedule(ctx context.Context, job domain.TitleJob) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cancel()

		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Warn("failed to enqueue title job",
				"thread_id", job.ThreadID,
				"message_id", job.MessageID,
				"is_title", job.IsTitle,
				"error", err,
			)
			return
		}
		s.logger.Debug("title job enqueued", "thread_id", job.ThreadID, "is_title", job.IsTitle)
	}()
}

func hasUserMessage(msgs []domain.Message) bool {
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			return true
		}
	}
	return false
}
