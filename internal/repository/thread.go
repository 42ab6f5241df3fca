package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/google/uuid"
)

// ThreadRepository is the durable home of threads, their messages and the
// summaries produced by the title pipeline. The title in-flight marker lives
// on the thread row so it survives a crash and can be reset at startup.
type ThreadRepository interface {
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, id string) (*domain.Thread, error)
	CreateMessage(ctx context.Context, threadID string, msg *domain.Message) error
	CreateMessageSummary(ctx context.Context, threadID, messageID, content string) error
	ListMessageSummaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error)
	UpdateThreadTitle(ctx context.Context, threadID, title string) error

	// TryBeginTitle sets the in-flight marker if it is clear and reports
	// whether this caller acquired it.
	TryBeginTitle(ctx context.Context, threadID string) (bool, error)
	EndTitle(ctx context.Context, threadID string) error
	// ResetInFlightTitles clears every marker and returns how many were set.
	ResetInFlightTitles(ctx context.Context) (int64, error)
}

type InMemoryThreadRepository struct {
	mu        sync.RWMutex
	threads   map[string]*domain.Thread
	summaries map[string][]domain.MessageSummary
}

func NewInMemoryThreadRepository() *InMemoryThreadRepository {
	return &InMemoryThreadRepository{
		threads:   make(map[string]*domain.Thread),
		summaries: make(map[string][]domain.MessageSummary),
	}
}

func (r *InMemoryThreadRepository) CreateThread(ctx context.Context, thread *domain.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.threads[thread.ID]; exists {
		return nil
	}

	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	stored := *thread
	stored.Messages = nil
	r.threads[thread.ID] = &stored

	return nil
}

func (r *InMemoryThreadRepository) GetThread(ctx context.Context, id string) (*domain.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	thread, ok := r.threads[id]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}

	out := *thread
	if thread.Title != nil {
		title := *thread.Title
		out.Title = &title
	}
	out.Messages = append([]domain.Message(nil), thread.Messages...)
	return &out, nil
}

func (r *InMemoryThreadRepository) CreateMessage(ctx context.Context, threadID string, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ThreadID = threadID

	thread.Messages = append(thread.Messages, *msg)
	sort.SliceStable(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].CreatedAt.Before(thread.Messages[j].CreatedAt)
	})
	thread.UpdatedAt = time.Now()

	return nil
}

func (r *InMemoryThreadRepository) CreateMessageSummary(ctx context.Context, threadID, messageID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.threads[threadID]; !ok {
		return domain.ErrThreadNotFound
	}

	r.summaries[threadID] = append(r.summaries[threadID], domain.MessageSummary{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		MessageID: messageID,
		Content:   content,
		CreatedAt: time.Now(),
	})

	return nil
}

func (r *InMemoryThreadRepository) ListMessageSummaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.threads[threadID]; !ok {
		return nil, domain.ErrThreadNotFound
	}

	return append([]domain.MessageSummary(nil), r.summaries[threadID]...), nil
}

func (r *InMemoryThreadRepository) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}

	thread.Title = &title
	thread.UpdatedAt = time.Now()

	return nil
}

func (r *InMemoryThreadRepository) TryBeginTitle(ctx context.Context, threadID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return false, domain.ErrThreadNotFound
	}
	if thread.TitleInFlight {
		return false, nil
	}

	thread.TitleInFlight = true
	return true, nil
}

func (r *InMemoryThreadRepository) EndTitle(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}

	thread.TitleInFlight = false
	return nil
}

func (r *InMemoryThreadRepository) ResetInFlightTitles(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, thread := range r.threads {
		if thread.TitleInFlight {
			thread.TitleInFlight = false
			n++
		}
	}
	return n, nil
}
