package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/queue"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
)

func TestAddMessage_FirstUserMessageSchedulesTitle(t *testing.T) {
	repo := repository.NewInMemoryThreadRepository()
	q := queue.NewInMemoryQueue(10)
	svc := NewService(repo, q, nil)
	ctx := context.Background()

	msg, err := svc.AddMessage(ctx, "thread-1", domain.RoleUser, "How do tides work?")
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	if msg.ID == "" || msg.ThreadID != "thread-1" {
		t.Errorf("message = %+v", msg)
	}

	svc.Wait()
	jobs := q.Drain()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if !job.IsTitle || job.ThreadID != "thread-1" || job.MessageID != msg.ID || job.Prompt != "How do tides work?" {
		t.Errorf("job = %+v", job)
	}

	thread, err := svc.GetThread(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if len(thread.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(thread.Messages))
	}
}

func TestAddMessage_LaterUserMessagesScheduleSummaries(t *testing.T) {
	repo := repository.NewInMemoryThreadRepository()
	q := queue.NewInMemoryQueue(10)
	svc := NewService(repo, q, nil)
	ctx := context.Background()

	steps := []struct {
		role    domain.Role
		content string
	}{
		{domain.RoleUser, "first"},
		{domain.RoleAssistant, "reply"},
		{domain.RoleUser, "second"},
	}
	for _, s := range steps {
		if _, err := svc.AddMessage(ctx, "thread-1", s.role, s.content); err != nil {
			t.Fatalf("AddMessage(%s) error = %v", s.content, err)
		}
		svc.Wait()
	}

	jobs := q.Drain()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if !jobs[0].IsTitle || jobs[0].Prompt != "first" {
		t.Errorf("first job = %+v", jobs[0])
	}
	if jobs[1].IsTitle || jobs[1].Prompt != "second" {
		t.Errorf("second job = %+v", jobs[1])
	}
}

func TestAddMessage_AssistantFirstStillTitlesFirstUserMessage(t *testing.T) {
	repo := repository.NewInMemoryThreadRepository()
	q := queue.NewInMemoryQueue(10)
	svc := NewService(repo, q, nil)
	ctx := context.Background()

	svc.AddMessage(ctx, "thread-1", domain.RoleAssistant, "Hi! How can I help?")
	svc.AddMessage(ctx, "thread-1", domain.RoleUser, "Plan a trip")
	svc.Wait()

	jobs := q.Drain()
	if len(jobs) != 1 || !jobs[0].IsTitle {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestAddMessage_Validation(t *testing.T) {
	svc := NewService(repository.NewInMemoryThreadRepository(), queue.NewInMemoryQueue(1), nil)

	tests := []struct {
		name     string
		threadID string
		role     domain.Role
		content  string
	}{
		{"empty thread", "", domain.RoleUser, "hi"},
		{"bad role", "t", domain.Role("system"), "hi"},
		{"empty content", "t", domain.RoleUser, "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddMessage(context.Background(), tt.threadID, tt.role, tt.content)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestAddMessage_FullQueueDoesNotFailCaller(t *testing.T) {
	q := queue.NewInMemoryQueue(1)
	svc := NewService(repository.NewInMemoryThreadRepository(), q, nil)
	ctx := context.Background()

	q.Enqueue(ctx, domain.TitleJob{ThreadID: "filler"})

	if _, err := svc.AddMessage(ctx, "thread-1", domain.RoleUser, "hello"); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	svc.Wait()

	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

type blockingQueue struct {
	release chan struct{}
}

func (q *blockingQueue) Enqueue(ctx context.Context, job domain.TitleJob) error {
	select {
	case <-q.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *blockingQueue) Receive(ctx context.Context, max int) ([]queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *blockingQueue) Ack(ctx context.Context, receiptHandle string) error { return nil }

func TestAddMessage_DoesNotWaitForQueue(t *testing.T) {
	q := &blockingQueue{release: make(chan struct{})}
	svc := NewService(repository.NewInMemoryThreadRepository(), q, nil)

	start := time.Now()
	if _, err := svc.AddMessage(context.Background(), "thread-1", domain.RoleUser, "hello"); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("AddMessage blocked for %v", elapsed)
	}

	close(q.release)
	svc.Wait()
}

func TestGetThread_NotFound(t *testing.T) {
	svc := NewService(repository.NewInMemoryThreadRepository(), queue.NewInMemoryQueue(1), nil)

	if _, err := svc.GetThread(context.Background(), "missing"); !errors.Is(err, domain.ErrThreadNotFound) {
		t.Errorf("error = %v, want ErrThreadNotFound", err)
	}
}
