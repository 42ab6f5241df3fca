package queue

import (
	"context"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

// DefaultBufferSize bounds the in-memory queue; jobs beyond it are dropped.
const DefaultBufferSize = 100

type InMemoryQueue struct {
	jobs chan domain.TitleJob
}

func NewInMemoryQueue(size int) *InMemoryQueue {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &InMemoryQueue{jobs: make(chan domain.TitleJob, size)}
}

// Enqueue never blocks. A full buffer returns ErrQueueFull.
func (q *InMemoryQueue) Enqueue(ctx context.Context, job domain.TitleJob) error {
	select {
	case q.jobs <- job:
		metrics.TitleQueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var out []Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job := <-q.jobs:
		out = append(out, Delivery{Job: job})
	}

	for len(out) < maxMessages {
		select {
		case job := <-q.jobs:
			out = append(out, Delivery{Job: job})
		default:
			metrics.TitleQueueDepth.Set(float64(len(q.jobs)))
			return out, nil
		}
	}

	metrics.TitleQueueDepth.Set(float64(len(q.jobs)))
	return out, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, receiptHandle string) error {
	return nil
}

// Drain removes and returns every job still buffered.
func (q *InMemoryQueue) Drain() []domain.TitleJob {
	var out []domain.TitleJob
	for {
		select {
		case job := <-q.jobs:
			out = append(out, job)
		default:
			metrics.TitleQueueDepth.Set(0)
			return out
		}
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.jobs)
}
