// Package queue carries title jobs from the thread service to the title
// workers. The in-memory queue serves a single instance; SQS lets workers
// run anywhere.
package queue

import (
	"context"
	"errors"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

var ErrQueueFull = errors.New("title queue is full")

// Delivery is a received job plus the handle needed to acknowledge it.
type Delivery struct {
	Job           domain.TitleJob
	ReceiptHandle string
}

type Queue interface {
	Enqueue(ctx context.Context, job domain.TitleJob) error
	// Receive blocks until at least one job is available or ctx is done.
	Receive(ctx context.Context, maxMessages int) ([]Delivery, error)
	Ack(ctx context.Context, receiptHandle string) error
}
