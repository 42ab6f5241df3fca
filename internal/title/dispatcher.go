package title

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/queue"
)

const (
	DefaultWorkers = 2
	receiveBackoff = time.Second
)

// Runner processes one job to completion.
type Runner interface {
	Run(ctx context.Context, job domain.TitleJob) domain.TitleJobState
}

// drainer is implemented by queues that hold jobs in process and would lose
// them on exit.
type drainer interface {
	Drain() []domain.TitleJob
}

// Dispatcher feeds queued jobs to a fixed pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	runner  Runner
	workers int
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDispatcher(q queue.Queue, runner Runner, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   q,
		runner:  runner,
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. They stop receiving when ctx is done or
// Shutdown is called; a job already picked up always runs to the end.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Info("title dispatcher started", "workers", d.workers)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		deliveries, err := d.queue.Receive(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to receive title jobs", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		for _, delivery := range deliveries {
			d.process(context.WithoutCancel(ctx), delivery)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, delivery queue.Delivery) {
	d.runner.Run(ctx, delivery.Job)

	if delivery.ReceiptHandle == "" {
		return
	}
	if err := d.queue.Ack(ctx, delivery.ReceiptHandle); err != nil {
		d.logger.Error("failed to ack title job", "thread_id", delivery.Job.ThreadID, "error", err)
	}
}

// Shutdown stops the workers, waits for running jobs and then runs whatever
// an in-process queue still holds. It gives up when ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down title dispatcher")
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if dq, ok := d.queue.(drainer); ok {
		remaining := dq.Drain()
		for i, job := range remaining {
			if ctx.Err() != nil {
				d.logger.Warn("dropping undrained title jobs", "count", len(remaining)-i)
				return ctx.Err()
			}
			d.runner.Run(ctx, job)
		}
	}

	d.logger.Info("title dispatcher shutdown complete")
	return nil
}
