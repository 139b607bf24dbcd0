package issuance

import (
	"context"
	"errors"
	"log/slog"
)

// ErrQueueClosed is returned to submitters once the queue's run loop has
// stopped.
var ErrQueueClosed = errors.New("issuance: write queue is closed")

type writeRequest struct {
	ctx   context.Context
	apply func(ctx context.Context) error
	reply chan error
}

// writeQueue serializes registry mutations through a single consumer
// goroutine. Concurrent webhook deliveries therefore apply strictly in
// arrival order and can never race a lost update on the shared document.
// A failed write is reported to its own submitter only; the loop moves on
// to the next request regardless.
type writeQueue struct {
	requests chan writeRequest
	done     chan struct{}
	logger   *slog.Logger
}

func newWriteQueue(depth int, logger *slog.Logger) *writeQueue {
	if depth <= 0 {
		depth = 64
	}
	return &writeQueue{
		requests: make(chan writeRequest, depth),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("component", "write_queue")),
	}
}

// Run consumes requests until ctx is canceled. Pending submitters are
// released with ErrQueueClosed on shutdown.
func (q *writeQueue) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return ctx.Err()
		case req := <-q.requests:
			q.serve(req)
		}
	}
}

func (q *writeQueue) serve(req writeRequest) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- err
		return
	}
	err := req.apply(req.ctx)
	if err != nil {
		q.logger.Error("registry write failed", slog.String("error", err.Error()))
	}
	req.reply <- err
}

func (q *writeQueue) drain() {
	for {
		select {
		case req := <-q.requests:
			req.reply <- ErrQueueClosed
		default:
			return
		}
	}
}

// Submit enqueues a mutation and blocks until it has been applied in
// order, returning that mutation's own error.
func (q *writeQueue) Submit(ctx context.Context, apply func(ctx context.Context) error) error {
	req := writeRequest{ctx: ctx, apply: apply, reply: make(chan error, 1)}
	select {
	case q.requests <- req:
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-q.done:
		return ErrQueueClosed
	}
}
