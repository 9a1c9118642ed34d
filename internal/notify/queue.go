package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Queue hands notifications to background workers so the operation that
// produced them returns without waiting on delivery. Workers run on their
// own context, not the caller's. A notification that does not fit in the
// buffer is dropped, logged and counted.
type Queue struct {
	d      Dispatcher
	ch     chan Notification
	g      *errgroup.Group
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts workers goroutines delivering through d.
func NewQueue(d Dispatcher, size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{d: d, ch: make(chan Notification, size), g: new(errgroup.Group), cancel: cancel}
	for i := 0; i < workers; i++ {
		q.g.Go(func() error {
			for n := range q.ch {
				_ = q.d.Dispatch(ctx, n)
			}
			return nil
		})
	}
	return q
}

// Dispatch enqueues n and returns at once. The error only reports a drop.
func (q *Queue) Dispatch(_ context.Context, n Notification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(n, ErrQueueClosed)
		return ErrQueueClosed
	}
	select {
	case q.ch <- n:
		return nil
	default:
		q.drop(n, ErrQueueFull)
		return ErrQueueFull
	}
}

func (q *Queue) drop(n Notification, reason error) {
	q.d.logger().Warn("notification dropped",
		zap.String("type", string(n.Type)),
		zap.String("user_id", n.UserID),
		zap.String("assignment_id", n.AssignmentID),
		zap.Error(reason))
	q.d.Metrics.Notification(string(n.Type), "dropped")
}

// Close stops accepting notifications and waits for the queued ones to be
// delivered. When ctx ends first, in-flight deliveries are cancelled and
// ctx.Err() is returned once the workers exit.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- q.g.Wait() }()
	select {
	case err := <-done:
		q.cancel()
		return err
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
