package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/domain"
)

// gated blocks every delivery until release is closed.
type gated struct {
	release   chan struct{}
	delivered atomic.Int32
	ctxErr    atomic.Value
}

func newGated() *gated { return &gated{release: make(chan struct{})} }

func (g *gated) Notify(ctx context.Context, _ Notification) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		g.ctxErr.Store(ctx.Err())
		return ctx.Err()
	}
	g.delivered.Add(1)
	return nil
}

func TestQueueDispatchDoesNotWaitForDelivery(t *testing.T) {
	slow := newGated()
	rec := &Recorder{}
	q := NewQueue(Dispatcher{Notifiers: []Notifier{slow, rec}}, 8, 2)

	ctx, cancel := context.WithCancel(context.Background())
	began := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Dispatch(ctx, Notification{UserID: "u1", Type: domain.NotifyAssignment}))
	}
	assert.Less(t, time.Since(began), 100*time.Millisecond)
	// The caller going away does not cancel queued delivery.
	cancel()

	close(slow.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(3), slow.delivered.Load())
	assert.Len(t, rec.Sent(), 3)
	assert.Nil(t, slow.ctxErr.Load())
}

func TestQueueDropsWhenFull(t *testing.T) {
	slow := newGated()
	q := NewQueue(Dispatcher{Notifiers: []Notifier{slow}}, 1, 1)

	require.NoError(t, q.Dispatch(context.Background(), Notification{UserID: "u1"}))
	// The single worker takes at most one, the buffer holds one more.
	var full int
	for i := 0; i < 3; i++ {
		if err := q.Dispatch(context.Background(), Notification{UserID: "u1"}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 1)

	close(slow.release)
	require.NoError(t, q.Close(context.Background()))
	assert.ErrorIs(t, q.Dispatch(context.Background(), Notification{UserID: "u1"}), ErrQueueClosed)
}

func TestQueueCloseGivesUpAtDeadline(t *testing.T) {
	slow := newGated()
	q := NewQueue(Dispatcher{Notifiers: []Notifier{slow}}, 4, 1)
	require.NoError(t, q.Dispatch(context.Background(), Notification{UserID: "u1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), slow.delivered.Load())
	assert.NotNil(t, slow.ctxErr.Load())
}
