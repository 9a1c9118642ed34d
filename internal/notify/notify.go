// Package notify delivers user notifications. Delivery is best-effort: the
// Dispatcher logs failures and never fails the workflow operation that
// triggered it, and the Queue moves delivery off the caller's goroutine.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"auditflow/internal/domain"
	"auditflow/internal/metrics"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	UserID       string                  `json:"user_id"`
	Type         domain.NotificationType `json:"type"`
	Title        string                  `json:"title"`
	Message      string                  `json:"message"`
	Priority     Priority                `json:"priority"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	ActionURL    string                  `json:"action_url,omitempty"`
	AssignmentID string                  `json:"assignment_id,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to every configured notifier.
type Dispatcher struct {
	Notifiers []Notifier
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// Dispatch sends n to all notifiers. The returned error joins individual
// failures; it is informational and already logged.
func (d Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	log := d.logger()
	if n.UserID == "" {
		log.Debug("notification without recipient dropped", zap.String("type", string(n.Type)))
		return nil
	}
	var errs []error
	for _, nt := range d.Notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
			log.Warn("notification failed",
				zap.String("type", string(n.Type)),
				zap.String("user_id", n.UserID),
				zap.String("assignment_id", n.AssignmentID),
				zap.Error(err))
		}
	}
	err := errors.Join(errs...)
	result := "sent"
	if err != nil {
		result = "failed"
	}
	d.Metrics.Notification(string(n.Type), result)
	return err
}

func (d Dispatcher) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	if l.Log == nil {
		return nil
	}
	l.Log.Info("notification",
		zap.String("type", string(n.Type)),
		zap.String("user_id", n.UserID),
		zap.String("title", n.Title),
		zap.String("priority", string(n.Priority)),
		zap.String("assignment_id", n.AssignmentID))
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfType returns the recorded notifications of type t.
func (r *Recorder) OfType(t domain.NotificationType) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
