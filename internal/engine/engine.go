// Package engine drives workflow definitions and instances. Every trigger
// runs in one store transaction; notifications and step callbacks are
// delivered only after it commits.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"auditflow/internal/assign"
	"auditflow/internal/config"
	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/expr"
	"auditflow/internal/metrics"
	"auditflow/internal/notify"
	"auditflow/internal/store"
)

const defaultMaxAutoSteps = 64

// Dispatcher sends notifications. notify.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) error
}

// StepEvent is passed to a StepListener after a trigger commits.
type StepEvent struct {
	Instance domain.WorkflowInstance
	StepID   string
	Action   domain.TimelineAction
	// Outcome is the approval outcome or decision handle, when there is one.
	Outcome string
}

type StepListener interface {
	OnStep(ctx context.Context, ev StepEvent)
}

type StepListenerFunc func(ctx context.Context, ev StepEvent)

func (f StepListenerFunc) OnStep(ctx context.Context, ev StepEvent) { f(ctx, ev) }

type Engine struct {
	Store        store.Store
	Notify       Dispatcher
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	Listener     StepListener
	MaxAutoSteps int
	Now          func() time.Time
}

func New(st store.Store, cfg *config.Config) *Engine {
	e := &Engine{
		Store:        st,
		Log:          zap.NewNop(),
		MaxAutoSteps: defaultMaxAutoSteps,
		Now:          time.Now,
	}
	if cfg != nil && cfg.Engine.MaxAutoSteps > 0 {
		e.MaxAutoSteps = cfg.Engine.MaxAutoSteps
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Engine) events() events.Writer { return events.Writer{Now: e.now} }

func (e *Engine) assigner() assign.Manager {
	return assign.Manager{Events: e.events(), Now: e.now}
}

func (e *Engine) maxSteps() int {
	if e.MaxAutoSteps > 0 {
		return e.MaxAutoSteps
	}
	return defaultMaxAutoSteps
}

// effects collects what a trigger announces once its transaction commits.
type effects struct {
	notes    []notify.Notification
	steps    []StepEvent
	started  int
	finished []domain.InstanceStatus
}

func (fx *effects) step(in domain.WorkflowInstance, stepID string, action domain.TimelineAction, outcome string) {
	fx.steps = append(fx.steps, StepEvent{Instance: in, StepID: stepID, Action: action, Outcome: outcome})
}

// update runs fn in a write transaction and flushes its effects on commit.
func (e *Engine) update(ctx context.Context, fn func(tx store.Tx, fx *effects) error) error {
	var fx effects
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		fx = effects{}
		return fn(tx, &fx)
	})
	if err != nil {
		e.Metrics.TransitionError(errorKind(err))
		return err
	}
	e.flush(ctx, fx)
	return nil
}

func (e *Engine) flush(ctx context.Context, fx effects) {
	for i := 0; i < fx.started; i++ {
		e.Metrics.InstanceStarted()
	}
	for _, st := range fx.finished {
		e.Metrics.InstanceFinished(string(st))
	}
	if e.Notify != nil {
		for _, n := range fx.notes {
			_ = e.Notify.Dispatch(ctx, n)
		}
	}
	if e.Listener != nil {
		for _, ev := range fx.steps {
			e.Listener.OnStep(ctx, ev)
		}
	}
}

func errorKind(err error) string {
	var (
		ve  *domain.ValidationError
		ce  *domain.ConflictError
		pe  *domain.PermissionError
		ne  *domain.NoMatchingEdgeError
		ee  *expr.ExpressionError
		nfe *domain.NotFoundError
		ie  *domain.InputError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &pe):
		return "permission"
	case errors.As(err, &ne):
		return "no_matching_edge"
	case errors.As(err, &ee):
		return "expression"
	case errors.As(err, &nfe):
		return "not_found"
	case errors.As(err, &ie):
		return "invalid"
	}
	return "internal"
}
