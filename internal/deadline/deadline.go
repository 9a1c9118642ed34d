// Package deadline classifies open assignments by time to deadline, sends
// reminders for approaching ones and escalates overdue ones exactly once.
// A Monitor keeps no state between passes; the store is the only memory.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auditflow/internal/assign"
	"auditflow/internal/config"
	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/metrics"
	"auditflow/internal/notify"
	"auditflow/internal/store"
)

type Class string

const (
	OnTime      Class = "on_time"
	Approaching Class = "approaching"
	Overdue     Class = "overdue"
)

const (
	DefaultApproachingWindow = 24 * time.Hour
	DefaultReminderInterval  = 24 * time.Hour
	defaultConcurrency       = 4
)

// Classify places a relative to now. An assignment without a deadline is
// always on time.
func Classify(a domain.StepAssignment, now time.Time, window time.Duration) Class {
	if a.Deadline == nil {
		return OnTime
	}
	if window <= 0 {
		window = DefaultApproachingWindow
	}
	switch {
	case now.After(*a.Deadline):
		return Overdue
	case a.Deadline.Sub(now) <= window:
		return Approaching
	}
	return OnTime
}

// Dispatcher sends notifications. notify.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) error
}

type Monitor struct {
	Store             store.Store
	Notify            Dispatcher
	Metrics           *metrics.Metrics
	Log               *zap.Logger
	Now               func() time.Time
	ApproachingWindow time.Duration
	ReminderInterval  time.Duration
	Concurrency       int
	// DefaultRole is used when the step has no escalateTo role.
	DefaultRole string
}

func New(st store.Store, cfg *config.Config) *Monitor {
	m := &Monitor{
		Store:             st,
		Log:               zap.NewNop(),
		Now:               time.Now,
		ApproachingWindow: DefaultApproachingWindow,
		ReminderInterval:  DefaultReminderInterval,
		Concurrency:       defaultConcurrency,
	}
	if cfg != nil {
		d := cfg.Deadlines
		if d.ApproachingWindow > 0 {
			m.ApproachingWindow = d.ApproachingWindow
		}
		if d.ReminderInterval > 0 {
			m.ReminderInterval = d.ReminderInterval
		}
		if d.Concurrency > 0 {
			m.Concurrency = d.Concurrency
		}
		m.DefaultRole = d.DefaultEscalationRole
	}
	return m
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Monitor) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

func (m *Monitor) dispatch(ctx context.Context, n notify.Notification) {
	if m.Notify == nil {
		return
	}
	_ = m.Notify.Dispatch(ctx, n)
}

// Outcome of one escalation attempt.
type Outcome string

const (
	OutcomeEscalated Outcome = "escalated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

type EscalationResult struct {
	AssignmentID string  `json:"assignment_id"`
	InstanceID   string  `json:"instance_id,omitempty"`
	StepID       string  `json:"step_id,omitempty"`
	Outcome      Outcome `json:"outcome" enum:"escalated,skipped,failed"`
	EscalatedTo  string  `json:"escalated_to,omitempty"`
	Error        string  `json:"error,omitempty"`
	Retryable    bool    `json:"retryable,omitempty"`
}

// Escalate reassigns an overdue pending assignment to the first active user
// holding the step's escalation role. Calling it again, or concurrently, is
// a no-op: the compare-and-set on escalated_at admits one winner. With no
// target the assignment is left untouched and a
// *domain.NoEscalationTargetError is returned for the next pass to retry.
func (m *Monitor) Escalate(ctx context.Context, assignmentID string) (EscalationResult, error) {
	res := EscalationResult{AssignmentID: assignmentID, Outcome: OutcomeSkipped}
	var note *notify.Notification
	err := m.Store.Update(ctx, func(tx store.Tx) error {
		note = nil
		a, err := tx.Assignments().Get(ctx, assignmentID)
		if err != nil {
			return err
		}
		res.InstanceID, res.StepID = a.WorkflowInstanceID, a.StepID
		if a.Status != domain.AssignmentPending || a.EscalatedAt != nil {
			return nil
		}
		in, err := tx.Instances().Get(ctx, a.WorkflowInstanceID)
		if err != nil {
			return err
		}
		if in.Status != domain.InstanceRunning {
			return nil
		}
		def, err := tx.Definitions().Get(ctx, in.DefinitionID)
		if err != nil {
			return err
		}
		role := m.DefaultRole
		if n, ok := def.Node(a.StepID); ok && n.EscalateTo() != "" {
			role = n.EscalateTo()
		}
		if role == "" {
			return &domain.NoEscalationTargetError{AssignmentID: a.ID}
		}
		target, ok, err := tx.Users().FirstActiveWithRole(ctx, role)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.NoEscalationTargetError{AssignmentID: a.ID, Role: role}
		}
		now := m.now()
		won, err := tx.Assignments().MarkEscalated(ctx, a.ID, target.ID, now)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		from := strings.Join(assign.Entries(a), ",")
		reason := "deadline passed"
		if a.Deadline != nil {
			reason = fmt.Sprintf("deadline %s passed", a.Deadline.UTC().Format(time.RFC3339))
		}
		if _, err := (events.Writer{Now: m.now}).Append(ctx, tx, events.Entry{
			InstanceID: a.WorkflowInstanceID, StepID: a.StepID, Action: domain.ActionEscalate,
			Comment:  reason,
			Metadata: events.Payload{"assignment_id": a.ID, "escalated_from": from, "escalated_to": target.ID, "role": role},
		}); err != nil {
			return err
		}
		if err := tx.Escalations().Append(ctx, domain.EscalationLog{
			ID: uuid.NewString(), AssignmentID: a.ID, EscalatedFrom: from, EscalatedTo: target.ID,
			Reason: reason, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("escalation log: %w", err)
		}
		if err := tx.Notifications().Record(ctx, domain.NotificationRecord{
			ID: uuid.NewString(), AssignmentID: a.ID, UserID: target.ID, Type: domain.NotifyEscalation, SentAt: now,
		}); err != nil {
			return err
		}
		res.Outcome = OutcomeEscalated
		res.EscalatedTo = target.ID
		note = &notify.Notification{
			UserID:       target.ID,
			Type:         domain.NotifyEscalation,
			Title:        "Overdue workflow task escalated to you",
			Message:      fmt.Sprintf("Step %s of %s %s is overdue and was escalated from %s.", a.StepID, in.EntityType, in.EntityID, from),
			Priority:     notify.PriorityHigh,
			Metadata:     map[string]any{"instance_id": in.ID, "step_id": a.StepID, "escalated_from": from},
			ActionURL:    "/assignments/" + a.ID,
			AssignmentID: a.ID,
		}
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		res.Retryable = domain.Retryable(err)
		m.Metrics.Escalation(string(OutcomeFailed))
		return res, err
	}
	m.Metrics.Escalation(string(res.Outcome))
	if note != nil {
		m.log().Info("assignment escalated",
			zap.String("assignment_id", assignmentID),
			zap.String("instance_id", res.InstanceID),
			zap.String("escalated_to", res.EscalatedTo))
		m.dispatch(ctx, *note)
	}
	return res, nil
}

// Remind sends an approaching-deadline reminder unless one was recorded for
// the assignment within the reminder interval. It reports whether it sent.
func (m *Monitor) Remind(ctx context.Context, a domain.StepAssignment) (bool, error) {
	interval := m.ReminderInterval
	if interval <= 0 {
		interval = DefaultReminderInterval
	}
	var notes []notify.Notification
	err := m.Store.Update(ctx, func(tx store.Tx) error {
		notes = nil
		now := m.now()
		last, ok, err := tx.Notifications().LastSent(ctx, a.ID, domain.NotifyReminder)
		if err != nil {
			return err
		}
		if ok && now.Sub(last) < interval {
			return nil
		}
		users, err := assign.Recipients(ctx, tx, assign.Entries(a))
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		if err := tx.Notifications().Record(ctx, domain.NotificationRecord{
			ID: uuid.NewString(), AssignmentID: a.ID, UserID: users[0], Type: domain.NotifyReminder, SentAt: now,
		}); err != nil {
			return err
		}
		left := "soon"
		if a.Deadline != nil {
			left = "in " + a.Deadline.Sub(now).Round(time.Minute).String()
		}
		for _, u := range users {
			notes = append(notes, notify.Notification{
				UserID:       u,
				Type:         domain.NotifyReminder,
				Title:        "Workflow task due " + left,
				Message:      fmt.Sprintf("Step %s is due %s.", a.StepID, left),
				Priority:     notify.PriorityNormal,
				Metadata:     map[string]any{"instance_id": a.WorkflowInstanceID, "step_id": a.StepID},
				ActionURL:    "/assignments/" + a.ID,
				AssignmentID: a.ID,
			})
		}
		return nil
	})
	if err != nil || len(notes) == 0 {
		return false, err
	}
	m.Metrics.Reminder()
	for _, n := range notes {
		m.dispatch(ctx, n)
	}
	return true, nil
}

// SweepResult summarizes one ProcessOverdue pass.
type SweepResult struct {
	Total     int                `json:"total"`
	OnTime    int                `json:"on_time"`
	Reminded  int                `json:"reminded"`
	Escalated int                `json:"escalated"`
	Failed    int                `json:"failed"`
	Results   []EscalationResult `json:"results"`
}

// ProcessOverdue classifies every open assignment, escalates the overdue
// ones not yet escalated and reminds the approaching ones. Escalations run
// in parallel; one failure does not stop the others.
func (m *Monitor) ProcessOverdue(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	var open []domain.StepAssignment
	if err := m.Store.View(ctx, func(tx store.Tx) error {
		var err error
		open, err = tx.Assignments().ListOpen(ctx)
		return err
	}); err != nil {
		return SweepResult{}, fmt.Errorf("list open assignments: %w", err)
	}

	now := m.now()
	out := SweepResult{Total: len(open), Results: []EscalationResult{}}
	classes := map[string]int{string(OnTime): 0, string(Approaching): 0, string(Overdue): 0}
	var overdue, approaching []domain.StepAssignment
	for _, a := range open {
		c := Classify(a, now, m.ApproachingWindow)
		classes[string(c)]++
		switch {
		case c == Overdue && a.Status == domain.AssignmentPending && a.EscalatedAt == nil:
			overdue = append(overdue, a)
		case c == Approaching:
			approaching = append(approaching, a)
		case c == OnTime:
			out.OnTime++
		}
	}

	results := make([]EscalationResult, len(overdue))
	g, gctx := errgroup.WithContext(ctx)
	limit := m.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g.SetLimit(limit)
	for i, a := range overdue {
		g.Go(func() error {
			res, err := m.Escalate(gctx, a.ID)
			if err != nil {
				lvl := m.log().Warn
				if res.Retryable {
					lvl = m.log().Info
				}
				lvl("escalation failed", zap.String("assignment_id", a.ID), zap.Bool("retryable", res.Retryable), zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		switch r.Outcome {
		case OutcomeEscalated:
			out.Escalated++
		case OutcomeFailed:
			out.Failed++
		}
	}
	out.Results = append(out.Results, results...)

	var errs []error
	for _, a := range approaching {
		sent, err := m.Remind(ctx, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sent {
			out.Reminded++
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.log().Warn("reminders failed", zap.Error(err))
	}

	m.Metrics.Sweep(time.Since(started), classes)
	m.log().Info("deadline sweep",
		zap.Int("total", out.Total),
		zap.Int("escalated", out.Escalated),
		zap.Int("failed", out.Failed),
		zap.Int("reminded", out.Reminded))
	return out, nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.ProcessOverdue(ctx); err != nil {
				m.log().Error("deadline sweep failed", zap.Error(err))
			}
		}
	}
}
