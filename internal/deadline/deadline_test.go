package deadline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/config"
	"auditflow/internal/deadline"
	"auditflow/internal/domain"
	"auditflow/internal/engine"
	"auditflow/internal/notify"
	"auditflow/internal/store"
	"auditflow/internal/store/memstore"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	now := t0
	at := func(d time.Duration) domain.StepAssignment {
		ts := now.Add(d)
		return domain.StepAssignment{Deadline: &ts}
	}
	cases := []struct {
		name string
		a    domain.StepAssignment
		want deadline.Class
	}{
		{"overdue", at(-time.Hour), deadline.Overdue},
		{"approaching", at(12 * time.Hour), deadline.Approaching},
		{"window edge", at(24 * time.Hour), deadline.Approaching},
		{"on time", at(48 * time.Hour), deadline.OnTime},
		{"exactly now", at(0), deadline.Approaching},
		{"no deadline", domain.StepAssignment{}, deadline.OnTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deadline.Classify(tc.a, now, 24*time.Hour))
		})
	}
}

type testEnv struct {
	ctx     context.Context
	store   store.Store
	engine  *engine.Engine
	monitor *deadline.Monitor
	sent    *notify.Recorder
	clock   *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T, users ...domain.User) testEnv {
	t.Helper()
	st, err := memstore.New()
	require.NoError(t, err)
	clk := &clock{now: t0}
	cfg := config.Default()
	eng := engine.New(st, cfg)
	eng.Now = clk.Now
	rec := &notify.Recorder{}
	mon := deadline.New(st, cfg)
	mon.Now = clk.Now
	mon.Notify = notify.Dispatcher{Notifiers: []notify.Notifier{rec}}
	env := testEnv{ctx: context.Background(), store: st, engine: eng, monitor: mon, sent: rec, clock: clk}
	for _, u := range users {
		require.NoError(t, eng.AddUser(env.ctx, u))
	}
	return env
}

var staff = []domain.User{
	{ID: "rev", Roles: []string{"Reviewer"}, Active: true},
	{ID: "mgr-b", Roles: []string{"Manager"}, Active: true},
	{ID: "mgr-a", Roles: []string{"Manager"}, Active: false},
	{ID: "mgr-c", Roles: []string{"Manager"}, Active: true},
}

func (env testEnv) startChain(t *testing.T, escalateTo string, hours float64) domain.StepAssignment {
	t.Helper()
	def, err := env.engine.CreateDefinition(env.ctx, domain.WorkflowDefinition{
		Name: "Finding review", Module: domain.ModuleFinding,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			{ID: "review", Type: domain.NodeProcess, Payload: domain.ProcessStep{AssignedRole: "Reviewer", DeadlineHours: hours, EscalateTo: escalateTo}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{{Source: "start", Target: "review"}, {Source: "review", Target: "end"}},
	}, "author")
	require.NoError(t, err)
	_, err = env.engine.PublishDefinition(env.ctx, def.ID, "author")
	require.NoError(t, err)
	in, err := env.engine.StartWorkflow(env.ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "F-1"})
	require.NoError(t, err)
	list, err := env.engine.Assignments(env.ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func (env testEnv) escalationLogs(t *testing.T, assignmentID string) []domain.EscalationLog {
	t.Helper()
	var out []domain.EscalationLog
	require.NoError(t, env.store.View(env.ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Escalations().ListByAssignment(env.ctx, assignmentID)
		return err
	}))
	return out
}

func countActions(entries []domain.TimelineEntry, action domain.TimelineAction) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestEscalateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, staff...)
	a := env.startChain(t, "Manager", 2)
	env.clock.Advance(3 * time.Hour)

	res, err := env.monitor.Escalate(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline.OutcomeEscalated, res.Outcome)
	assert.Equal(t, "mgr-b", res.EscalatedTo, "first active manager by id")

	res, err = env.monitor.Escalate(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline.OutcomeSkipped, res.Outcome)

	logs := env.escalationLogs(t, a.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "Reviewer", logs[0].EscalatedFrom)
	assert.Equal(t, "mgr-b", logs[0].EscalatedTo)

	tl, err := env.engine.Timeline(env.ctx, a.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, 1, countActions(tl, domain.ActionEscalate))

	got, err := env.engine.GetAssignment(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentEscalated, got.Status)
	assert.Equal(t, "mgr-b", got.AssignedUserID)
	require.NotNil(t, got.EscalatedAt)
	assert.Len(t, env.sent.OfType(domain.NotifyEscalation), 1)
}

func TestConcurrentEscalationHasOneWinner(t *testing.T) {
	env := newTestEnv(t, staff...)
	a := env.startChain(t, "Manager", 1)
	env.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	results := make([]deadline.EscalationResult, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.monitor.Escalate(env.ctx, a.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	won := 0
	for _, r := range results {
		if r.Outcome == deadline.OutcomeEscalated {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Len(t, env.escalationLogs(t, a.ID), 1)
}

func TestEscalationTargetMissingIsRetryable(t *testing.T) {
	env := newTestEnv(t, domain.User{ID: "rev", Roles: []string{"Reviewer"}, Active: true})
	a := env.startChain(t, "Manager", 1)
	env.clock.Advance(2 * time.Hour)

	res, err := env.monitor.Escalate(env.ctx, a.ID)
	var nt *domain.NoEscalationTargetError
	require.True(t, errors.As(err, &nt), "got %v", err)
	assert.Equal(t, "Manager", nt.Role)
	assert.True(t, res.Retryable)

	got, err := env.engine.GetAssignment(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentPending, got.Status)
	assert.Nil(t, got.EscalatedAt)
	assert.Empty(t, env.escalationLogs(t, a.ID))

	// A manager joins; the next pass succeeds.
	require.NoError(t, env.engine.AddUser(env.ctx, domain.User{ID: "boss", Roles: []string{"Manager"}, Active: true}))
	sweep, err := env.monitor.ProcessOverdue(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Escalated)
	assert.Equal(t, 0, sweep.Failed)
}

func TestDefaultEscalationRole(t *testing.T) {
	env := newTestEnv(t, staff...)
	a := env.startChain(t, "", 1)
	env.clock.Advance(2 * time.Hour)

	_, err := env.monitor.Escalate(env.ctx, a.ID)
	var nt *domain.NoEscalationTargetError
	require.True(t, errors.As(err, &nt), "got %v", err)
	assert.Empty(t, nt.Role)

	env.monitor.DefaultRole = "Manager"
	res, err := env.monitor.Escalate(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "mgr-b", res.EscalatedTo)
}

func TestEscalatedTaskCanBeCompletedByTarget(t *testing.T) {
	env := newTestEnv(t, staff...)
	a := env.startChain(t, "Manager", 1)
	env.clock.Advance(2 * time.Hour)
	_, err := env.monitor.Escalate(env.ctx, a.ID)
	require.NoError(t, err)

	_, err = env.engine.CompleteTask(env.ctx, a.ID, "rev", "")
	var pe *domain.PermissionError
	require.True(t, errors.As(err, &pe), "got %v", err)
	in, err := env.engine.CompleteTask(env.ctx, a.ID, "mgr-b", "closed by manager")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, in.Status)
}

func TestProcessOverdueSweep(t *testing.T) {
	env := newTestEnv(t, staff...)
	overdue := env.startChain(t, "Manager", 1)

	def, err := env.engine.ActiveDefinition(env.ctx, domain.ModuleFinding)
	require.NoError(t, err)
	_, err = env.engine.StartWorkflow(env.ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "F-2"})
	require.NoError(t, err)

	// At t0+2h the first assignment is 1h overdue; the second was opened at
	// t0 too, so both are overdue. Open a third one later to be approaching.
	env.clock.Advance(2 * time.Hour)
	later, err := env.engine.StartWorkflow(env.ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "F-3"})
	require.NoError(t, err)

	sweep, err := env.monitor.ProcessOverdue(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sweep.Total)
	assert.Equal(t, 2, sweep.Escalated)
	assert.Equal(t, 0, sweep.Failed)
	assert.Equal(t, 1, sweep.Reminded)
	require.Len(t, sweep.Results, 2)

	reminders := env.sent.OfType(domain.NotifyReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, "rev", reminders[0].UserID)

	// Second pass: nothing new to escalate, reminder throttled.
	sweep, err = env.monitor.ProcessOverdue(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Escalated)
	assert.Equal(t, 0, sweep.Reminded)
	assert.Len(t, env.escalationLogs(t, overdue.ID), 1)

	list, err := env.engine.Assignments(env.ctx, later.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.AssignmentPending, list[0].Status)
}

func TestReminderOncePerInterval(t *testing.T) {
	env := newTestEnv(t, staff...)
	a := env.startChain(t, "Manager", 30)
	env.clock.Advance(10 * time.Hour)

	sent, err := env.monitor.Remind(env.ctx, a)
	require.NoError(t, err)
	assert.True(t, sent)
	env.clock.Advance(12 * time.Hour)
	sent, err = env.monitor.Remind(env.ctx, a)
	require.NoError(t, err)
	assert.False(t, sent)
	env.clock.Advance(13 * time.Hour)
	sent, err = env.monitor.Remind(env.ctx, a)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestNotifyFailureDoesNotUndoEscalation(t *testing.T) {
	env := newTestEnv(t, staff...)
	env.sent.Err = errors.New("smtp down")
	a := env.startChain(t, "Manager", 1)
	env.clock.Advance(2 * time.Hour)

	res, err := env.monitor.Escalate(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline.OutcomeEscalated, res.Outcome)
	assert.Len(t, env.escalationLogs(t, a.ID), 1)
}
