package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/config"
	"auditflow/internal/domain"
	"auditflow/internal/engine"
	"auditflow/internal/expr"
	"auditflow/internal/notify"
	"auditflow/internal/store"
	"auditflow/internal/store/memstore"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Store  store.Store
	Sent   *notify.Recorder
	Steps  *[]engine.StepEvent
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	st, err := memstore.New()
	require.NoError(t, err)
	eng := engine.New(st, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	rec := &notify.Recorder{}
	eng.Notify = notify.Dispatcher{Notifiers: []notify.Notifier{rec}}
	var (
		mu    sync.Mutex
		steps []engine.StepEvent
	)
	eng.Listener = engine.StepListenerFunc(func(_ context.Context, ev engine.StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, ev)
	})
	env := testEnv{Engine: eng, Store: st, Sent: rec, Steps: &steps, Ctx: context.Background()}
	for _, u := range []domain.User{
		{ID: "rev", Roles: []string{"Reviewer"}, Active: true},
		{ID: "qa", Roles: []string{"QA"}, Active: true},
		{ID: "mgr", Roles: []string{"Manager"}, Active: true},
		{ID: "dir", Roles: []string{"Director"}, Active: true},
	} {
		require.NoError(t, eng.AddUser(env.Ctx, u))
	}
	return env
}

func processNode(id, role string, hours float64) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeProcess, Label: id, Payload: domain.ProcessStep{AssignedRole: role, DeadlineHours: hours, EscalateTo: "Manager"}}
}

func chain() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name: "Finding review", Module: domain.ModuleFinding,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart, Label: "Start"},
			processNode("review", "Reviewer", 2),
			{ID: "end", Type: domain.NodeEnd, Label: "End"},
		},
		Edges: []domain.Edge{{Source: "start", Target: "review"}, {Source: "review", Target: "end"}},
	}
}

func (env testEnv) publish(t *testing.T, def domain.WorkflowDefinition) domain.WorkflowDefinition {
	t.Helper()
	created, err := env.Engine.CreateDefinition(env.Ctx, def, "author")
	require.NoError(t, err)
	published, err := env.Engine.PublishDefinition(env.Ctx, created.ID, "author")
	require.NoError(t, err)
	return published
}

func (env testEnv) start(t *testing.T, def domain.WorkflowDefinition, meta map[string]any) domain.WorkflowInstance {
	t.Helper()
	in, err := env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{
		DefinitionID: def.ID, EntityID: "F-1", Metadata: meta, ActorID: "author",
	})
	require.NoError(t, err)
	return in
}

func (env testEnv) openAssignment(t *testing.T, instanceID string) domain.StepAssignment {
	t.Helper()
	list, err := env.Engine.Assignments(env.Ctx, instanceID)
	require.NoError(t, err)
	for _, a := range list {
		if a.Status.Open() {
			return a
		}
	}
	t.Fatalf("instance %s has no open assignment", instanceID)
	return domain.StepAssignment{}
}

func actions(entries []domain.TimelineEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Action)+" "+e.StepID)
	}
	return out
}

func TestThreeNodeChainCompletes(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, map[string]any{"status": "open"})
	assert.Equal(t, domain.InstanceRunning, in.Status)
	assert.Equal(t, "review", in.CurrentNodeID)

	a := env.openAssignment(t, in.ID)
	assert.Equal(t, "Reviewer", a.AssignedRole)
	require.NotNil(t, a.Deadline)
	assert.Equal(t, fixedNow.Add(2*time.Hour), *a.Deadline)
	require.Len(t, env.Sent.OfType(domain.NotifyAssignment), 1)
	assert.Equal(t, "rev", env.Sent.OfType(domain.NotifyAssignment)[0].UserID)

	in, err := env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "done")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, in.Status)
	assert.Equal(t, "end", in.CurrentNodeID)
	require.NotNil(t, in.CompletedAt)

	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"enter review", "complete review"}, actions(tl))

	stored, err := env.Engine.GetInstance(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, stored.Status)
}

func TestCompleteTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)

	_, err := env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
	require.NoError(t, err)
	_, err = env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestConcurrentCompletionOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
		}()
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var ce *domain.ConflictError
		assert.True(t, errors.As(err, &ce), "got %v", err)
	}
	assert.Equal(t, 1, ok)
	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, tl, 2)
}

func TestCompleteRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)

	_, err := env.Engine.CompleteTask(env.Ctx, a.ID, "qa", "")
	var pe *domain.PermissionError
	require.True(t, errors.As(err, &pe), "got %v", err)
	got, err := env.Engine.GetInstance(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", got.CurrentNodeID)
}

func decisionFlow() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name: "Action triage", Module: domain.ModuleAction,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			{ID: "check", Type: domain.NodeDecision, Label: "Approved?", Payload: domain.DecisionStep{Condition: "status === 'approved'"}},
			processNode("implement", "Reviewer", 48),
			processNode("rework", "QA", 24),
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "implement", SourceHandle: "yes"},
			{Source: "check", Target: "rework", SourceHandle: "no"},
			{Source: "implement", Target: "end"},
			{Source: "rework", Target: "end"},
		},
	}
}

func TestDecisionRoutesByCondition(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, decisionFlow())

	in, err := env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "A-1", Metadata: map[string]any{"status": "approved"}})
	require.NoError(t, err)
	assert.Equal(t, "implement", in.CurrentNodeID)

	in, err = env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "A-2", Metadata: map[string]any{"status": "rejected"}})
	require.NoError(t, err)
	assert.Equal(t, "rework", in.CurrentNodeID)

	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, domain.ActionComplete, tl[0].Action)
	assert.Equal(t, "no", tl[0].Metadata["handle"])
}

func TestDecisionErrorLeavesInstanceAtStart(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, decisionFlow())

	in, err := env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "A-3", Metadata: map[string]any{"score": 3}})
	var ee *expr.ExpressionError
	require.True(t, errors.As(err, &ee), "got %v", err)
	require.NotEmpty(t, in.ID)
	assert.Equal(t, "start", in.CurrentNodeID)

	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Empty(t, tl)

	// Once the entity supplies the field, advancing again succeeds.
	_, err = env.Engine.RefreshContext(env.Ctx, in.ID, map[string]any{"status": "approved"})
	require.NoError(t, err)
	in, err = env.Engine.Advance(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "implement", in.CurrentNodeID)
}

func TestMissingBranchIsReported(t *testing.T) {
	env := newTestEnv(t)
	def := decisionFlow()
	def.Edges = def.Edges[:len(def.Edges)-1]
	def.Edges[2] = domain.Edge{Source: "check", Target: "rework", SourceHandle: "maybe"}
	def.Edges = append(def.Edges, domain.Edge{Source: "rework", Target: "end"})
	published := env.publish(t, def)

	in, err := env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: published.ID, EntityID: "A-4", Metadata: map[string]any{"status": "rejected"}})
	var ne *domain.NoMatchingEdgeError
	require.True(t, errors.As(err, &ne), "got %v", err)
	assert.Equal(t, "check", ne.NodeID)
	assert.Equal(t, "no", ne.Handle)
	assert.Equal(t, "start", in.CurrentNodeID)
}

func TestFailedTransitionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	def := domain.WorkflowDefinition{
		Name: "Audit", Module: domain.ModuleAudit,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			processNode("fieldwork", "Reviewer", 8),
			{ID: "check", Type: domain.NodeDecision, Payload: domain.DecisionStep{Condition: "score > 2"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{Source: "start", Target: "fieldwork"},
			{Source: "fieldwork", Target: "check"},
			{Source: "check", Target: "end", SourceHandle: "yes"},
			{Source: "check", Target: "end", SourceHandle: "no"},
		},
	}
	published := env.publish(t, def)
	in := env.start(t, published, map[string]any{"score": "high"})
	a := env.openAssignment(t, in.ID)

	_, err := env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
	var ee *expr.ExpressionError
	require.True(t, errors.As(err, &ee), "got %v", err)

	got, err := env.Engine.GetInstance(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "fieldwork", got.CurrentNodeID)
	assert.Equal(t, domain.AssignmentPending, env.openAssignment(t, in.ID).Status)
	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"enter fieldwork"}, actions(tl))
}

func approvalFlow(typ domain.ApprovalType) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name: "CAPA sign-off", Module: domain.ModuleCAPA,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			processNode("draft", "Reviewer", 24),
			{ID: "signoff", Type: domain.NodeApproval, Label: "Sign-off", Payload: domain.ApprovalStep{
				Approvers: []string{"QA", "mgr"}, ApprovalType: typ, DeadlineHours: 24,
			}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{Source: "start", Target: "draft"},
			{Source: "draft", Target: "signoff"},
			{Source: "signoff", Target: "end", SourceHandle: "approved"},
			{Source: "signoff", Target: "draft", SourceHandle: "rejected"},
		},
	}
}

func TestApprovalAllNeedsEveryApprover(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, approvalFlow(domain.ApprovalAll))
	in := env.start(t, def, nil)
	_, err := env.Engine.CompleteTask(env.Ctx, env.openAssignment(t, in.ID).ID, "rev", "")
	require.NoError(t, err)

	a := env.openAssignment(t, in.ID)
	assert.Equal(t, domain.AssignmentApproval, a.Kind)
	assert.Len(t, env.Sent.OfType(domain.NotifyAssignment), 3)

	res, err := env.Engine.CastVote(env.Ctx, a.ID, "qa", domain.VoteApproved, "")
	require.NoError(t, err)
	assert.False(t, res.Tally.Resolved)
	assert.Equal(t, []string{"mgr"}, res.Tally.Pending)
	assert.Equal(t, "signoff", res.Instance.CurrentNodeID)

	res, err = env.Engine.CastVote(env.Ctx, a.ID, "mgr", domain.VoteApproved, "ok")
	require.NoError(t, err)
	assert.True(t, res.Tally.Resolved)
	assert.Equal(t, domain.VoteApproved, res.Tally.Outcome)
	assert.Equal(t, domain.InstanceCompleted, res.Instance.Status)

	_, err = env.Engine.CastVote(env.Ctx, a.ID, "qa", domain.VoteApproved, "")
	var ce *domain.ConflictError
	assert.True(t, errors.As(err, &ce))
}

func TestApprovalRejectionLoopsBackForRework(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, approvalFlow(domain.ApprovalAll))
	in := env.start(t, def, nil)
	_, err := env.Engine.CompleteTask(env.Ctx, env.openAssignment(t, in.ID).ID, "rev", "")
	require.NoError(t, err)
	a := env.openAssignment(t, in.ID)

	_, err = env.Engine.CastVote(env.Ctx, a.ID, "rev", domain.VoteApproved, "")
	var pe *domain.PermissionError
	require.True(t, errors.As(err, &pe), "got %v", err)

	res, err := env.Engine.CastVote(env.Ctx, a.ID, "mgr", domain.VoteRejected, "missing evidence")
	require.NoError(t, err)
	assert.True(t, res.Tally.Resolved)
	assert.Equal(t, domain.VoteRejected, res.Tally.Outcome)
	assert.Equal(t, "draft", res.Instance.CurrentNodeID)

	rework := env.openAssignment(t, in.ID)
	assert.Equal(t, "draft", rework.StepID)
	assert.NotEqual(t, a.ID, rework.ID)

	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"enter draft", "complete draft",
		"enter signoff", "reject signoff", "reject signoff",
		"enter draft",
	}, actions(tl))
}

func TestRejectTaskReopensStep(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)

	reopened, err := env.Engine.RejectTask(env.Ctx, a.ID, "rev", "redo")
	require.NoError(t, err)
	assert.Equal(t, "review", reopened.StepID)
	assert.Equal(t, domain.AssignmentPending, reopened.Status)

	closed, err := env.Engine.GetAssignment(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentRejected, closed.Status)

	got, err := env.Engine.GetInstance(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", got.CurrentNodeID)
	assert.Equal(t, domain.InstanceRunning, got.Status)
}

func TestCancelHaltsInstance(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)

	in, err := env.Engine.CancelInstance(env.Ctx, in.ID, "mgr", "duplicate finding")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, in.Status)
	assert.Equal(t, "duplicate finding", in.CancelReason)

	_, err = env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	_, err = env.Engine.CancelInstance(env.Ctx, in.ID, "mgr", "again")
	require.True(t, errors.As(err, &ce), "got %v", err)

	tl, err := env.Engine.Timeline(env.Ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"enter review", "cancel review"}, actions(tl))
}

func TestPublishRules(t *testing.T) {
	env := newTestEnv(t)

	broken := chain()
	broken.Nodes = broken.Nodes[:2]
	broken.Edges = broken.Edges[:1]
	draft, err := env.Engine.CreateDefinition(env.Ctx, broken, "author")
	require.NoError(t, err)
	_, err = env.Engine.PublishDefinition(env.Ctx, draft.ID, "author")
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	require.Len(t, ve.Issues, 1)
	assert.Equal(t, domain.IssueNoEndNode, ve.Issues[0].Kind)

	first := env.publish(t, chain())
	assert.Equal(t, "1.0.0", first.Version)
	_, err = env.Engine.UpdateDefinition(env.Ctx, first.ID, domain.WorkflowDefinition{Name: "renamed"})
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "active definitions are immutable")

	next, err := env.Engine.NewVersion(env.Ctx, first.ID, "author")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", next.Version)
	assert.Equal(t, first.ID, next.ParentID)
	assert.Equal(t, domain.DefinitionDraft, next.Status)

	_, err = env.Engine.PublishDefinition(env.Ctx, next.ID, "author")
	require.NoError(t, err)
	old, err := env.Engine.GetDefinition(env.Ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefinitionArchived, old.Status)
	active, err := env.Engine.ActiveDefinition(env.Ctx, domain.ModuleFinding)
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)

	_, err = env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: first.ID, EntityID: "F-9"})
	require.True(t, errors.As(err, &ce), "archived definitions do not start instances")
	in, err := env.Engine.StartForModule(env.Ctx, domain.ModuleFinding, engine.StartRequest{EntityID: "F-9"})
	require.NoError(t, err)
	assert.Equal(t, next.ID, in.DefinitionID)
	assert.Equal(t, "finding", in.EntityType)
}

func TestDeleteOnlyUnusedDrafts(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateDefinition(env.Ctx, chain(), "author")
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteDefinition(env.Ctx, draft.ID))
	_, err = env.Engine.GetDefinition(env.Ctx, draft.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	active := env.publish(t, chain())
	err = env.Engine.DeleteDefinition(env.Ctx, active.ID)
	var ce *domain.ConflictError
	assert.True(t, errors.As(err, &ce))
}

func TestOneRunningInstancePerEntity(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	env.start(t, def, nil)
	_, err := env.Engine.StartWorkflow(env.Ctx, engine.StartRequest{DefinitionID: def.ID, EntityID: "F-1"})
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestRefreshContextMergesCustomFields(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, map[string]any{
		"status":       "open",
		"customFields": map[string]any{"site": "north", "batch": "B1"},
	})
	in, err := env.Engine.RefreshContext(env.Ctx, in.ID, map[string]any{
		"status":       nil,
		"priority":     "high",
		"customFields": map[string]any{"batch": "B2"},
	})
	require.NoError(t, err)
	assert.NotContains(t, in.Context, "status")
	assert.Equal(t, "high", in.Context["priority"])
	assert.Equal(t, map[string]any{"site": "north", "batch": "B2"}, in.Context["customFields"])
}

func TestStepListenerSeesTransitions(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	in := env.start(t, def, nil)
	_, err := env.Engine.CompleteTask(env.Ctx, env.openAssignment(t, in.ID).ID, "rev", "")
	require.NoError(t, err)

	var got []string
	for _, ev := range *env.Steps {
		got = append(got, string(ev.Action)+" "+ev.StepID)
	}
	assert.Equal(t, []string{"enter review", "complete review", "complete end"}, got)
}

func TestInbox(t *testing.T) {
	env := newTestEnv(t)
	def := env.publish(t, chain())
	env.start(t, def, nil)

	mine, err := env.Engine.Inbox(env.Ctx, "rev")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	other, err := env.Engine.Inbox(env.Ctx, "qa")
	require.NoError(t, err)
	assert.Empty(t, other)
}

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct{ release chan struct{} }

func (b blockingNotifier) Notify(ctx context.Context, _ notify.Notification) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowNotifierDoesNotDelayTransitions(t *testing.T) {
	env := newTestEnv(t)
	slow := blockingNotifier{release: make(chan struct{})}
	q := notify.NewQueue(notify.Dispatcher{Notifiers: []notify.Notifier{slow, env.Sent}}, 32, 1)
	env.Engine.Notify = q
	def := env.publish(t, chain())

	began := time.Now()
	in := env.start(t, def, nil)
	a := env.openAssignment(t, in.ID)
	done, err := env.Engine.CompleteTask(env.Ctx, a.ID, "rev", "")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, done.Status)
	assert.Less(t, time.Since(began), 500*time.Millisecond)
	assert.Empty(t, env.Sent.Sent())

	close(slow.release)
	require.NoError(t, q.Close(context.Background()))
	assert.NotEmpty(t, env.Sent.OfType(domain.NotifyAssignment))
}
