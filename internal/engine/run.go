package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auditflow/internal/approval"
	"auditflow/internal/assign"
	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/expr"
	"auditflow/internal/graph"
	"auditflow/internal/notify"
	"auditflow/internal/store"
)

func defFields(d domain.WorkflowDefinition) []zap.Field {
	return []zap.Field{
		zap.String("definition_id", d.ID),
		zap.String("module", string(d.Module)),
		zap.String("version", d.Version),
		zap.String("status", string(d.Status)),
	}
}

// run is one trigger on one instance. The instance is mutated in memory and
// written once by save, guarded on the node it was loaded at.
type run struct {
	e    *Engine
	ctx  context.Context
	tx   store.Tx
	fx   *effects
	def  domain.WorkflowDefinition
	g    *graph.Graph
	in   domain.WorkflowInstance
	from string
}

// load reads an instance and its definition for a trigger.
func (e *Engine) load(ctx context.Context, tx store.Tx, fx *effects, instanceID string) (*run, error) {
	in, err := tx.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := tx.Definitions().Get(ctx, in.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("definition of instance %s: %w", instanceID, err)
	}
	return &run{
		e: e, ctx: ctx, tx: tx, fx: fx,
		def: def, g: graph.Build(def.Nodes, def.Edges),
		in: in, from: in.CurrentNodeID,
	}, nil
}

func (r *run) running() error {
	if r.in.Status != domain.InstanceRunning {
		return domain.Conflict("instance %s is %s", r.in.ID, r.in.Status)
	}
	return nil
}

func (r *run) node(id string) (domain.Node, error) {
	n, ok := r.g.Node(id)
	if !ok {
		return domain.Node{}, fmt.Errorf("definition %s has no node %s", r.def.ID, id)
	}
	return n, nil
}

func (r *run) current() (domain.Node, error) { return r.node(r.in.CurrentNodeID) }

// edge picks the edge leaving n. An empty handle takes the first edge.
func (r *run) edge(n domain.Node, handle string) (domain.Edge, error) {
	if handle == "" {
		out := r.g.Outgoing(n.ID)
		if len(out) == 0 {
			return domain.Edge{}, &domain.NoMatchingEdgeError{NodeID: n.ID}
		}
		return out[0], nil
	}
	e, ok := r.g.OutgoingByHandle(n.ID, handle)
	if !ok {
		return domain.Edge{}, &domain.NoMatchingEdgeError{NodeID: n.ID, Handle: handle}
	}
	return e, nil
}

// follow leaves n along handle and keeps moving through start and decision
// nodes until it reaches a node that waits for people or the end.
func (r *run) follow(n domain.Node, handle string) error {
	for hops := 0; ; hops++ {
		if hops >= r.e.maxSteps() {
			return fmt.Errorf("instance %s: more than %d automatic steps from %s, check for a decision loop", r.in.ID, r.e.maxSteps(), r.from)
		}
		e, err := r.edge(n, handle)
		if err != nil {
			return err
		}
		next, err := r.node(e.Target)
		if err != nil {
			return err
		}
		r.in.CurrentNodeID = next.ID
		r.e.Metrics.Transition(string(next.Type))
		switch next.Type {
		case domain.NodeStart:
			n, handle = next, ""
		case domain.NodeDecision:
			h, err := r.decide(next)
			if err != nil {
				return err
			}
			n, handle = next, h
		case domain.NodeProcess, domain.NodeApproval:
			_, err := r.open(next, "")
			return err
		case domain.NodeEnd:
			return r.finish(next)
		default:
			return fmt.Errorf("node %s has unknown type %q", next.ID, next.Type)
		}
	}
}

// decide evaluates a decision node against the instance context and
// records the branch taken.
func (r *run) decide(n domain.Node) (string, error) {
	d, _ := n.Decision()
	ok, err := expr.Evaluate(d.Condition, r.in.Context)
	if err != nil {
		return "", fmt.Errorf("decision %s: %w", n.ID, err)
	}
	handle := domain.HandleNo
	if ok {
		handle = domain.HandleYes
	}
	if _, err := r.e.events().Append(r.ctx, r.tx, events.Entry{
		InstanceID: r.in.ID, StepID: n.ID, Action: domain.ActionComplete,
		Metadata: events.Payload{"condition": d.Condition, "result": ok, "handle": handle},
	}); err != nil {
		return "", err
	}
	r.fx.step(r.in, n.ID, domain.ActionComplete, handle)
	return handle, nil
}

func (r *run) finish(n domain.Node) error {
	if err := fire(&r.in, triggerComplete); err != nil {
		return err
	}
	now := r.e.now()
	r.in.CompletedAt = &now
	r.fx.finished = append(r.fx.finished, domain.InstanceCompleted)
	r.fx.step(r.in, n.ID, domain.ActionComplete, "")
	return nil
}

// open creates the assignment for a process or approval node. assignee
// overrides the node's target, which is how rework returns a step to the
// user it was escalated to.
func (r *run) open(n domain.Node, assignee string) (domain.StepAssignment, error) {
	var (
		target   assign.Target
		hours    float64
		priority = notify.PriorityNormal
	)
	switch p := n.Payload.(type) {
	case domain.ProcessStep:
		target = assign.Target{Kind: domain.AssignmentProcess, UserID: p.AssignedUserID, Role: p.AssignedRole}
		hours = p.DeadlineHours
	case domain.ApprovalStep:
		target = assign.Target{Kind: domain.AssignmentApproval, Approvers: p.Approvers, ApprovalType: p.ApprovalType}
		hours = p.DeadlineHours
		priority = notify.PriorityHigh
	default:
		return domain.StepAssignment{}, fmt.Errorf("node %s of type %s takes no assignment", n.ID, n.Type)
	}
	if assignee != "" && target.Kind == domain.AssignmentProcess {
		target.UserID, target.Role = assignee, ""
	}
	var deadline *time.Time
	if hours > 0 {
		d := r.e.now().Add(time.Duration(hours * float64(time.Hour)))
		deadline = &d
	}
	a, err := r.e.assigner().Open(r.ctx, r.tx, r.in.ID, n.ID, target, deadline)
	if err != nil {
		return a, err
	}
	r.fx.step(r.in, n.ID, domain.ActionEnter, "")
	users, err := assign.Recipients(r.ctx, r.tx, assign.Entries(a))
	if err != nil {
		return a, err
	}
	for _, u := range users {
		r.fx.notes = append(r.fx.notes, notify.Notification{
			UserID:       u,
			Type:         domain.NotifyAssignment,
			Title:        "New workflow task: " + nodeLabel(n),
			Message:      fmt.Sprintf("%s %s is waiting at %q.", r.in.EntityType, r.in.EntityID, nodeLabel(n)),
			Priority:     priority,
			Metadata:     map[string]any{"instance_id": r.in.ID, "step_id": n.ID, "entity_type": r.in.EntityType, "entity_id": r.in.EntityID},
			ActionURL:    actionURL(a.ID),
			AssignmentID: a.ID,
		})
	}
	return a, nil
}

// resolveApproval tallies the votes of an open approval assignment and, when
// the step is decided, closes it and moves on along the outcome handle.
func (r *run) resolveApproval(n domain.Node, a domain.StepAssignment, by string) (approval.Result, error) {
	votes, err := r.tx.Votes().ListByAssignment(r.ctx, a.ID)
	if err != nil {
		return approval.Result{}, err
	}
	approvers, typ := a.Approvers, a.ApprovalType
	if a.Status == domain.AssignmentEscalated {
		approvers, typ = []string{a.EscalatedTo}, domain.ApprovalAny
	}
	res := approval.Tally(n.ID, approvers, typ, votes)
	if !res.Resolved {
		return res, nil
	}
	status, action := domain.AssignmentCompleted, domain.ActionComplete
	if res.Outcome == domain.VoteRejected {
		status, action = domain.AssignmentRejected, domain.ActionReject
	}
	if _, err := r.e.assigner().Close(r.ctx, r.tx, a, status, by, string(res.Outcome)); err != nil {
		return res, err
	}
	if _, err := r.e.events().Append(r.ctx, r.tx, events.Entry{
		InstanceID: r.in.ID, StepID: n.ID, Action: action,
		Comment:  "approval " + string(res.Outcome),
		Metadata: events.Payload{"assignment_id": a.ID, "outcome": string(res.Outcome), "approved": res.Approved, "rejected": res.Rejected},
	}); err != nil {
		return res, err
	}
	r.fx.step(r.in, n.ID, action, string(res.Outcome))
	return res, r.follow(n, res.Handle())
}

// save writes the instance if the trigger changed it.
func (r *run) save() error {
	r.in.UpdatedAt = r.e.now()
	return r.tx.Instances().Move(r.ctx, r.in, r.from)
}

func nodeLabel(n domain.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func actionURL(assignmentID string) string { return "/assignments/" + assignmentID }
