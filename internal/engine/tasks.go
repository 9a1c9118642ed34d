package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auditflow/internal/approval"
	"auditflow/internal/assign"
	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/store"
)

// atStep loads the instance owning a and checks it is waiting on a's step.
func (e *Engine) atStep(ctx context.Context, tx store.Tx, fx *effects, a domain.StepAssignment) (*run, domain.Node, error) {
	r, err := e.load(ctx, tx, fx, a.WorkflowInstanceID)
	if err != nil {
		return nil, domain.Node{}, err
	}
	if err := r.running(); err != nil {
		return nil, domain.Node{}, err
	}
	if r.in.CurrentNodeID != a.StepID {
		return nil, domain.Node{}, domain.Conflict("instance %s is at %s, not %s", r.in.ID, r.in.CurrentNodeID, a.StepID)
	}
	n, err := r.current()
	if err != nil {
		return nil, domain.Node{}, err
	}
	return r, n, nil
}

// CompleteTask closes a process assignment and advances its instance. Of two
// racing completions only one closes the assignment; the other gets a
// *domain.ConflictError and changes nothing.
func (e *Engine) CompleteTask(ctx context.Context, assignmentID, actorID, notes string) (domain.WorkflowInstance, error) {
	var out domain.WorkflowInstance
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		a, err := tx.Assignments().Get(ctx, assignmentID)
		if err != nil {
			return err
		}
		r, n, err := e.atStep(ctx, tx, fx, a)
		if err != nil {
			return err
		}
		if _, err := e.assigner().Complete(ctx, tx, assignmentID, actorID, notes); err != nil {
			return err
		}
		fx.step(r.in, n.ID, domain.ActionComplete, "")
		if err := r.follow(n, ""); err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}
		out = r.in
		return nil
	})
	if err == nil {
		e.log().Info("task completed",
			zap.String("assignment_id", assignmentID),
			zap.String("actor_id", actorID),
			zap.String("instance_id", out.ID),
			zap.String("current_node_id", out.CurrentNodeID))
	}
	return out, err
}

// RejectTask hands a process step back for rework: the assignment closes as
// rejected and a fresh one opens on the same step for the same assignee.
func (e *Engine) RejectTask(ctx context.Context, assignmentID, actorID, reason string) (domain.StepAssignment, error) {
	var reopened domain.StepAssignment
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		a, err := tx.Assignments().Get(ctx, assignmentID)
		if err != nil {
			return err
		}
		r, n, err := e.atStep(ctx, tx, fx, a)
		if err != nil {
			return err
		}
		closed, err := e.assigner().Reject(ctx, tx, assignmentID, actorID, reason)
		if err != nil {
			return err
		}
		fx.step(r.in, n.ID, domain.ActionReject, "")
		reopened, err = r.open(n, closed.AssignedUserID)
		if err != nil {
			return err
		}
		return r.save()
	})
	return reopened, err
}

// VoteResult is the state of an approval step after a vote.
type VoteResult struct {
	Vote     domain.ApprovalVote     `json:"vote"`
	Tally    approval.Result         `json:"tally"`
	Instance domain.WorkflowInstance `json:"instance"`
}

// CastVote records an approver's decision on an approval assignment. A vote
// that resolves the step closes the assignment and advances along the
// approved or rejected edge.
func (e *Engine) CastVote(ctx context.Context, assignmentID, actorID string, decision domain.VoteDecision, comment string) (VoteResult, error) {
	decision = domain.VoteDecision(strings.ToLower(string(decision)))
	if !decision.Valid() {
		return VoteResult{}, domain.Invalid("decision must be approved or rejected, got %q", decision)
	}
	var out VoteResult
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		a, err := tx.Assignments().Get(ctx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Status.Open() {
			return domain.Conflict("assignment %s is already %s", a.ID, a.Status)
		}
		if a.Kind != domain.AssignmentApproval {
			return domain.Conflict("assignment %s is a process step; complete or reject it instead", a.ID)
		}
		r, n, err := e.atStep(ctx, tx, fx, a)
		if err != nil {
			return err
		}
		key, err := assign.Authorize(ctx, tx, a, actorID, "vote on")
		if err != nil {
			return err
		}
		v, err := tx.Votes().Append(ctx, domain.ApprovalVote{
			ID:               uuid.NewString(),
			StepAssignmentID: a.ID,
			ApproverID:       key,
			ActorID:          actorID,
			Decision:         decision,
			Comment:          comment,
			CreatedAt:        e.now(),
		})
		if err != nil {
			return err
		}
		action := domain.ActionApprove
		if decision == domain.VoteRejected {
			action = domain.ActionReject
		}
		if _, err := e.events().Append(ctx, tx, events.Entry{
			InstanceID: r.in.ID, StepID: n.ID, Action: action, PerformedBy: actorID, Comment: comment,
			Metadata: events.Payload{"assignment_id": a.ID, "approver": key, "vote_id": v.ID},
		}); err != nil {
			return err
		}
		res, err := r.resolveApproval(n, a, actorID)
		if err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}
		out = VoteResult{Vote: v, Tally: res, Instance: r.in}
		return nil
	})
	if err == nil {
		e.log().Info("vote cast",
			zap.String("assignment_id", assignmentID),
			zap.String("actor_id", actorID),
			zap.String("decision", string(decision)),
			zap.Bool("resolved", out.Tally.Resolved))
	}
	return out, err
}

// Assignments returns every assignment of an instance, oldest first.
func (e *Engine) Assignments(ctx context.Context, instanceID string) ([]domain.StepAssignment, error) {
	var list []domain.StepAssignment
	err := e.Store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Instances().Get(ctx, instanceID); err != nil {
			return err
		}
		var err error
		list, err = tx.Assignments().ListByInstance(ctx, instanceID)
		return err
	})
	return list, err
}

func (e *Engine) GetAssignment(ctx context.Context, id string) (domain.StepAssignment, error) {
	var a domain.StepAssignment
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.Assignments().Get(ctx, id)
		return err
	})
	return a, err
}

// Votes returns the votes cast on an approval assignment.
func (e *Engine) Votes(ctx context.Context, assignmentID string) ([]domain.ApprovalVote, error) {
	var list []domain.ApprovalVote
	err := e.Store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Assignments().Get(ctx, assignmentID); err != nil {
			return err
		}
		var err error
		list, err = tx.Votes().ListByAssignment(ctx, assignmentID)
		return err
	})
	return list, err
}

// Inbox lists the open assignments userID can act on.
func (e *Engine) Inbox(ctx context.Context, userID string) ([]domain.StepAssignment, error) {
	var list []domain.StepAssignment
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = assign.ListForUser(ctx, tx, userID)
		return err
	})
	return list, err
}

// Users and AddUser manage the directory used for role checks and escalation.
func (e *Engine) Users(ctx context.Context) ([]domain.User, error) {
	var list []domain.User
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.Users().List(ctx)
		return err
	})
	return list, err
}

func (e *Engine) User(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.Users().Get(ctx, id)
		return err
	})
	return u, err
}

func (e *Engine) AddUser(ctx context.Context, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return domain.Invalid("user id is required")
	}
	return e.Store.Update(ctx, func(tx store.Tx) error {
		return tx.Users().Upsert(ctx, u)
	})
}
