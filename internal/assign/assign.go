// Package assign opens, authorizes and closes step assignments.
package assign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/store"
)

// Target names who an assignment is for. Approval targets list their
// approvers; process targets use UserID or Role.
type Target struct {
	Kind         domain.AssignmentKind
	UserID       string
	Role         string
	Approvers    []string
	ApprovalType domain.ApprovalType
}

type Manager struct {
	Events events.Writer
	Now    func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Open creates a pending assignment for (instance, step) and records the
// step entry on the timeline.
func (m Manager) Open(ctx context.Context, tx store.Tx, instanceID, stepID string, target Target, deadline *time.Time) (domain.StepAssignment, error) {
	if _, exists, err := tx.Assignments().FindOpen(ctx, instanceID, stepID); err != nil {
		return domain.StepAssignment{}, err
	} else if exists {
		return domain.StepAssignment{}, domain.Conflict("step %s of instance %s already has an open assignment", stepID, instanceID)
	}
	kind := target.Kind
	if kind == "" {
		kind = domain.AssignmentProcess
	}
	a := domain.StepAssignment{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		Kind:               kind,
		AssignedUserID:     target.UserID,
		AssignedRole:       target.Role,
		Status:             domain.AssignmentPending,
		Deadline:           deadline,
		CreatedAt:          m.now(),
	}
	if kind == domain.AssignmentApproval {
		a.Approvers = slices.Clone(target.Approvers)
		a.ApprovalType = target.ApprovalType
		if a.ApprovalType == "" {
			a.ApprovalType = domain.ApprovalAny
		}
	}
	if err := tx.Assignments().Create(ctx, a); err != nil {
		return domain.StepAssignment{}, fmt.Errorf("create assignment: %w", err)
	}
	meta := events.Payload{"assignment_id": a.ID}
	if a.AssignedUserID != "" {
		meta["assigned_user_id"] = a.AssignedUserID
	}
	if a.AssignedRole != "" {
		meta["assigned_role"] = a.AssignedRole
	}
	if len(a.Approvers) > 0 {
		meta["approvers"] = a.Approvers
	}
	if deadline != nil {
		meta["deadline"] = deadline.UTC().Format(time.RFC3339)
	}
	if _, err := m.Events.Append(ctx, tx, events.Entry{
		InstanceID: instanceID, StepID: stepID, Action: domain.ActionEnter, Metadata: meta,
	}); err != nil {
		return domain.StepAssignment{}, err
	}
	return a, nil
}

// Complete closes a process assignment as completed.
func (m Manager) Complete(ctx context.Context, tx store.Tx, assignmentID, actorID, notes string) (domain.StepAssignment, error) {
	return m.finish(ctx, tx, assignmentID, actorID, notes, domain.AssignmentCompleted, domain.ActionComplete)
}

// Reject closes a process assignment as rejected. The caller decides
// whether the step is handed back for rework.
func (m Manager) Reject(ctx context.Context, tx store.Tx, assignmentID, actorID, reason string) (domain.StepAssignment, error) {
	if reason == "" {
		return domain.StepAssignment{}, domain.Invalid("reject reason is required")
	}
	return m.finish(ctx, tx, assignmentID, actorID, reason, domain.AssignmentRejected, domain.ActionReject)
}

func (m Manager) finish(ctx context.Context, tx store.Tx, id, actorID, notes string, status domain.AssignmentStatus, action domain.TimelineAction) (domain.StepAssignment, error) {
	a, err := tx.Assignments().Get(ctx, id)
	if err != nil {
		return a, err
	}
	if !a.Status.Open() {
		return a, domain.Conflict("assignment %s is already %s", id, a.Status)
	}
	if a.Kind == domain.AssignmentApproval {
		return a, domain.Conflict("assignment %s is an approval; cast a vote instead", id)
	}
	if _, err := Authorize(ctx, tx, a, actorID, string(action)); err != nil {
		return a, err
	}
	a, err = m.Close(ctx, tx, a, status, actorID, notes)
	if err != nil {
		return a, err
	}
	if _, err := m.Events.Append(ctx, tx, events.Entry{
		InstanceID: a.WorkflowInstanceID, StepID: a.StepID, Action: action, PerformedBy: actorID, Comment: notes,
		Metadata: events.Payload{"assignment_id": a.ID},
	}); err != nil {
		return a, err
	}
	return a, nil
}

// Close resolves a without writing a timeline entry. The conditional update
// in the store decides races: the loser gets a *domain.ConflictError.
func (m Manager) Close(ctx context.Context, tx store.Tx, a domain.StepAssignment, status domain.AssignmentStatus, by, notes string) (domain.StepAssignment, error) {
	at := m.now()
	if err := tx.Assignments().Close(ctx, a.ID, store.Close{Status: status, By: by, Notes: notes, At: at}); err != nil {
		return a, err
	}
	a.Status = status
	a.CompletedBy = by
	a.CompletedAt = &at
	a.Notes = notes
	return a, nil
}

// Authorize checks that actorID may act on a. For approvals it returns the
// listed approver entry the actor satisfies: a user-id entry first, else
// the first listed role they hold. A voter fills at most one entry. An
// escalated assignment accepts only its escalation target, whose key is
// their own id.
func Authorize(ctx context.Context, tx store.Tx, a domain.StepAssignment, actorID, action string) (string, error) {
	deny := &domain.PermissionError{ActorID: actorID, Action: action, Target: "assignment " + a.ID}
	if actorID == "" {
		return "", deny
	}
	if a.Status == domain.AssignmentEscalated {
		if actorID == a.EscalatedTo {
			return actorID, nil
		}
		return "", deny
	}
	roles, err := actorRoles(ctx, tx, actorID)
	if err != nil {
		return "", err
	}
	if roles == nil {
		return "", deny
	}
	if a.Kind == domain.AssignmentApproval {
		for _, entry := range a.Approvers {
			if entry == actorID {
				return entry, nil
			}
		}
		for _, entry := range a.Approvers {
			if slices.Contains(roles, entry) {
				return entry, nil
			}
		}
		return "", deny
	}
	if a.AssignedUserID != "" && a.AssignedUserID == actorID {
		return actorID, nil
	}
	if a.AssignedRole != "" && slices.Contains(roles, a.AssignedRole) {
		return actorID, nil
	}
	return "", deny
}

// actorRoles returns the directory roles of actorID. Unknown actors have no
// roles; inactive users get nil, which denies everything.
func actorRoles(ctx context.Context, tx store.Tx, actorID string) ([]string, error) {
	u, err := tx.Users().Get(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, nil
	}
	return append([]string{}, u.Roles...), nil
}

// ListOpen returns every pending or escalated assignment.
func ListOpen(ctx context.Context, tx store.Tx) ([]domain.StepAssignment, error) {
	return tx.Assignments().ListOpen(ctx)
}

// ListForUser returns the open assignments userID may act on, directly or
// through a role.
func ListForUser(ctx context.Context, tx store.Tx, userID string) ([]domain.StepAssignment, error) {
	open, err := tx.Assignments().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.StepAssignment
	for _, a := range open {
		_, err := Authorize(ctx, tx, a, userID, "view")
		var pe *domain.PermissionError
		if errors.As(err, &pe) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Entries returns who a is addressed to: the assigned user, else the role,
// else the listed approvers.
func Entries(a domain.StepAssignment) []string {
	switch {
	case a.AssignedUserID != "":
		return []string{a.AssignedUserID}
	case a.AssignedRole != "":
		return []string{a.AssignedRole}
	}
	return slices.Clone(a.Approvers)
}

// Recipients expands assignee entries into active user ids. An entry naming
// a user resolves to that user; any other entry is treated as a role.
func Recipients(ctx context.Context, tx store.Tx, entries []string) ([]string, error) {
	users, err := tx.Users().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var out []string
	add := func(id string) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		direct := false
		for _, u := range users {
			if u.ID == entry {
				direct = true
				if u.Active {
					add(u.ID)
				}
			}
		}
		if direct {
			continue
		}
		for _, u := range users {
			if u.Active && u.HasRole(entry) {
				add(u.ID)
			}
		}
	}
	return out, nil
}
