// Package store declares the persistence ports used by the engine. Every
// write goes through Store.Update so one trigger commits or rolls back as a
// unit; sqlstore and memstore provide the adapters.
package store

import (
	"context"
	"time"

	"auditflow/internal/domain"
)

type Store interface {
	// Update runs fn in a read-write transaction. A non-nil error from fn
	// rolls everything back.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

type Tx interface {
	Definitions() DefinitionStore
	Instances() InstanceStore
	Assignments() AssignmentStore
	Votes() VoteStore
	Timeline() TimelineStore
	Escalations() EscalationStore
	Notifications() NotificationStore
	Users() Directory
}

type DefinitionFilter struct {
	Module domain.Module
	Status domain.DefinitionStatus
}

type DefinitionStore interface {
	Create(ctx context.Context, d domain.WorkflowDefinition) error
	Get(ctx context.Context, id string) (domain.WorkflowDefinition, error)
	List(ctx context.Context, f DefinitionFilter) ([]domain.WorkflowDefinition, error)
	// Update replaces d only while the stored status still equals expect.
	Update(ctx context.Context, d domain.WorkflowDefinition, expect domain.DefinitionStatus) error
	// Active returns the Active definition of a module.
	Active(ctx context.Context, module domain.Module) (domain.WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
}

type InstanceFilter struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       domain.InstanceStatus
	Limit        int
}

type InstanceStore interface {
	Create(ctx context.Context, in domain.WorkflowInstance) error
	Get(ctx context.Context, id string) (domain.WorkflowInstance, error)
	List(ctx context.Context, f InstanceFilter) ([]domain.WorkflowInstance, error)
	// Move writes in only if the stored instance is Running at fromNode.
	// Otherwise it returns a *domain.ConflictError.
	Move(ctx context.Context, in domain.WorkflowInstance, fromNode string) error
	CountByDefinition(ctx context.Context, definitionID string) (int, error)
}

// Close describes how an open assignment is resolved.
type Close struct {
	Status domain.AssignmentStatus
	By     string
	Notes  string
	At     time.Time
}

type AssignmentStore interface {
	Create(ctx context.Context, a domain.StepAssignment) error
	Get(ctx context.Context, id string) (domain.StepAssignment, error)
	ListByInstance(ctx context.Context, instanceID string) ([]domain.StepAssignment, error)
	// ListOpen returns pending and escalated assignments, oldest first.
	ListOpen(ctx context.Context) ([]domain.StepAssignment, error)
	// FindOpen returns the open assignment of (instance, step), if any.
	FindOpen(ctx context.Context, instanceID, stepID string) (domain.StepAssignment, bool, error)
	// Close resolves an open assignment. A closed assignment yields a
	// *domain.ConflictError; the affected-row count is the guard.
	Close(ctx context.Context, id string, c Close) error
	// MarkEscalated reassigns a pending, never escalated assignment to
	// userID and reports whether this call won the compare-and-set.
	MarkEscalated(ctx context.Context, id, userID string, at time.Time) (bool, error)
}

type VoteStore interface {
	// Append stores v and returns it with Seq assigned.
	Append(ctx context.Context, v domain.ApprovalVote) (domain.ApprovalVote, error)
	ListByAssignment(ctx context.Context, assignmentID string) ([]domain.ApprovalVote, error)
}

type TimelineStore interface {
	// Append stores e with the next Seq of its instance.
	Append(ctx context.Context, e domain.TimelineEntry) (domain.TimelineEntry, error)
	List(ctx context.Context, instanceID string) ([]domain.TimelineEntry, error)
}

type EscalationStore interface {
	Append(ctx context.Context, l domain.EscalationLog) error
	ListByAssignment(ctx context.Context, assignmentID string) ([]domain.EscalationLog, error)
}

type NotificationStore interface {
	Record(ctx context.Context, r domain.NotificationRecord) error
	// LastSent returns when a notification of type t was last recorded for
	// an assignment.
	LastSent(ctx context.Context, assignmentID string, t domain.NotificationType) (time.Time, bool, error)
}

// Directory is the user/role lookup used for permission checks and
// escalation targets.
type Directory interface {
	Upsert(ctx context.Context, u domain.User) error
	Get(ctx context.Context, id string) (domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	// FirstActiveWithRole returns the active user with role that sorts
	// first by id.
	FirstActiveWithRole(ctx context.Context, role string) (domain.User, bool, error)
}
