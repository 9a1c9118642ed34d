package domain

import (
	"slices"
	"time"
)

// Module is the kind of business entity a definition drives.
type Module string

const (
	ModuleFinding Module = "finding"
	ModuleAction  Module = "action"
	ModuleDOF     Module = "dof"
	ModuleAudit   Module = "audit"
	ModuleCAPA    Module = "capa"
)

var Modules = []Module{ModuleFinding, ModuleAction, ModuleDOF, ModuleAudit, ModuleCAPA}

func (m Module) Valid() bool { return slices.Contains(Modules, m) }

type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "Draft"
	DefinitionActive   DefinitionStatus = "Active"
	DefinitionArchived DefinitionStatus = "Archived"
)

// WorkflowDefinition is the authored graph as exchanged with the editor.
type WorkflowDefinition struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Module      Module           `json:"module"`
	Description string           `json:"description,omitempty"`
	Status      DefinitionStatus `json:"status,omitempty"`
	Version     string           `json:"version,omitempty"`
	ParentID    string           `json:"parentId,omitempty"`
	Nodes       []Node           `json:"nodes"`
	Edges       []Edge           `json:"edges"`
	CreatedBy   string           `json:"createdBy,omitempty"`
	CreatedAt   *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time       `json:"updatedAt,omitempty"`
	PublishedAt *time.Time       `json:"publishedAt,omitempty"`
}

// Node returns the node with the given id.
func (d WorkflowDefinition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns edges leaving nodeID in definition order.
func (d WorkflowDefinition) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the first start node.
func (d WorkflowDefinition) StartNode() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "Running"
	InstanceCompleted InstanceStatus = "Completed"
	InstanceCancelled InstanceStatus = "Cancelled"
)

// WorkflowInstance is one execution of a definition for a business record.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	CurrentNodeID string         `json:"current_node_id"`
	Status        InstanceStatus `json:"status" enum:"Running,Completed,Cancelled"`
	Context       map[string]any `json:"context"`
	StartedBy     string         `json:"started_by,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentEscalated AssignmentStatus = "escalated"
	AssignmentRejected  AssignmentStatus = "rejected"
)

// Open reports whether the assignment still blocks its step. An escalated
// assignment stays actionable by its new assignee.
func (s AssignmentStatus) Open() bool {
	return s == AssignmentPending || s == AssignmentEscalated
}

type AssignmentKind string

const (
	AssignmentProcess  AssignmentKind = "process"
	AssignmentApproval AssignmentKind = "approval"
)

type StepAssignment struct {
	ID                 string           `json:"id"`
	WorkflowInstanceID string           `json:"workflow_instance_id"`
	StepID             string           `json:"step_id"`
	Kind               AssignmentKind   `json:"kind" enum:"process,approval"`
	AssignedUserID     string           `json:"assigned_user_id,omitempty"`
	AssignedRole       string           `json:"assigned_role,omitempty"`
	Approvers          []string         `json:"approvers,omitempty"`
	ApprovalType       ApprovalType     `json:"approval_type,omitempty"`
	Status             AssignmentStatus `json:"status" enum:"pending,completed,escalated,rejected"`
	Deadline           *time.Time       `json:"deadline,omitempty"`
	EscalatedAt        *time.Time       `json:"escalated_at,omitempty"`
	EscalatedTo        string           `json:"escalated_to,omitempty"`
	CompletedBy        string           `json:"completed_by,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

type VoteDecision string

const (
	VoteApproved VoteDecision = "approved"
	VoteRejected VoteDecision = "rejected"
)

func (d VoteDecision) Valid() bool { return d == VoteApproved || d == VoteRejected }

// ApprovalVote is append-only; ApproverID is the listed approver entry the
// vote counts for, ActorID the user who cast it.
type ApprovalVote struct {
	ID               string       `json:"id"`
	StepAssignmentID string       `json:"step_assignment_id"`
	ApproverID       string       `json:"approver_id"`
	ActorID          string       `json:"actor_id"`
	Decision         VoteDecision `json:"decision" enum:"approved,rejected"`
	Comment          string       `json:"comment,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	Seq              int64        `json:"seq"`
}

type TimelineAction string

const (
	ActionEnter    TimelineAction = "enter"
	ActionComplete TimelineAction = "complete"
	ActionEscalate TimelineAction = "escalate"
	ActionReject   TimelineAction = "reject"
	ActionApprove  TimelineAction = "approve"
	ActionCancel   TimelineAction = "cancel"
)

type TimelineEntry struct {
	ID                 string         `json:"id"`
	Seq                int64          `json:"seq"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepID             string         `json:"step_id"`
	Action             TimelineAction `json:"action"`
	PerformedBy        string         `json:"performed_by,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type EscalationLog struct {
	ID            string    `json:"id"`
	AssignmentID  string    `json:"assignment_id"`
	EscalatedFrom string    `json:"escalated_from,omitempty"`
	EscalatedTo   string    `json:"escalated_to"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// User is a directory entry used for role membership and escalation.
type User struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name,omitempty" yaml:"name"`
	Email  string   `json:"email,omitempty" yaml:"email"`
	Roles  []string `json:"roles" yaml:"roles"`
	Active bool     `json:"active" yaml:"active"`
}

func (u User) HasRole(role string) bool { return slices.Contains(u.Roles, role) }

type NotificationType string

const (
	NotifyAssignment NotificationType = "assignment"
	NotifyReminder   NotificationType = "reminder"
	NotifyEscalation NotificationType = "escalation"
)

// NotificationRecord remembers what was sent, for reminder throttling.
type NotificationRecord struct {
	ID           string           `json:"id"`
	AssignmentID string           `json:"assignment_id"`
	UserID       string           `json:"user_id"`
	Type         NotificationType `json:"type"`
	SentAt       time.Time        `json:"sent_at"`
}
