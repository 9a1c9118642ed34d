package server

import (
	"encoding/json"
	"fmt"
	"time"

	"auditflow/internal/domain"
)

// Request payloads

// NodeBody is a node in editor form: type-specific fields live in data.
type NodeBody struct {
	ID       string           `json:"id"`
	Type     domain.NodeType  `json:"type" enum:"start,process,decision,approval,end"`
	Position *domain.Position `json:"position,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
}

type DefinitionRequest struct {
	ID          string        `json:"id,omitempty"`
	Name        string        `json:"name,omitempty"`
	Module      domain.Module `json:"module,omitempty" enum:"finding,action,dof,audit,capa"`
	Description string        `json:"description,omitempty"`
	Version     string        `json:"version,omitempty" example:"1.0.0"`
	Nodes       []NodeBody    `json:"nodes,omitempty"`
	Edges       []domain.Edge `json:"edges,omitempty"`
}

type StartInstanceRequest struct {
	// DefinitionID selects a definition; without it the Active definition
	// of Module is used.
	DefinitionID string         `json:"definition_id,omitempty"`
	Module       domain.Module  `json:"module,omitempty" enum:"finding,action,dof,audit,capa"`
	EntityType   string         `json:"entity_type,omitempty"`
	EntityID     string         `json:"entity_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CancelInstanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RefreshContextRequest struct {
	Context map[string]any `json:"context"`
}

type CompleteTaskRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type VoteRequest struct {
	Decision domain.VoteDecision `json:"decision" enum:"approved,rejected"`
	Comment  string              `json:"comment,omitempty"`
}

type UserRequest struct {
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Active *bool    `json:"active,omitempty"`
}

// Response payloads

type DefinitionBody struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Module      domain.Module           `json:"module"`
	Description string                  `json:"description,omitempty"`
	Status      domain.DefinitionStatus `json:"status" enum:"Draft,Active,Archived"`
	Version     string                  `json:"version"`
	ParentID    string                  `json:"parentId,omitempty"`
	Nodes       []NodeBody              `json:"nodes"`
	Edges       []domain.Edge           `json:"edges"`
	CreatedBy   string                  `json:"createdBy,omitempty"`
	CreatedAt   *time.Time              `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time              `json:"updatedAt,omitempty"`
	PublishedAt *time.Time              `json:"publishedAt,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type StartInstanceResponse struct {
	Instance domain.WorkflowInstance `json:"instance"`
	// Error is set when the instance was created but its first advance
	// failed; it then waits at the start node.
	Error string `json:"error,omitempty"`
}

// definition converts the request into a domain definition. Nil node and
// edge lists stay nil so updates keep the stored graph.
func (r DefinitionRequest) definition() (domain.WorkflowDefinition, error) {
	def := domain.WorkflowDefinition{
		ID:          r.ID,
		Name:        r.Name,
		Module:      r.Module,
		Description: r.Description,
		Version:     r.Version,
		Edges:       r.Edges,
	}
	if r.Nodes == nil {
		return def, nil
	}
	seen := make(map[string]bool, len(r.Nodes))
	def.Nodes = make([]domain.Node, 0, len(r.Nodes))
	for _, nb := range r.Nodes {
		if nb.ID == "" {
			return def, domain.Invalid("node without id")
		}
		if seen[nb.ID] {
			return def, domain.Invalid("duplicate node id %s", nb.ID)
		}
		seen[nb.ID] = true
		raw, err := json.Marshal(nb)
		if err != nil {
			return def, err
		}
		var n domain.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return def, domain.Invalid("%v", err)
		}
		def.Nodes = append(def.Nodes, n)
	}
	return def, nil
}

func toDefinitionBody(def domain.WorkflowDefinition) (DefinitionBody, error) {
	var out DefinitionBody
	raw, err := json.Marshal(def)
	if err != nil {
		return out, fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode definition %s: %w", def.ID, err)
	}
	out.Nodes = nonNilSlice(out.Nodes)
	out.Edges = nonNilSlice(out.Edges)
	return out, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
