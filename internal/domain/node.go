package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeProcess  NodeType = "process"
	NodeDecision NodeType = "decision"
	NodeApproval NodeType = "approval"
	NodeEnd      NodeType = "end"
)

type ApprovalType string

const (
	ApprovalAny ApprovalType = "ANY"
	ApprovalAll ApprovalType = "ALL"
)

// Valid reports whether t is ANY or ALL.
func (t ApprovalType) Valid() bool { return t == ApprovalAny || t == ApprovalAll }

// ParseApprovalType accepts ANY or ALL in any case; empty means ANY.
func ParseApprovalType(s string) (ApprovalType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ApprovalAny, nil
	}
	t := ApprovalType(strings.ToUpper(s))
	if !t.Valid() {
		return "", fmt.Errorf("approvalType %q must be ANY or ALL", s)
	}
	return t, nil
}

// Canonical edge handles.
const (
	HandleYes      = "yes"
	HandleNo       = "no"
	HandleApproved = "approved"
	HandleRejected = "rejected"
)

// NodePayload is the type-specific part of a node. Start and end nodes carry none.
type NodePayload interface {
	nodeType() NodeType
}

type ProcessStep struct {
	AssignedRole   string  `json:"assignedRole,omitempty"`
	AssignedUserID string  `json:"assignedUserId,omitempty"`
	DeadlineHours  float64 `json:"deadlineHours,omitempty"`
	EscalateTo     string  `json:"escalateTo,omitempty"`
}

func (ProcessStep) nodeType() NodeType { return NodeProcess }

type DecisionStep struct {
	Condition string `json:"condition"`
}

func (DecisionStep) nodeType() NodeType { return NodeDecision }

type ApprovalStep struct {
	Approvers     []string     `json:"approvers"`
	ApprovalType  ApprovalType `json:"approvalType"`
	DeadlineHours float64      `json:"deadlineHours,omitempty"`
	EscalateTo    string       `json:"escalateTo,omitempty"`
}

func (ApprovalStep) nodeType() NodeType { return NodeApproval }

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a graph vertex. Payload matches Type; Process/Decision/Approval
// give typed access.
type Node struct {
	ID       string
	Type     NodeType
	Label    string
	Position *Position
	Payload  NodePayload
}

func (n Node) Process() (ProcessStep, bool) {
	p, ok := n.Payload.(ProcessStep)
	return p, ok
}

func (n Node) Decision() (DecisionStep, bool) {
	p, ok := n.Payload.(DecisionStep)
	return p, ok
}

func (n Node) Approval() (ApprovalStep, bool) {
	p, ok := n.Payload.(ApprovalStep)
	return p, ok
}

// DeadlineHours returns the step deadline for waiting nodes, zero otherwise.
func (n Node) DeadlineHours() float64 {
	switch p := n.Payload.(type) {
	case ProcessStep:
		return p.DeadlineHours
	case ApprovalStep:
		return p.DeadlineHours
	}
	return 0
}

// EscalateTo returns the escalation role configured on the node, if any.
func (n Node) EscalateTo() string {
	switch p := n.Payload.(type) {
	case ProcessStep:
		return p.EscalateTo
	case ApprovalStep:
		return p.EscalateTo
	}
	return ""
}

type nodeWire struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type labelData struct {
	Label string `json:"label"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	data := map[string]any{"label": n.Label}
	if n.Payload != nil {
		raw, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			data[k] = v
		}
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeWire{ID: n.ID, Type: n.Type, Position: n.Position, Data: rawData})
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Node{ID: w.ID, Type: w.Type, Position: w.Position}
	data := w.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	var lbl labelData
	if err := json.Unmarshal(data, &lbl); err != nil {
		return fmt.Errorf("node %s: %w", w.ID, err)
	}
	out.Label = lbl.Label
	switch w.Type {
	case NodeStart, NodeEnd:
	case NodeProcess:
		var p ProcessStep
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("node %s: %w", w.ID, err)
		}
		out.Payload = p
	case NodeDecision:
		var p DecisionStep
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("node %s: %w", w.ID, err)
		}
		out.Payload = p
	case NodeApproval:
		var p ApprovalStep
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("node %s: %w", w.ID, err)
		}
		typ, err := ParseApprovalType(string(p.ApprovalType))
		if err != nil {
			return fmt.Errorf("node %s: %w", w.ID, err)
		}
		p.ApprovalType = typ
		out.Payload = p
	default:
		return fmt.Errorf("node %s: unknown node type %q", w.ID, w.Type)
	}
	*n = out
	return nil
}
