package domain

import "fmt"

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// IssueKind identifies a validator check.
type IssueKind string

const (
	IssueNoStartNode          IssueKind = "no_start_node"
	IssueMultipleStartNodes   IssueKind = "multiple_start_nodes"
	IssueNoEndNode            IssueKind = "no_end_node"
	IssueUnknownEdgeNode      IssueKind = "unknown_edge_node"
	IssueOrphanedNode         IssueKind = "orphaned_node"
	IssueDeadEnd              IssueKind = "dead_end"
	IssueCycle                IssueKind = "cycle"
	IssueMissingAssignee      IssueKind = "missing_assignee"
	IssueMissingDeadline      IssueKind = "missing_deadline"
	IssueNoApprovers          IssueKind = "no_approvers"
	IssueEmptyCondition       IssueKind = "empty_condition"
	IssueInvalidCondition     IssueKind = "invalid_condition"
	IssueTooFewBranches       IssueKind = "too_few_branches"
	IssueUnreachableEnd       IssueKind = "unreachable_end"
	IssueUnreachableNode      IssueKind = "unreachable_node"
	IssueMultipleProcessEdges IssueKind = "multiple_process_edges"
	IssueInvalidApprovalType  IssueKind = "invalid_approval_type"
	IssueMissingBranch        IssueKind = "missing_branch"
	IssueSummary              IssueKind = "summary"
)

type Issue struct {
	Kind       IssueKind `json:"kind"`
	Severity   Severity  `json:"severity" enum:"error,warning,info"`
	NodeID     string    `json:"node_id,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", i.Kind, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	Info     []Issue `json:"info"`
}
