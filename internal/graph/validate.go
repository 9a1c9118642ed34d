package graph

import (
	"fmt"

	"auditflow/internal/domain"
	"auditflow/internal/expr"
)

type collector struct {
	res domain.ValidationResult
}

func (c *collector) add(sev domain.Severity, kind domain.IssueKind, nodeID, msg, suggestion string) {
	is := domain.Issue{Kind: kind, Severity: sev, NodeID: nodeID, Message: msg, Suggestion: suggestion}
	switch sev {
	case domain.SeverityError:
		c.res.Errors = append(c.res.Errors, is)
	case domain.SeverityWarning:
		c.res.Warnings = append(c.res.Warnings, is)
	default:
		c.res.Info = append(c.res.Info, is)
	}
}

// Validate runs every structural check. Warnings never affect IsValid.
func Validate(nodes []domain.Node, edges []domain.Edge) domain.ValidationResult {
	g := Build(nodes, edges)
	c := &collector{res: domain.ValidationResult{
		Errors:   []domain.Issue{},
		Warnings: []domain.Issue{},
		Info:     []domain.Issue{},
	}}

	starts := g.NodesOfType(domain.NodeStart)
	ends := g.NodesOfType(domain.NodeEnd)
	switch {
	case len(starts) == 0:
		c.add(domain.SeverityError, domain.IssueNoStartNode, "", "workflow has no start node", "add exactly one start node")
	case len(starts) > 1:
		for _, s := range starts[1:] {
			c.add(domain.SeverityError, domain.IssueMultipleStartNodes, s.ID,
				fmt.Sprintf("workflow has %d start nodes", len(starts)), "remove the extra start nodes")
		}
	}
	if len(ends) == 0 {
		c.add(domain.SeverityError, domain.IssueNoEndNode, "", "workflow has no end node", "add an end node and connect the final steps to it")
	}

	for _, e := range g.Dangling {
		missing := e.Target
		if _, ok := g.Node(e.Source); !ok {
			missing = e.Source
		}
		c.add(domain.SeverityError, domain.IssueUnknownEdgeNode, missing,
			fmt.Sprintf("edge %s -> %s references unknown node %s", e.Source, e.Target, missing), "delete the edge or restore the node")
	}

	for _, n := range nodes {
		outN, inN := len(g.Outgoing(n.ID)), len(g.Incoming(n.ID))
		if outN == 0 && inN == 0 {
			c.add(domain.SeverityWarning, domain.IssueOrphanedNode, n.ID,
				fmt.Sprintf("node %q is not connected", label(n)), "connect the node or delete it")
		} else if outN == 0 && n.Type != domain.NodeEnd {
			c.add(domain.SeverityWarning, domain.IssueDeadEnd, n.ID,
				fmt.Sprintf("node %q has no outgoing edge", label(n)), "connect it to a following step or an end node")
		}
		checkPayload(c, g, n)
	}

	for _, e := range g.BackEdges() {
		c.add(domain.SeverityWarning, domain.IssueCycle, e.Target,
			fmt.Sprintf("edge %s -> %s closes a cycle", e.Source, e.Target), "make sure the loop has an exit, such as an approval or decision branch")
	}

	if len(starts) > 0 {
		reach := g.Reachable(starts[0].ID)
		for _, n := range nodes {
			if reach[n.ID] {
				continue
			}
			if n.Type == domain.NodeEnd {
				c.add(domain.SeverityError, domain.IssueUnreachableEnd, n.ID,
					fmt.Sprintf("end node %q cannot be reached from start", label(n)), "connect a path from start to this end node")
			} else if n.Type != domain.NodeStart {
				c.add(domain.SeverityWarning, domain.IssueUnreachableNode, n.ID,
					fmt.Sprintf("node %q cannot be reached from start", label(n)), "connect it to the flow or delete it")
			}
		}
	}

	c.add(domain.SeverityInfo, domain.IssueSummary, "",
		fmt.Sprintf("%d nodes, %d edges", len(nodes), len(edges)), "")
	c.res.IsValid = len(c.res.Errors) == 0
	return c.res
}

func checkPayload(c *collector, g *Graph, n domain.Node) {
	switch n.Type {
	case domain.NodeProcess:
		p, _ := n.Process()
		if p.AssignedRole == "" && p.AssignedUserID == "" {
			c.add(domain.SeverityWarning, domain.IssueMissingAssignee, n.ID,
				fmt.Sprintf("process %q has no assignee", label(n)), "set assignedRole or assignedUserId")
		}
		if p.DeadlineHours <= 0 {
			c.add(domain.SeverityWarning, domain.IssueMissingDeadline, n.ID,
				fmt.Sprintf("process %q has no deadline", label(n)), "set deadlineHours so the step can be escalated")
		}
		if len(g.Outgoing(n.ID)) > 1 {
			c.add(domain.SeverityWarning, domain.IssueMultipleProcessEdges, n.ID,
				fmt.Sprintf("process %q has %d outgoing edges, only the first is followed", label(n), len(g.Outgoing(n.ID))),
				"use a decision node to branch")
		}
	case domain.NodeApproval:
		a, _ := n.Approval()
		if len(a.Approvers) == 0 {
			c.add(domain.SeverityWarning, domain.IssueNoApprovers, n.ID,
				fmt.Sprintf("approval %q has no approvers", label(n)), "add at least one approver role or user")
		}
		if a.ApprovalType != "" && !a.ApprovalType.Valid() {
			c.add(domain.SeverityError, domain.IssueInvalidApprovalType, n.ID,
				fmt.Sprintf("approval %q has approval type %q", label(n), a.ApprovalType), "use ANY or ALL")
		}
		checkBranches(c, g, n, domain.HandleApproved, domain.HandleRejected)
	case domain.NodeDecision:
		d, _ := n.Decision()
		if d.Condition == "" {
			c.add(domain.SeverityWarning, domain.IssueEmptyCondition, n.ID,
				fmt.Sprintf("decision %q has no condition", label(n)), "enter a condition such as status === 'approved'")
		} else if _, err := expr.Compile(d.Condition); err != nil {
			c.add(domain.SeverityWarning, domain.IssueInvalidCondition, n.ID,
				err.Error(), "fix the condition syntax")
		}
		if len(g.Outgoing(n.ID)) < 2 {
			c.add(domain.SeverityWarning, domain.IssueTooFewBranches, n.ID,
				fmt.Sprintf("decision %q has fewer than two outgoing edges", label(n)), "add both a yes and a no branch")
		}
		checkBranches(c, g, n, domain.HandleYes, domain.HandleNo)
	}
}

// checkBranches warns for each outcome handle of n that no edge carries.
// The engine routes outcomes by handle only, so such an outcome stalls
// with NoMatchingEdgeError at runtime.
func checkBranches(c *collector, g *Graph, n domain.Node, handles ...string) {
	for _, h := range handles {
		if _, ok := g.OutgoingByHandle(n.ID, h); ok {
			continue
		}
		c.add(domain.SeverityWarning, domain.IssueMissingBranch, n.ID,
			fmt.Sprintf("%s %q has no %q edge", n.Type, label(n), h),
			fmt.Sprintf("connect an edge with sourceHandle %q", h))
	}
}

func label(n domain.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}
