package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/domain"
)

const reviewFlow = `{
  "name": "Finding review",
  "module": "finding",
  "nodes": [
    {"id": "start", "type": "start", "position": {"x": 0, "y": 0}, "data": {"label": "Start"}},
    {"id": "review", "type": "process", "data": {"label": "Review", "assignedRole": "Reviewer", "deadlineHours": 2, "escalateTo": "Manager"}},
    {"id": "check", "type": "decision", "data": {"label": "Approved?", "condition": "status === 'approved'"}},
    {"id": "signoff", "type": "approval", "data": {"label": "Sign-off", "approvers": ["QA", "u-lead"], "approvalType": "ALL", "deadlineHours": 24}},
    {"id": "end", "type": "end", "data": {"label": "Done"}}
  ],
  "edges": [
    {"source": "start", "target": "review"},
    {"source": "review", "target": "check"},
    {"source": "check", "target": "signoff", "sourceHandle": "yes"},
    {"source": "check", "target": "review", "sourceHandle": "no"},
    {"source": "signoff", "target": "end", "sourceHandle": "approved"},
    {"source": "signoff", "target": "review", "sourceHandle": "rejected"}
  ]
}`

func kinds(issues []domain.Issue) []domain.IssueKind {
	out := make([]domain.IssueKind, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Kind)
	}
	return out
}

func TestParseTypedPayloads(t *testing.T) {
	def, err := Parse([]byte(reviewFlow))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 5)
	assert.Equal(t, domain.ModuleFinding, def.Module)

	review, _ := def.Node("review")
	p, ok := review.Process()
	require.True(t, ok)
	assert.Equal(t, "Reviewer", p.AssignedRole)
	assert.Equal(t, 2.0, p.DeadlineHours)
	assert.Equal(t, "Manager", review.EscalateTo())

	signoff, _ := def.Node("signoff")
	a, ok := signoff.Approval()
	require.True(t, ok)
	assert.Equal(t, domain.ApprovalAll, a.ApprovalType)
	assert.Equal(t, []string{"QA", "u-lead"}, a.Approvers)

	start, _ := def.Node("start")
	assert.Nil(t, start.Payload)
	require.NotNil(t, start.Position)
}

func TestParseRejectsBadNodes(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x","module":"audit","nodes":[{"id":"a","type":"loop","data":{}}],"edges":[]}`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"name":"x","module":"audit","nodes":[{"id":"a","type":"start"},{"id":"a","type":"end"}],"edges":[]}`))
	require.ErrorContains(t, err, "duplicate node id")
}

func TestValidateSoundDefinition(t *testing.T) {
	def, err := Parse([]byte(reviewFlow))
	require.NoError(t, err)
	res := Validate(def.Nodes, def.Edges)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	// Both rework loops are reported, neither blocks.
	assert.Equal(t, []domain.IssueKind{domain.IssueCycle, domain.IssueCycle}, kinds(res.Warnings))
	require.Len(t, res.Info, 1)
	assert.Equal(t, "5 nodes, 6 edges", res.Info[0].Message)
}

func TestValidateMissingEnd(t *testing.T) {
	nodes := []domain.Node{
		{ID: "s", Type: domain.NodeStart},
		{ID: "p", Type: domain.NodeProcess, Payload: domain.ProcessStep{AssignedRole: "R", DeadlineHours: 1}},
	}
	edges := []domain.Edge{{Source: "s", Target: "p"}}
	res := Validate(nodes, edges)
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.IssueNoEndNode, res.Errors[0].Kind)
	assert.Contains(t, kinds(res.Warnings), domain.IssueDeadEnd)
}

func TestValidateStructuralErrors(t *testing.T) {
	nodes := []domain.Node{
		{ID: "s1", Type: domain.NodeStart},
		{ID: "s2", Type: domain.NodeStart},
		{ID: "e", Type: domain.NodeEnd},
		{ID: "island", Type: domain.NodeEnd},
	}
	edges := []domain.Edge{
		{Source: "s1", Target: "e"},
		{Source: "s2", Target: "e"},
		{Source: "s1", Target: "ghost"},
	}
	res := Validate(nodes, edges)
	assert.False(t, res.IsValid)
	assert.ElementsMatch(t, []domain.IssueKind{
		domain.IssueMultipleStartNodes,
		domain.IssueUnknownEdgeNode,
		domain.IssueUnreachableEnd,
	}, kinds(res.Errors))
	assert.Contains(t, kinds(res.Warnings), domain.IssueOrphanedNode)
}

func TestValidatePayloadWarnings(t *testing.T) {
	nodes := []domain.Node{
		{ID: "s", Type: domain.NodeStart},
		{ID: "p", Type: domain.NodeProcess, Payload: domain.ProcessStep{}},
		{ID: "d", Type: domain.NodeDecision, Payload: domain.DecisionStep{Condition: "status ==="}},
		{ID: "a", Type: domain.NodeApproval, Payload: domain.ApprovalStep{ApprovalType: domain.ApprovalAny}},
		{ID: "d2", Type: domain.NodeDecision, Payload: domain.DecisionStep{}},
		{ID: "e", Type: domain.NodeEnd},
		{ID: "lost", Type: domain.NodeProcess, Payload: domain.ProcessStep{AssignedRole: "R", DeadlineHours: 1}},
	}
	edges := []domain.Edge{
		{Source: "s", Target: "p"},
		{Source: "p", Target: "d"},
		{Source: "d", Target: "a", SourceHandle: "yes"},
		{Source: "a", Target: "d2", SourceHandle: "approved"},
		{Source: "d2", Target: "e", SourceHandle: "yes"},
		{Source: "lost", Target: "e"},
	}
	res := Validate(nodes, edges)
	assert.True(t, res.IsValid)
	got := kinds(res.Warnings)
	for _, want := range []domain.IssueKind{
		domain.IssueMissingAssignee,
		domain.IssueMissingDeadline,
		domain.IssueInvalidCondition,
		domain.IssueTooFewBranches,
		domain.IssueNoApprovers,
		domain.IssueEmptyCondition,
		domain.IssueUnreachableNode,
	} {
		assert.Contains(t, got, want)
	}
}

func TestMarshalRoundTripKeepsValidation(t *testing.T) {
	def, err := Parse([]byte(reviewFlow))
	require.NoError(t, err)
	before := Validate(def.Nodes, def.Edges)

	raw, err := Marshal(def)
	require.NoError(t, err)
	again, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, def.Nodes, again.Nodes)
	assert.Equal(t, def.Edges, again.Edges)
	assert.Equal(t, before, Validate(again.Nodes, again.Edges))
}

func TestOutgoingByHandle(t *testing.T) {
	def, err := Parse([]byte(reviewFlow))
	require.NoError(t, err)
	g := Build(def.Nodes, def.Edges)
	e, ok := g.OutgoingByHandle("check", domain.HandleNo)
	require.True(t, ok)
	assert.Equal(t, "review", e.Target)
	_, ok = g.OutgoingByHandle("check", "maybe")
	assert.False(t, ok)
}

func TestParseNormalisesApprovalType(t *testing.T) {
	const tmpl = `{"name":"x","module":"capa","nodes":[{"id":"a","type":"approval","data":{"approvers":["A","B"],"approvalType":%q}}],"edges":[]}`
	for in, want := range map[string]domain.ApprovalType{
		"all":   domain.ApprovalAll,
		" Any ": domain.ApprovalAny,
		"":      domain.ApprovalAny,
	} {
		def, err := Parse([]byte(fmt.Sprintf(tmpl, in)))
		require.NoError(t, err, in)
		a, ok := def.Nodes[0].Approval()
		require.True(t, ok)
		assert.Equal(t, want, a.ApprovalType, in)
	}

	_, err := Parse([]byte(fmt.Sprintf(tmpl, "MAJORITY")))
	require.ErrorContains(t, err, "must be ANY or ALL")
}

func TestValidateRejectsUnknownApprovalType(t *testing.T) {
	nodes := []domain.Node{
		{ID: "s", Type: domain.NodeStart},
		{ID: "a", Type: domain.NodeApproval, Payload: domain.ApprovalStep{Approvers: []string{"A"}, ApprovalType: "MAJORITY"}},
		{ID: "e", Type: domain.NodeEnd},
	}
	edges := []domain.Edge{
		{Source: "s", Target: "a"},
		{Source: "a", Target: "e", SourceHandle: "approved"},
		{Source: "a", Target: "s", SourceHandle: "rejected"},
	}
	res := Validate(nodes, edges)
	assert.False(t, res.IsValid)
	assert.Equal(t, []domain.IssueKind{domain.IssueInvalidApprovalType}, kinds(res.Errors))
}

func TestValidateMissingBranchHandles(t *testing.T) {
	nodes := []domain.Node{
		{ID: "s", Type: domain.NodeStart},
		{ID: "d", Type: domain.NodeDecision, Payload: domain.DecisionStep{Condition: "status === 'ok'"}},
		{ID: "a", Type: domain.NodeApproval, Payload: domain.ApprovalStep{Approvers: []string{"A"}, ApprovalType: domain.ApprovalAll}},
		{ID: "e", Type: domain.NodeEnd},
	}
	edges := []domain.Edge{
		{Source: "s", Target: "d"},
		{Source: "d", Target: "a"},
		{Source: "d", Target: "e"},
		{Source: "a", Target: "e", SourceHandle: "approved"},
	}
	res := Validate(nodes, edges)
	assert.True(t, res.IsValid)

	var missing []string
	for _, is := range res.Warnings {
		if is.Kind == domain.IssueMissingBranch {
			missing = append(missing, is.NodeID+":"+is.Message)
		}
	}
	assert.ElementsMatch(t, []string{
		`d:decision "d" has no "yes" edge`,
		`d:decision "d" has no "no" edge`,
		`a:approval "a" has no "rejected" edge`,
	}, missing)
}
