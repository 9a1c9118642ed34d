// Package approval decides ANY/ALL consensus for approval steps.
package approval

import (
	"slices"

	"auditflow/internal/domain"
)

// Result of a tally. Outcome is set only when Resolved.
type Result struct {
	StepID   string              `json:"step_id"`
	Resolved bool                `json:"resolved"`
	Outcome  domain.VoteDecision `json:"outcome,omitempty"`
	Approved []string            `json:"approved"`
	Rejected []string            `json:"rejected"`
	Pending  []string            `json:"pending"`
}

// Handle returns the edge handle the outcome routes along.
func (r Result) Handle() string {
	if r.Outcome == domain.VoteRejected {
		return domain.HandleRejected
	}
	return domain.HandleApproved
}

// Tally replays votes in Seq order, keeping only each listed approver's
// latest decision, and stops at the first point the step resolves:
//   - any rejection resolves rejected, for ANY and ALL alike;
//   - ANY resolves approved on the first approval;
//   - ALL resolves approved once every approver's latest vote approves.
//
// Votes for approvers that are not listed are ignored.
func Tally(stepID string, approvers []string, typ domain.ApprovalType, votes []domain.ApprovalVote) Result {
	ordered := slices.Clone(votes)
	slices.SortStableFunc(ordered, func(a, b domain.ApprovalVote) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	latest := make(map[string]domain.VoteDecision, len(approvers))
	res := Result{StepID: stepID}
	for _, v := range ordered {
		if !slices.Contains(approvers, v.ApproverID) {
			continue
		}
		latest[v.ApproverID] = v.Decision
		if outcome, ok := resolve(approvers, typ, latest); ok {
			res.Resolved = true
			res.Outcome = outcome
			break
		}
	}
	for _, a := range approvers {
		switch latest[a] {
		case domain.VoteApproved:
			res.Approved = append(res.Approved, a)
		case domain.VoteRejected:
			res.Rejected = append(res.Rejected, a)
		default:
			res.Pending = append(res.Pending, a)
		}
	}
	return res
}

func resolve(approvers []string, typ domain.ApprovalType, latest map[string]domain.VoteDecision) (domain.VoteDecision, bool) {
	approved := 0
	for _, a := range approvers {
		switch latest[a] {
		case domain.VoteRejected:
			return domain.VoteRejected, true
		case domain.VoteApproved:
			approved++
		}
	}
	if typ == domain.ApprovalAll {
		if approved == len(approvers) && approved > 0 {
			return domain.VoteApproved, true
		}
		return "", false
	}
	if approved > 0 {
		return domain.VoteApproved, true
	}
	return "", false
}
