package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"auditflow/internal/deadline"
	"auditflow/internal/domain"
	"auditflow/internal/engine"
)

func (a *api) registerAssignments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get an assignment",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.StepAssignment], error) {
		as, err := a.e.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(as), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/complete",
		Summary:     "Complete a process step",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *CompleteTaskRequest
	}) (*body[domain.WorkflowInstance], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		var notes string
		if input.Body != nil {
			notes = input.Body.Notes
		}
		in, err := a.e.CompleteTask(ctx, input.ID, p.ActorID, notes)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/reject",
		Summary:     "Send a process step back for rework",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *RejectTaskRequest
	}) (*body[domain.StepAssignment], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		reopened, err := a.e.RejectTask(ctx, input.ID, p.ActorID, reason)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(reopened), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/votes",
		Summary:     "Votes cast on an approval step",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[[]domain.ApprovalVote], error) {
		list, err := a.e.Votes(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/votes",
		Summary:     "Approve or reject an approval step",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body VoteRequest
	}) (*body[engine.VoteResult], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		res, err := a.e.CastVote(ctx, input.ID, p.ActorID, input.Body.Decision, input.Body.Comment)
		if err != nil {
			return nil, a.handleError(err)
		}
		res.Tally.Approved = nonNilSlice(res.Tally.Approved)
		res.Tally.Rejected = nonNilSlice(res.Tally.Rejected)
		res.Tally.Pending = nonNilSlice(res.Tally.Pending)
		return reply(res), nil
	})
}

func (a *api) registerDeadlines(api huma.API) {
	if a.mon == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "escalate-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/escalate",
		Summary:     "Escalate an overdue assignment now",
		Description: "Idempotent: an assignment is escalated at most once.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[deadline.EscalationResult], error) {
		if _, err := a.requireAdmin(ctx, "escalate"); err != nil {
			return nil, a.handleError(err)
		}
		res, err := a.mon.Escalate(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-deadlines",
		Method:      http.MethodPost,
		Path:        "/deadlines/sweep",
		Summary:     "Escalate overdue and remind approaching assignments",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[deadline.SweepResult], error) {
		if _, err := a.requireAdmin(ctx, "sweep deadlines"); err != nil {
			return nil, a.handleError(err)
		}
		res, err := a.mon.ProcessOverdue(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		res.Results = nonNilSlice(res.Results)
		return reply(res), nil
	})
}

func (a *api) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List the user directory",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.User], error) {
		list, err := a.e.Users(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		for i := range list {
			list[i].Roles = nonNilSlice(list[i].Roles)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-user",
		Method:      http.MethodPut,
		Path:        "/users/{id}",
		Summary:     "Create or replace a directory user",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UserRequest
	}) (*body[domain.User], error) {
		if _, err := a.requireAdmin(ctx, "manage users"); err != nil {
			return nil, a.handleError(err)
		}
		u := domain.User{
			ID:     input.ID,
			Name:   input.Body.Name,
			Email:  input.Body.Email,
			Roles:  nonNilSlice(input.Body.Roles),
			Active: input.Body.Active == nil || *input.Body.Active,
		}
		if err := a.e.AddUser(ctx, u); err != nil {
			return nil, a.handleError(err)
		}
		return reply(u), nil
	})
}
