package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"auditflow/internal/domain"
	"auditflow/internal/engine"
	"auditflow/internal/store"
)

func (a *api) registerInstances(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Start a workflow for an entity",
		Description:   "Uses definition_id when given, otherwise the Active definition of module. If the first advance fails the instance still exists at its start node and is returned with the error.",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body StartInstanceRequest
	}) (*body[StartInstanceResponse], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		req := engine.StartRequest{
			DefinitionID: input.Body.DefinitionID,
			EntityType:   input.Body.EntityType,
			EntityID:     input.Body.EntityID,
			Metadata:     input.Body.Metadata,
			ActorID:      p.ActorID,
		}
		var in domain.WorkflowInstance
		switch {
		case req.DefinitionID != "":
			in, err = a.e.StartWorkflow(ctx, req)
		case input.Body.Module != "":
			in, err = a.e.StartForModule(ctx, input.Body.Module, req)
		default:
			return nil, a.handleError(domain.Invalid("definition_id or module is required"))
		}
		if err != nil {
			if in.ID == "" {
				return nil, a.handleError(err)
			}
			// Created but stuck at start: report both.
			return reply(StartInstanceResponse{Instance: in, Error: err.Error()}), nil
		}
		return reply(StartInstanceResponse{Instance: in}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List instances",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DefinitionID string `query:"definition_id"`
		EntityType   string `query:"entity_type"`
		EntityID     string `query:"entity_id"`
		Status       string `query:"status" enum:"Running,Completed,Cancelled"`
		Limit        int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*body[[]domain.WorkflowInstance], error) {
		list, err := a.e.ListInstances(ctx, store.InstanceFilter{
			DefinitionID: input.DefinitionID,
			EntityType:   input.EntityType,
			EntityID:     input.EntityID,
			Status:       domain.InstanceStatus(input.Status),
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{id}",
		Summary:     "Get an instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.WorkflowInstance], error) {
		in, err := a.e.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-timeline",
		Method:      http.MethodGet,
		Path:        "/instances/{id}/timeline",
		Summary:     "Audit timeline of an instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[[]domain.TimelineEntry], error) {
		list, err := a.e.Timeline(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-assignments",
		Method:      http.MethodGet,
		Path:        "/instances/{id}/assignments",
		Summary:     "Assignments of an instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[[]domain.StepAssignment], error) {
		list, err := a.e.Assignments(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{id}/cancel",
		Summary:     "Cancel a running instance",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *CancelInstanceRequest
	}) (*body[domain.WorkflowInstance], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		in, err := a.e.CancelInstance(ctx, input.ID, p.ActorID, reason)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{id}/advance",
		Summary:     "Re-run the current node",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.WorkflowInstance], error) {
		in, err := a.e.Advance(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-instance-context",
		Method:      http.MethodPost,
		Path:        "/instances/{id}/context",
		Summary:     "Merge entity data into the instance context",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RefreshContextRequest
	}) (*body[domain.WorkflowInstance], error) {
		in, err := a.e.RefreshContext(ctx, input.ID, input.Body.Context)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(in), nil
	})
}
