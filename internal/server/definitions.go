package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

func (a *api) definitionReply(def domain.WorkflowDefinition, err error) (*body[DefinitionBody], error) {
	if err != nil {
		return nil, a.handleError(err)
	}
	out, err := toDefinitionBody(def)
	if err != nil {
		return nil, a.handleError(err)
	}
	return reply(out), nil
}

func (a *api) registerDefinitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-definition",
		Method:        http.MethodPost,
		Path:          "/definitions",
		Summary:       "Create a Draft definition",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body DefinitionRequest
	}) (*body[DefinitionBody], error) {
		p, err := a.requireAdmin(ctx, "create definition")
		if err != nil {
			return nil, a.handleError(err)
		}
		def, err := input.Body.definition()
		if err != nil {
			return nil, a.handleError(err)
		}
		return a.definitionReply(a.e.CreateDefinition(ctx, def, p.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List definitions",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Module string `query:"module" enum:"finding,action,dof,audit,capa"`
		Status string `query:"status" enum:"Draft,Active,Archived"`
	}) (*body[[]DefinitionBody], error) {
		defs, err := a.e.ListDefinitions(ctx, store.DefinitionFilter{
			Module: domain.Module(input.Module),
			Status: domain.DefinitionStatus(input.Status),
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]DefinitionBody, 0, len(defs))
		for _, d := range defs {
			b, err := toDefinitionBody(d)
			if err != nil {
				return nil, a.handleError(err)
			}
			out = append(out, b)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-definition",
		Method:      http.MethodGet,
		Path:        "/modules/{module}/active-definition",
		Summary:     "Active definition of a module",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Module string `path:"module" enum:"finding,action,dof,audit,capa"`
	}) (*body[DefinitionBody], error) {
		return a.definitionReply(a.e.ActiveDefinition(ctx, domain.Module(input.Module)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{id}",
		Summary:     "Get a definition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[DefinitionBody], error) {
		return a.definitionReply(a.e.GetDefinition(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-definition",
		Method:      http.MethodPut,
		Path:        "/definitions/{id}",
		Summary:     "Edit a Draft definition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DefinitionRequest
	}) (*body[DefinitionBody], error) {
		if _, err := a.requireAdmin(ctx, "edit definition"); err != nil {
			return nil, a.handleError(err)
		}
		patch, err := input.Body.definition()
		if err != nil {
			return nil, a.handleError(err)
		}
		return a.definitionReply(a.e.UpdateDefinition(ctx, input.ID, patch))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-definition",
		Method:        http.MethodDelete,
		Path:          "/definitions/{id}",
		Summary:       "Delete an unused Draft definition",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, err := a.requireAdmin(ctx, "delete definition"); err != nil {
			return nil, a.handleError(err)
		}
		if err := a.e.DeleteDefinition(ctx, input.ID); err != nil {
			return nil, a.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-definition",
		Method:      http.MethodPost,
		Path:        "/definitions/{id}/validate",
		Summary:     "Run the structural checks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.ValidationResult], error) {
		res, err := a.e.ValidateDefinition(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		res.Errors = nonNilSlice(res.Errors)
		res.Warnings = nonNilSlice(res.Warnings)
		res.Info = nonNilSlice(res.Info)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-definition",
		Method:      http.MethodPost,
		Path:        "/definitions/{id}/publish",
		Summary:     "Make a Draft the Active definition of its module",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[DefinitionBody], error) {
		p, err := a.requireAdmin(ctx, "publish definition")
		if err != nil {
			return nil, a.handleError(err)
		}
		return a.definitionReply(a.e.PublishDefinition(ctx, input.ID, p.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-definition",
		Method:      http.MethodPost,
		Path:        "/definitions/{id}/archive",
		Summary:     "Archive a definition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[DefinitionBody], error) {
		if _, err := a.requireAdmin(ctx, "archive definition"); err != nil {
			return nil, a.handleError(err)
		}
		return a.definitionReply(a.e.ArchiveDefinition(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "version-definition",
		Method:        http.MethodPost,
		Path:          "/definitions/{id}/versions",
		Summary:       "Copy a definition into a new Draft version",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *idPath) (*body[DefinitionBody], error) {
		p, err := a.requireAdmin(ctx, "version definition")
		if err != nil {
			return nil, a.handleError(err)
		}
		return a.definitionReply(a.e.NewVersion(ctx, input.ID, p.ActorID))
	})
}
