package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"auditflow/internal/domain"
	"auditflow/internal/graph"
	"auditflow/internal/store"
)

const initialVersion = "1.0.0"

// canonicalVersion maps "1.2" or "v1.2.0" to the x/mod form "v1.2.0".
func canonicalVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		v = initialVersion
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", domain.Invalid("invalid version %q", strings.TrimPrefix(v, "v"))
	}
	return semver.Canonical(v), nil
}

func displayVersion(v string) string { return strings.TrimPrefix(v, "v") }

// bumpMinor returns the next minor version after v, dropping any patch or
// pre-release part.
func bumpMinor(v string) string {
	mm := strings.Split(strings.TrimPrefix(semver.MajorMinor(v), "v"), ".")
	minor, _ := strconv.Atoi(mm[1])
	return fmt.Sprintf("v%s.%d.0", mm[0], minor+1)
}

func checkDefinition(def domain.WorkflowDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return domain.Invalid("definition name is required")
	}
	if !def.Module.Valid() {
		return domain.Invalid("unknown module %q", def.Module)
	}
	return nil
}

// CreateDefinition stores def as a new Draft.
func (e *Engine) CreateDefinition(ctx context.Context, def domain.WorkflowDefinition, actorID string) (domain.WorkflowDefinition, error) {
	if err := checkDefinition(def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	v, err := canonicalVersion(def.Version)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	now := e.now()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Version = displayVersion(v)
	def.Status = domain.DefinitionDraft
	def.CreatedBy = actorID
	def.CreatedAt = &now
	def.UpdatedAt = &now
	def.PublishedAt = nil
	if def.Nodes == nil {
		def.Nodes = []domain.Node{}
	}
	if def.Edges == nil {
		def.Edges = []domain.Edge{}
	}
	err = e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.Definitions().Get(ctx, def.ID); err == nil {
			return domain.Conflict("definition %s already exists", def.ID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.Definitions().Create(ctx, def)
	})
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	e.log().Info("definition created", defFields(def)...)
	return def, nil
}

// UpdateDefinition replaces the editable fields of a Draft. Active and
// Archived definitions are immutable; use NewVersion.
func (e *Engine) UpdateDefinition(ctx context.Context, id string, patch domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	var out domain.WorkflowDefinition
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Definitions().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.DefinitionDraft {
			return domain.Conflict("definition %s is %s; create a new version to edit it", id, cur.Status)
		}
		if patch.Name != "" {
			cur.Name = patch.Name
		}
		if patch.Module != "" {
			cur.Module = patch.Module
		}
		if patch.Description != "" {
			cur.Description = patch.Description
		}
		if patch.Version != "" {
			v, err := canonicalVersion(patch.Version)
			if err != nil {
				return err
			}
			cur.Version = displayVersion(v)
		}
		if patch.Nodes != nil {
			cur.Nodes = patch.Nodes
		}
		if patch.Edges != nil {
			cur.Edges = patch.Edges
		}
		if err := checkDefinition(cur); err != nil {
			return err
		}
		now := e.now()
		cur.UpdatedAt = &now
		if err := tx.Definitions().Update(ctx, cur, domain.DefinitionDraft); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// NewVersion copies a definition into a Draft whose version is one minor
// above the highest version of the module.
func (e *Engine) NewVersion(ctx context.Context, id, actorID string) (domain.WorkflowDefinition, error) {
	var out domain.WorkflowDefinition
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		src, err := tx.Definitions().Get(ctx, id)
		if err != nil {
			return err
		}
		siblings, err := tx.Definitions().List(ctx, store.DefinitionFilter{Module: src.Module})
		if err != nil {
			return err
		}
		highest, err := canonicalVersion(src.Version)
		if err != nil {
			return err
		}
		for _, d := range siblings {
			v, err := canonicalVersion(d.Version)
			if err != nil {
				continue
			}
			if semver.Compare(v, highest) > 0 {
				highest = v
			}
		}
		now := e.now()
		out = src
		out.ID = uuid.NewString()
		out.ParentID = src.ID
		out.Status = domain.DefinitionDraft
		out.Version = displayVersion(bumpMinor(highest))
		out.CreatedBy = actorID
		out.CreatedAt = &now
		out.UpdatedAt = &now
		out.PublishedAt = nil
		return tx.Definitions().Create(ctx, out)
	})
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	e.log().Info("definition versioned", append(defFields(out), zap.String("parent_id", id))...)
	return out, nil
}

// ValidateDefinition runs the structural checks on a stored definition.
func (e *Engine) ValidateDefinition(ctx context.Context, id string) (domain.ValidationResult, error) {
	def, err := e.GetDefinition(ctx, id)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return graph.Validate(def.Nodes, def.Edges), nil
}

// PublishDefinition makes a Draft the Active definition of its module,
// archiving the previous Active one in the same transaction. A definition
// with blocking issues fails with a *domain.ValidationError.
func (e *Engine) PublishDefinition(ctx context.Context, id, actorID string) (domain.WorkflowDefinition, error) {
	var out domain.WorkflowDefinition
	var archived string
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		def, err := tx.Definitions().Get(ctx, id)
		if err != nil {
			return err
		}
		if def.Status != domain.DefinitionDraft {
			return domain.Conflict("definition %s is %s; only drafts can be published", id, def.Status)
		}
		if res := graph.Validate(def.Nodes, def.Edges); !res.IsValid {
			return &domain.ValidationError{Issues: res.Errors}
		}
		now := e.now()
		prev, err := tx.Definitions().Active(ctx, def.Module)
		switch {
		case err == nil:
			prev.Status = domain.DefinitionArchived
			prev.UpdatedAt = &now
			if err := tx.Definitions().Update(ctx, prev, domain.DefinitionActive); err != nil {
				return fmt.Errorf("archive %s: %w", prev.ID, err)
			}
			archived = prev.ID
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		def.Status = domain.DefinitionActive
		def.PublishedAt = &now
		def.UpdatedAt = &now
		if err := tx.Definitions().Update(ctx, def, domain.DefinitionDraft); err != nil {
			return err
		}
		out = def
		return nil
	})
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	e.log().Info("definition published", append(defFields(out), zap.String("actor_id", actorID), zap.String("archived_id", archived))...)
	return out, nil
}

// ArchiveDefinition retires a definition. Running instances keep using it.
func (e *Engine) ArchiveDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	var out domain.WorkflowDefinition
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		def, err := tx.Definitions().Get(ctx, id)
		if err != nil {
			return err
		}
		if def.Status == domain.DefinitionArchived {
			out = def
			return nil
		}
		expect := def.Status
		now := e.now()
		def.Status = domain.DefinitionArchived
		def.UpdatedAt = &now
		if err := tx.Definitions().Update(ctx, def, expect); err != nil {
			return err
		}
		out = def
		return nil
	})
	return out, err
}

// DeleteDefinition removes a Draft that no instance references.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	return e.Store.Update(ctx, func(tx store.Tx) error {
		def, err := tx.Definitions().Get(ctx, id)
		if err != nil {
			return err
		}
		if def.Status != domain.DefinitionDraft {
			return domain.Conflict("definition %s is %s; only drafts can be deleted", id, def.Status)
		}
		n, err := tx.Instances().CountByDefinition(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.Conflict("definition %s is referenced by %d instances", id, n)
		}
		return tx.Definitions().Delete(ctx, id)
	})
}

func (e *Engine) GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		def, err = tx.Definitions().Get(ctx, id)
		return err
	})
	return def, err
}

func (e *Engine) ListDefinitions(ctx context.Context, f store.DefinitionFilter) ([]domain.WorkflowDefinition, error) {
	var defs []domain.WorkflowDefinition
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		defs, err = tx.Definitions().List(ctx, f)
		return err
	})
	return defs, err
}

// ActiveDefinition returns the definition that starts new instances of module.
func (e *Engine) ActiveDefinition(ctx context.Context, module domain.Module) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		def, err = tx.Definitions().Active(ctx, module)
		return err
	})
	return def, err
}
