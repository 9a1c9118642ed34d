package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/expr"
	"auditflow/internal/store"
)

// StartRequest is what an entity module sends to start a workflow.
type StartRequest struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Metadata     map[string]any
	ActorID      string
}

// StartWorkflow creates a Running instance at the start node of an Active
// definition and performs the first advance. The instance is created even if
// that advance fails; it then stays at start and the error is returned with it.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (domain.WorkflowInstance, error) {
	if strings.TrimSpace(req.EntityID) == "" {
		return domain.WorkflowInstance{}, domain.Invalid("entity id is required")
	}
	var in domain.WorkflowInstance
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		def, err := tx.Definitions().Get(ctx, req.DefinitionID)
		if err != nil {
			return err
		}
		if def.Status != domain.DefinitionActive {
			return domain.Conflict("definition %s is %s; only the Active definition starts instances", def.ID, def.Status)
		}
		start, ok := def.StartNode()
		if !ok {
			return fmt.Errorf("definition %s has no start node", def.ID)
		}
		entityType := req.EntityType
		if entityType == "" {
			entityType = string(def.Module)
		}
		existing, err := tx.Instances().List(ctx, store.InstanceFilter{
			EntityType: entityType, EntityID: req.EntityID, Status: domain.InstanceRunning,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return domain.Conflict("%s %s already has running workflow %s", entityType, req.EntityID, existing[0].ID)
		}
		now := e.now()
		in = domain.WorkflowInstance{
			ID:            uuid.NewString(),
			DefinitionID:  def.ID,
			EntityType:    entityType,
			EntityID:      req.EntityID,
			CurrentNodeID: start.ID,
			Status:        domain.InstanceRunning,
			Context:       snapshot(req.Metadata),
			StartedBy:     req.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Instances().Create(ctx, in); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		fx.started++
		return nil
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.log().Info("instance started",
		zap.String("instance_id", in.ID),
		zap.String("definition_id", in.DefinitionID),
		zap.String("entity_type", in.EntityType),
		zap.String("entity_id", in.EntityID))
	advanced, err := e.Advance(ctx, in.ID)
	if err != nil {
		e.log().Warn("first advance failed", zap.String("instance_id", in.ID), zap.Error(err))
		return in, err
	}
	return advanced, nil
}

// StartForModule starts the Active definition of module.
func (e *Engine) StartForModule(ctx context.Context, module domain.Module, req StartRequest) (domain.WorkflowInstance, error) {
	def, err := e.ActiveDefinition(ctx, module)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	req.DefinitionID = def.ID
	if req.EntityType == "" {
		req.EntityType = string(module)
	}
	return e.StartWorkflow(ctx, req)
}

// Advance re-runs the current node: start and decision nodes move on, a
// resolved approval or a process without an open assignment continues, and
// a waiting step is left alone.
func (e *Engine) Advance(ctx context.Context, instanceID string) (domain.WorkflowInstance, error) {
	var out domain.WorkflowInstance
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		r, err := e.load(ctx, tx, fx, instanceID)
		if err != nil {
			return err
		}
		if err := r.running(); err != nil {
			return err
		}
		n, err := r.current()
		if err != nil {
			return err
		}
		switch n.Type {
		case domain.NodeStart:
			err = r.follow(n, "")
		case domain.NodeDecision:
			var h string
			if h, err = r.decide(n); err == nil {
				err = r.follow(n, h)
			}
		case domain.NodeProcess, domain.NodeApproval:
			err = r.resume(n)
		case domain.NodeEnd:
			err = r.finish(n)
		}
		if err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}
		out = r.in
		return nil
	})
	return out, err
}

// resume continues a waiting node whose assignment may already be resolved.
func (r *run) resume(n domain.Node) error {
	open, ok, err := r.tx.Assignments().FindOpen(r.ctx, r.in.ID, n.ID)
	if err != nil {
		return err
	}
	if ok {
		if n.Type == domain.NodeApproval {
			_, err := r.resolveApproval(n, open, "")
			return err
		}
		return nil
	}
	last, err := r.lastAction(n.ID)
	if err != nil {
		return err
	}
	switch {
	case last == domain.ActionComplete && n.Type == domain.NodeProcess:
		return r.follow(n, "")
	case last == domain.ActionComplete:
		return r.follow(n, domain.HandleApproved)
	case last == domain.ActionReject && n.Type == domain.NodeApproval:
		return r.follow(n, domain.HandleRejected)
	}
	_, err = r.open(n, "")
	return err
}

// lastAction returns the latest timeline action recorded for a step.
func (r *run) lastAction(stepID string) (domain.TimelineAction, error) {
	list, err := r.tx.Timeline().List(r.ctx, r.in.ID)
	if err != nil {
		return "", err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].StepID == stepID {
			return list[i].Action, nil
		}
	}
	return "", nil
}

// RefreshContext merges patch into the instance context. customFields are
// merged key by key; a nil value removes a key.
func (e *Engine) RefreshContext(ctx context.Context, instanceID string, patch map[string]any) (domain.WorkflowInstance, error) {
	var out domain.WorkflowInstance
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		in, err := tx.Instances().Get(ctx, instanceID)
		if err != nil {
			return err
		}
		if in.Status != domain.InstanceRunning {
			return domain.Conflict("instance %s is %s", in.ID, in.Status)
		}
		in.Context = mergeContext(in.Context, patch)
		in.UpdatedAt = e.now()
		if err := tx.Instances().Move(ctx, in, in.CurrentNodeID); err != nil {
			return err
		}
		out = in
		return nil
	})
	return out, err
}

// CancelInstance stops an instance. Its open assignments are closed as
// rejected; history stays.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, actorID, reason string) (domain.WorkflowInstance, error) {
	var out domain.WorkflowInstance
	err := e.update(ctx, func(tx store.Tx, fx *effects) error {
		in, err := tx.Instances().Get(ctx, instanceID)
		if err != nil {
			return err
		}
		from := in.CurrentNodeID
		if err := fire(&in, triggerCancel); err != nil {
			return err
		}
		list, err := tx.Assignments().ListByInstance(ctx, in.ID)
		if err != nil {
			return err
		}
		closed := []string{}
		for _, a := range list {
			if !a.Status.Open() {
				continue
			}
			if _, err := e.assigner().Close(ctx, tx, a, domain.AssignmentRejected, actorID, "instance cancelled"); err != nil {
				return err
			}
			closed = append(closed, a.ID)
		}
		now := e.now()
		in.CancelReason = reason
		in.CompletedAt = &now
		in.UpdatedAt = now
		if err := tx.Instances().Move(ctx, in, from); err != nil {
			return err
		}
		if _, err := e.events().Append(ctx, tx, events.Entry{
			InstanceID: in.ID, StepID: in.CurrentNodeID, Action: domain.ActionCancel,
			PerformedBy: actorID, Comment: reason,
			Metadata: events.Payload{"closed_assignments": closed},
		}); err != nil {
			return err
		}
		fx.finished = append(fx.finished, domain.InstanceCancelled)
		fx.step(in, in.CurrentNodeID, domain.ActionCancel, "")
		out = in
		return nil
	})
	if err == nil {
		e.log().Info("instance cancelled", zap.String("instance_id", instanceID), zap.String("actor_id", actorID))
	}
	return out, err
}

func (e *Engine) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	var in domain.WorkflowInstance
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		in, err = tx.Instances().Get(ctx, id)
		return err
	})
	return in, err
}

func (e *Engine) ListInstances(ctx context.Context, f store.InstanceFilter) ([]domain.WorkflowInstance, error) {
	var list []domain.WorkflowInstance
	err := e.Store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.Instances().List(ctx, f)
		return err
	})
	return list, err
}

// Timeline returns the audit log of an instance in write order.
func (e *Engine) Timeline(ctx context.Context, instanceID string) ([]domain.TimelineEntry, error) {
	var list []domain.TimelineEntry
	err := e.Store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Instances().Get(ctx, instanceID); err != nil {
			return err
		}
		var err error
		list, err = tx.Timeline().List(ctx, instanceID)
		return err
	})
	return list, err
}

func snapshot(meta map[string]any) map[string]any {
	return mergeContext(map[string]any{}, meta)
}

func mergeContext(cur, patch map[string]any) map[string]any {
	out := maps.Clone(cur)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if k == expr.CustomFieldsKey {
			if custom, ok := v.(map[string]any); ok {
				merged, _ := out[k].(map[string]any)
				out[k] = mergeContext(merged, custom)
				continue
			}
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
