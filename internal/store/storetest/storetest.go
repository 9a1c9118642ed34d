// Package storetest is a conformance suite run against every store.Store
// adapter.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	ts := t0.Add(d)
	return &ts
}

func update(t *testing.T, s store.Store, fn func(store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func definition(id string, module domain.Module, status domain.DefinitionStatus, created time.Duration) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID: id, Name: "flow " + id, Module: module, Status: status, Version: "1.0.0",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			{ID: "p", Type: domain.NodeProcess, Label: "Review", Payload: domain.ProcessStep{AssignedRole: "Reviewer", DeadlineHours: 2}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges:     []domain.Edge{{Source: "start", Target: "p"}, {Source: "p", Target: "end"}},
		CreatedBy: "author",
		CreatedAt: at(created), UpdatedAt: at(created),
	}
}

func seedInstance(t *testing.T, s store.Store) domain.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	in := domain.WorkflowInstance{
		ID: "inst-1", DefinitionID: "def-1", EntityType: "finding", EntityID: "F-1",
		CurrentNodeID: "p", Status: domain.InstanceRunning,
		Context:   map[string]any{"status": "open", "score": 3.0},
		CreatedAt: t0, UpdatedAt: t0,
	}
	update(t, s, func(tx store.Tx) error {
		if err := tx.Definitions().Create(ctx, definition("def-1", domain.ModuleFinding, domain.DefinitionActive, 0)); err != nil {
			return err
		}
		return tx.Instances().Create(ctx, in)
	})
	return in
}

// Run exercises newStore with the full suite. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Definitions", func(t *testing.T) { testDefinitions(t, newStore(t)) })
	t.Run("InstanceMoveGuard", func(t *testing.T) { testInstanceMove(t, newStore(t)) })
	t.Run("AssignmentClose", func(t *testing.T) { testAssignmentClose(t, newStore(t)) })
	t.Run("MarkEscalatedOnce", func(t *testing.T) { testMarkEscalated(t, newStore(t)) })
	t.Run("AppendOnlySeq", func(t *testing.T) { testSequences(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
	t.Run("Directory", func(t *testing.T) { testDirectory(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func testDefinitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	update(t, s, func(tx store.Tx) error {
		for _, d := range []domain.WorkflowDefinition{
			definition("a", domain.ModuleFinding, domain.DefinitionArchived, 0),
			definition("b", domain.ModuleFinding, domain.DefinitionActive, time.Minute),
			definition("c", domain.ModuleAudit, domain.DefinitionDraft, 2*time.Minute),
		} {
			if err := tx.Definitions().Create(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Definitions().Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "flow b", got.Name)
		require.Len(t, got.Nodes, 3)
		p, ok := got.Nodes[1].Process()
		require.True(t, ok)
		assert.Equal(t, "Reviewer", p.AssignedRole)
		require.NotNil(t, got.CreatedAt)
		assert.True(t, got.CreatedAt.Equal(t0.Add(time.Minute)))

		list, err := tx.Definitions().List(ctx, store.DefinitionFilter{Module: domain.ModuleFinding})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)

		active, err := tx.Definitions().Active(ctx, domain.ModuleFinding)
		require.NoError(t, err)
		assert.Equal(t, "b", active.ID)

		_, err = tx.Definitions().Active(ctx, domain.ModuleCAPA)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = tx.Definitions().Get(ctx, "zzz")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))

	c := definition("c", domain.ModuleAudit, domain.DefinitionDraft, 2*time.Minute)
	c.Name = "renamed"
	update(t, s, func(tx store.Tx) error { return tx.Definitions().Update(ctx, c, domain.DefinitionDraft) })

	err := s.Update(ctx, func(tx store.Tx) error { return tx.Definitions().Update(ctx, c, domain.DefinitionActive) })
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)

	update(t, s, func(tx store.Tx) error { return tx.Definitions().Delete(ctx, "c") })
	err = s.Update(ctx, func(tx store.Tx) error { return tx.Definitions().Delete(ctx, "c") })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testInstanceMove(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := seedInstance(t, s)

	moved := in
	moved.CurrentNodeID = "end"
	moved.Status = domain.InstanceCompleted
	moved.CompletedAt = at(time.Hour)
	moved.UpdatedAt = t0.Add(time.Hour)
	update(t, s, func(tx store.Tx) error { return tx.Instances().Move(ctx, moved, "p") })

	// A second mover still expecting node p loses.
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Instances().Move(ctx, moved, "p") })
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Instances().Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceCompleted, got.Status)
		assert.Equal(t, "open", got.Context["status"])
		assert.Equal(t, 3.0, got.Context["score"])
		require.NotNil(t, got.CompletedAt)

		list, err := tx.Instances().List(ctx, store.InstanceFilter{EntityType: "finding", EntityID: "F-1"})
		require.NoError(t, err)
		assert.Len(t, list, 1)
		n, err := tx.Instances().CountByDefinition(ctx, "def-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func seedAssignment(t *testing.T, s store.Store, id string, deadline *time.Time) domain.StepAssignment {
	t.Helper()
	a := domain.StepAssignment{
		ID: id, WorkflowInstanceID: "inst-1", StepID: "p", Kind: domain.AssignmentProcess,
		AssignedRole: "Reviewer", Status: domain.AssignmentPending, Deadline: deadline, CreatedAt: t0,
	}
	update(t, s, func(tx store.Tx) error { return tx.Assignments().Create(context.Background(), a) })
	return a
}

func testAssignmentClose(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedInstance(t, s)
	a := seedAssignment(t, s, "as-1", at(2*time.Hour))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, ok, err := tx.Assignments().FindOpen(ctx, "inst-1", "p")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.ID, got.ID)
		open, err := tx.Assignments().ListOpen(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)
		return nil
	}))

	c := store.Close{Status: domain.AssignmentCompleted, By: "u1", Notes: "done", At: t0.Add(time.Hour)}
	update(t, s, func(tx store.Tx) error { return tx.Assignments().Close(ctx, a.ID, c) })
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Assignments().Close(ctx, a.ID, c) })
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Assignments().Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AssignmentCompleted, got.Status)
		assert.Equal(t, "u1", got.CompletedBy)
		assert.Equal(t, "done", got.Notes)
		_, ok, err := tx.Assignments().FindOpen(ctx, "inst-1", "p")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func testMarkEscalated(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedInstance(t, s)
	a := seedAssignment(t, s, "as-1", at(-time.Hour))

	var first, second bool
	update(t, s, func(tx store.Tx) error {
		var err error
		first, err = tx.Assignments().MarkEscalated(ctx, a.ID, "mgr", t0)
		return err
	})
	update(t, s, func(tx store.Tx) error {
		var err error
		second, err = tx.Assignments().MarkEscalated(ctx, a.ID, "other", t0)
		return err
	})
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Assignments().Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AssignmentEscalated, got.Status)
		assert.Equal(t, "mgr", got.AssignedUserID)
		assert.Equal(t, "mgr", got.EscalatedTo)
		require.NotNil(t, got.EscalatedAt)
		return nil
	}))
}

func testSequences(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedInstance(t, s)
	seedAssignment(t, s, "as-1", nil)
	update(t, s, func(tx store.Tx) error {
		for i, action := range []domain.TimelineAction{domain.ActionEnter, domain.ActionComplete} {
			e, err := tx.Timeline().Append(ctx, domain.TimelineEntry{
				ID: string(action), WorkflowInstanceID: "inst-1", StepID: "p", Action: action,
				Metadata: map[string]any{"i": i}, CreatedAt: t0,
			})
			if err != nil {
				return err
			}
			assert.Equal(t, int64(i+1), e.Seq)
		}
		for i, d := range []domain.VoteDecision{domain.VoteApproved, domain.VoteRejected} {
			v, err := tx.Votes().Append(ctx, domain.ApprovalVote{
				ID: string(d), StepAssignmentID: "as-1", ApproverID: "QA", ActorID: "u1", Decision: d, CreatedAt: t0,
			})
			if err != nil {
				return err
			}
			assert.Equal(t, int64(i+1), v.Seq)
		}
		return tx.Escalations().Append(ctx, domain.EscalationLog{
			ID: "esc-1", AssignmentID: "as-1", EscalatedFrom: "Reviewer", EscalatedTo: "mgr", Reason: "overdue", CreatedAt: t0,
		})
	})
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		entries, err := tx.Timeline().List(ctx, "inst-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, domain.ActionEnter, entries[0].Action)
		assert.Equal(t, 1.0, entries[1].Metadata["i"])

		votes, err := tx.Votes().ListByAssignment(ctx, "as-1")
		require.NoError(t, err)
		require.Len(t, votes, 2)
		assert.Equal(t, domain.VoteRejected, votes[1].Decision)

		logs, err := tx.Escalations().ListByAssignment(ctx, "as-1")
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "mgr", logs[0].EscalatedTo)
		return nil
	}))
}

func testNotifications(t *testing.T, s store.Store) {
	ctx := context.Background()
	update(t, s, func(tx store.Tx) error {
		for i, d := range []time.Duration{time.Hour, 3 * time.Hour, 2 * time.Hour} {
			if err := tx.Notifications().Record(ctx, domain.NotificationRecord{
				ID: string(rune('a' + i)), AssignmentID: "as-1", UserID: "u1", Type: domain.NotifyReminder, SentAt: t0.Add(d),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		last, ok, err := tx.Notifications().LastSent(ctx, "as-1", domain.NotifyReminder)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, last.Equal(t0.Add(3*time.Hour)))
		_, ok, err = tx.Notifications().LastSent(ctx, "as-1", domain.NotifyEscalation)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func testDirectory(t *testing.T, s store.Store) {
	ctx := context.Background()
	update(t, s, func(tx store.Tx) error {
		for _, u := range []domain.User{
			{ID: "u3", Name: "Cem", Roles: []string{"Manager"}, Active: true},
			{ID: "u1", Name: "Ayse", Roles: []string{"Manager"}, Active: false},
			{ID: "u2", Name: "Bora", Roles: []string{"Manager", "Reviewer"}, Active: true},
		} {
			if err := tx.Users().Upsert(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		u, ok, err := tx.Users().FirstActiveWithRole(ctx, "Manager")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "u2", u.ID)
		_, ok, err = tx.Users().FirstActiveWithRole(ctx, "Auditor")
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := tx.Users().List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"u1", "u2", "u3"}, []string{list[0].ID, list[1].ID, list[2].ID})
		assert.ElementsMatch(t, []string{"Manager", "Reviewer"}, list[1].Roles)
		return nil
	}))

	update(t, s, func(tx store.Tx) error {
		return tx.Users().Upsert(ctx, domain.User{ID: "u2", Name: "Bora", Roles: []string{"Reviewer"}, Active: true})
	})
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		u, err := tx.Users().Get(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{"Reviewer"}, u.Roles)
		_, err = tx.Users().Get(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Definitions().Create(ctx, definition("x", domain.ModuleCAPA, domain.DefinitionDraft, 0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.Definitions().Get(ctx, "x")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}
