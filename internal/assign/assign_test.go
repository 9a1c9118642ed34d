package assign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/domain"
	"auditflow/internal/events"
	"auditflow/internal/store"
	"auditflow/internal/store/memstore"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store store.Store
	mgr   Manager
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	s, err := memstore.New()
	require.NoError(t, err)
	now := func() time.Time { return fixedNow }
	env := testEnv{store: s, mgr: Manager{Events: events.Writer{Now: now}, Now: now}}
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, u := range []domain.User{
			{ID: "rev", Roles: []string{"Reviewer"}, Active: true},
			{ID: "qa", Roles: []string{"QA"}, Active: true},
			{ID: "gone", Roles: []string{"Reviewer"}, Active: false},
			{ID: "mgr", Roles: []string{"Manager"}, Active: true},
		} {
			if err := tx.Users().Upsert(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}))
	return env
}

func (e testEnv) open(t *testing.T, target Target) domain.StepAssignment {
	t.Helper()
	var a domain.StepAssignment
	require.NoError(t, e.store.Update(context.Background(), func(tx store.Tx) error {
		var err error
		a, err = e.mgr.Open(context.Background(), tx, "inst", "step", target, nil)
		return err
	}))
	return a
}

func (e testEnv) timeline(t *testing.T) []domain.TimelineEntry {
	t.Helper()
	var out []domain.TimelineEntry
	require.NoError(t, e.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Timeline().List(context.Background(), "inst")
		return err
	}))
	return out
}

func TestOpenRejectsSecondOpenAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.open(t, Target{Role: "Reviewer"})
	err := env.store.Update(context.Background(), func(tx store.Tx) error {
		_, err := env.mgr.Open(context.Background(), tx, "inst", "step", Target{Role: "Reviewer"}, nil)
		return err
	})
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Len(t, env.timeline(t), 1)
}

func TestCompleteTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, Target{Role: "Reviewer"})

	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		got, err := env.mgr.Complete(ctx, tx, a.ID, "rev", "looks good")
		assert.Equal(t, domain.AssignmentCompleted, got.Status)
		return err
	}))
	err := env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Complete(ctx, tx, a.ID, "rev", "again")
		return err
	})
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)

	entries := env.timeline(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionEnter, entries[0].Action)
	assert.Equal(t, domain.ActionComplete, entries[1].Action)
	assert.Equal(t, "rev", entries[1].PerformedBy)
}

func TestCompletePermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	byRole := env.open(t, Target{Role: "Reviewer"})

	for _, actor := range []string{"qa", "gone", "stranger", ""} {
		err := env.store.Update(ctx, func(tx store.Tx) error {
			_, err := env.mgr.Complete(ctx, tx, byRole.ID, actor, "")
			return err
		})
		var pe *domain.PermissionError
		assert.True(t, errors.As(err, &pe), "actor %q: got %v", actor, err)
	}
	// Failed attempts leave no timeline rows behind.
	assert.Len(t, env.timeline(t), 1)
}

func TestCompleteDirectUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, Target{UserID: "stranger"})
	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Complete(ctx, tx, a.ID, "stranger", "")
		return err
	}))
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, Target{Role: "Reviewer"})
	err := env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Reject(ctx, tx, a.ID, "rev", "")
		return err
	})
	require.Error(t, err)
	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		got, err := env.mgr.Reject(ctx, tx, a.ID, "rev", "missing evidence")
		assert.Equal(t, domain.AssignmentRejected, got.Status)
		return err
	}))
	entries := env.timeline(t)
	assert.Equal(t, domain.ActionReject, entries[len(entries)-1].Action)
	assert.Equal(t, "missing evidence", entries[len(entries)-1].Comment)
}

func TestAuthorizeApprovers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, Target{Kind: domain.AssignmentApproval, Approvers: []string{"QA", "mgr"}, ApprovalType: domain.ApprovalAll})
	assert.Equal(t, domain.AssignmentApproval, a.Kind)

	require.NoError(t, env.store.View(ctx, func(tx store.Tx) error {
		key, err := Authorize(ctx, tx, a, "qa", "vote")
		require.NoError(t, err)
		assert.Equal(t, "QA", key)
		key, err = Authorize(ctx, tx, a, "mgr", "vote")
		require.NoError(t, err)
		assert.Equal(t, "mgr", key)
		_, err = Authorize(ctx, tx, a, "rev", "vote")
		var pe *domain.PermissionError
		assert.True(t, errors.As(err, &pe))
		return nil
	}))

	err := env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Complete(ctx, tx, a.ID, "qa", "")
		return err
	})
	var ce *domain.ConflictError
	assert.True(t, errors.As(err, &ce), "approvals are closed through votes")
}

func TestAuthorizeMultiRoleVoterFillsFirstEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		return tx.Users().Upsert(ctx, domain.User{ID: "both", Roles: []string{"QA", "Manager"}, Active: true})
	}))
	a := env.open(t, Target{Kind: domain.AssignmentApproval, Approvers: []string{"Manager", "QA"}, ApprovalType: domain.ApprovalAll})

	require.NoError(t, env.store.View(ctx, func(tx store.Tx) error {
		key, err := Authorize(ctx, tx, a, "both", "vote")
		require.NoError(t, err)
		assert.Equal(t, "Manager", key, "one person holds one seat, the first listed entry they match")
		return nil
	}))
}

func TestEscalatedAssignmentBelongsToTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t, Target{Role: "Reviewer"})
	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		_, err := tx.Assignments().MarkEscalated(ctx, a.ID, "mgr", fixedNow)
		return err
	}))

	require.NoError(t, env.store.View(ctx, func(tx store.Tx) error {
		mine, err := ListForUser(ctx, tx, "mgr")
		require.NoError(t, err)
		assert.Len(t, mine, 1)
		theirs, err := ListForUser(ctx, tx, "rev")
		require.NoError(t, err)
		assert.Empty(t, theirs)
		return nil
	}))

	err := env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Complete(ctx, tx, a.ID, "rev", "")
		return err
	})
	var pe *domain.PermissionError
	require.True(t, errors.As(err, &pe))
	require.NoError(t, env.store.Update(ctx, func(tx store.Tx) error {
		_, err := env.mgr.Complete(ctx, tx, a.ID, "mgr", "handled")
		return err
	}))
}
