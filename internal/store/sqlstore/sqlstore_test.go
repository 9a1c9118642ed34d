package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditflow/internal/db"
	"auditflow/internal/domain"
	"auditflow/internal/migrate"
	"auditflow/internal/store"
	"auditflow/internal/store/storetest"
)

var fixedTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	applied, err := migrate.Migrate(ctx, s.DB)
	require.NoError(t, err)
	assert.Empty(t, applied)
	v, err := migrate.Version(ctx, s.DB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSchemaAllowsOneActivePerModule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := func(id string) domain.WorkflowDefinition {
		return domain.WorkflowDefinition{
			ID: id, Name: id, Module: domain.ModuleDOF, Status: domain.DefinitionActive, Version: "1.0.0",
			Nodes: []domain.Node{}, Edges: []domain.Edge{},
			CreatedAt: &fixedTime, UpdatedAt: &fixedTime,
		}
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Definitions().Create(ctx, def("d1")) }))
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Definitions().Create(ctx, def("d2")) })
	require.Error(t, err)
}
