package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"auditflow/internal/store"
	"auditflow/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New()
		require.NoError(t, err)
		return s
	})
}
