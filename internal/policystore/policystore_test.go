package policystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proofworks/verihelm/internal/model"
	"github.com/proofworks/verihelm/internal/store"
)

func TestUpsert_MonotonicVersions(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	ctx := context.Background()

	rev1, err := s.Upsert(ctx, "proj-1", model.Policy{BudgetTokens: 100}, "alice", "initial")
	require.NoError(t, err)
	require.Equal(t, int64(1), rev1.Version)

	rev2, err := s.Upsert(ctx, "proj-1", model.Policy{BudgetTokens: 200}, "alice", "raise budget")
	require.NoError(t, err)
	require.Equal(t, int64(2), rev2.Version)

	current, err := s.CurrentVersion(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), current)
}

func TestRunBindsToRevisionAtCreationTime(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	ctx := context.Background()

	rev2, err := s.Upsert(ctx, "proj-1", model.Policy{BudgetTokens: 50}, "", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), rev2.Version)
	boundVersion, err := s.CurrentVersion(ctx, "proj-1")
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "proj-1", model.Policy{BudgetTokens: 999}, "", "later change")
	require.NoError(t, err)

	// A run created when boundVersion was current must still resolve
	// that exact revision even after later updates.
	revisionAtBind, err := s.Get(ctx, "proj-1", boundVersion)
	require.NoError(t, err)
	require.Equal(t, uint64(50), revisionAtBind.Policy.BudgetTokens)
}

func TestMigrateSingleton_Idempotent(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	ctx := context.Background()

	rev, created, err := s.MigrateSingleton(ctx, "proj-2", model.Policy{AllowNetwork: true})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), rev.Version)

	rev2, created2, err := s.MigrateSingleton(ctx, "proj-2", model.Policy{AllowNetwork: false})
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, rev.Version, rev2.Version)
	require.True(t, rev2.Policy.AllowNetwork) // unchanged, migration didn't re-run
}
