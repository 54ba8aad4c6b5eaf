package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/atomictxn"
	"github.com/halovital/halovital-core/core/journal"
	"github.com/halovital/halovital-core/core/storage"
)

// --- Test Helpers ---

func setupRunner(t *testing.T, migrations []Migration) (*MigrationRunner, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	jnl := journal.New(store, zap.NewNop(), nil)
	coord := atomictxn.New(store, jnl, zap.NewNop(), nil)
	return NewMigrationRunner(store, coord, migrations, zap.NewNop(), nil), store
}

// --- Test Cases ---

// TestMigrationRunner_AppliesChainInOrder walks a two-step chain and verifies
// both the data transformations and the final stored version.
func TestMigrationRunner_AppliesChainInOrder(t *testing.T) {
	var order []int
	migrations := []Migration{
		{FromVersion: 2, Description: "rename alert fields", Apply: func(ctx context.Context, tx *atomictxn.Txn) error {
			order = append(order, 2)
			return tx.Write("alerts", "migrated-v2", []byte("yes"))
		}},
		{FromVersion: 1, Description: "split vitals samples", Apply: func(ctx context.Context, tx *atomictxn.Txn) error {
			order = append(order, 1)
			return tx.Write("vitals", "migrated-v1", []byte("yes"))
		}},
	}
	r, store := setupRunner(t, migrations)
	ctx := context.Background()

	require.NoError(t, WriteSchemaVersion(ctx, store, 1))

	applied, err := r.Run(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, []int{1, 2}, order, "steps must run in version order regardless of registration order")

	stored, found, err := ReadSchemaVersion(ctx, store)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, stored)

	_, err = store.Get(ctx, "vitals", "migrated-v1")
	require.NoError(t, err)
	_, err = store.Get(ctx, "alerts", "migrated-v2")
	require.NoError(t, err)
}

// TestMigrationRunner_GapAborts ensures a hole in the chain stops the run with
// the version bump for completed steps intact.
func TestMigrationRunner_GapAborts(t *testing.T) {
	migrations := []Migration{
		{FromVersion: 1, Apply: nil},
		// No migration from version 2.
	}
	r, store := setupRunner(t, migrations)
	ctx := context.Background()

	require.NoError(t, WriteSchemaVersion(ctx, store, 1))

	applied, err := r.Run(ctx, 3)
	require.ErrorIs(t, err, ErrMigrationGap)
	require.Equal(t, 1, applied)

	stored, _, err := ReadSchemaVersion(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 2, stored, "the completed step's version bump must stick")
}

// TestMigrationRunner_RefusesRegression pins the rule that migrating downward
// is never attempted.
func TestMigrationRunner_RefusesRegression(t *testing.T) {
	r, store := setupRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, WriteSchemaVersion(ctx, store, 5))

	_, err := r.Run(ctx, 3)
	require.ErrorIs(t, err, ErrVersionRegressed)
}

// TestMigrationRunner_FailedStepRollsBackAtomically verifies a migration step
// that errors mid-way leaves neither its data changes nor its version bump
// behind.
func TestMigrationRunner_FailedStepRollsBackAtomically(t *testing.T) {
	boom := errors.New("unparseable legacy record")
	migrations := []Migration{
		{FromVersion: 1, Apply: func(ctx context.Context, tx *atomictxn.Txn) error {
			if err := tx.Write("vitals", "half-done", []byte("partial")); err != nil {
				return err
			}
			return boom
		}},
	}
	r, store := setupRunner(t, migrations)
	ctx := context.Background()

	require.NoError(t, WriteSchemaVersion(ctx, store, 1))

	applied, err := r.Run(ctx, 2)
	require.ErrorIs(t, err, boom)
	require.Zero(t, applied)

	_, err = store.Get(ctx, "vitals", "half-done")
	require.ErrorIs(t, err, storage.ErrKeyNotFound, "the failed step's writes must be rolled back")

	stored, _, err := ReadSchemaVersion(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 1, stored, "the version must not advance past a failed step")
}

// TestMigrationRunner_NoopWhenCurrent verifies running at the target version
// applies nothing.
func TestMigrationRunner_NoopWhenCurrent(t *testing.T) {
	r, store := setupRunner(t, nil)
	ctx := context.Background()

	require.NoError(t, WriteSchemaVersion(ctx, store, 3))

	applied, err := r.Run(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, applied)
}
