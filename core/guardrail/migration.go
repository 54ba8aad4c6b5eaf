package guardrail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/atomictxn"
	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

var (
	ErrMigrationGap     = errors.New("no migration registered for schema version")
	ErrVersionRegressed = errors.New("refusing to migrate to an older schema version")
)

// Migration upgrades data from FromVersion to FromVersion+1. Apply runs
// inside a coordinator transaction together with the version bump, so a
// crashed migration rolls back whole at the next journal replay.
type Migration struct {
	FromVersion int
	Description string
	Apply       func(ctx context.Context, tx *atomictxn.Txn) error
}

// MigrationRunner applies registered migrations in version order.
type MigrationRunner struct {
	store      storage.ContainerStore
	coord      *atomictxn.Coordinator
	migrations map[int]Migration
	logger     *zap.Logger
	observer   observer.Observer
}

// NewMigrationRunner wires a runner over the given migrations.
func NewMigrationRunner(store storage.ContainerStore, coord *atomictxn.Coordinator, migrations []Migration, logger *zap.Logger, obs observer.Observer) *MigrationRunner {
	if obs == nil {
		obs = observer.Nop()
	}
	byVersion := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.FromVersion] = m
	}
	return &MigrationRunner{
		store:      store,
		coord:      coord,
		migrations: byVersion,
		logger:     logger,
		observer:   obs,
	}
}

// Run migrates the stored schema version up to target, one registered step at
// a time, and returns the number of applied migrations. Each step and its
// version bump commit atomically.
func (r *MigrationRunner) Run(ctx context.Context, target int) (int, error) {
	stored, found, err := ReadSchemaVersion(ctx, r.store)
	if err != nil {
		return 0, err
	}
	if !found {
		stored = 0
	}
	if stored > target {
		return 0, fmt.Errorf("%w: stored %d, target %d", ErrVersionRegressed, stored, target)
	}

	applied := 0
	for v := stored; v < target; v++ {
		m, ok := r.migrations[v]
		if !ok {
			return applied, fmt.Errorf("%w %d", ErrMigrationGap, v)
		}
		next := v + 1
		res := r.coord.Execute(ctx, fmt.Sprintf("migration.v%d_to_v%d", v, next), func(tx *atomictxn.Txn) error {
			if m.Apply != nil {
				if err := m.Apply(ctx, tx); err != nil {
					return err
				}
			}
			return tx.Write(MetaContainer, SchemaVersionKey, []byte(strconv.Itoa(next)))
		})
		if !res.Succeeded() {
			return applied, fmt.Errorf("migration from version %d failed: %w", v, res.Err)
		}
		applied++
		r.logger.Info("Applied schema migration",
			zap.Int("from", v), zap.Int("to", next), zap.String("description", m.Description))
		r.observer.OnEvent(observer.EventMigrationRun, map[string]string{
			"from": strconv.Itoa(v),
			"to":   strconv.Itoa(next),
		})
	}
	return applied, nil
}

// Registered lists the known migrations in version order.
func (r *MigrationRunner) Registered() []Migration {
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromVersion < out[j].FromVersion })
	return out
}
