// Package guardrail validates the type registry, the containers and the
// persisted schema version before the application opens any container for
// normal use. It never fails fast: all problems are collected so operators
// see the complete picture in one result.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/storage"
)

// Schema version storage location.
const (
	MetaContainer    = "meta"
	SchemaVersionKey = "schema_version"
)

// LaunchStatus is the overall verdict of a validation run.
type LaunchStatus string

const (
	StatusReady          LaunchStatus = "ready"
	StatusBlocked        LaunchStatus = "blocked"
	StatusNeedsMigration LaunchStatus = "needsMigration"
	StatusNeedsRecovery  LaunchStatus = "needsRecovery"
)

// ActionKind identifies a recovery action offered to the user or operator.
type ActionKind string

const (
	ActionClearCorruptedContainer ActionKind = "clearCorruptedContainer"
	ActionClearAllData            ActionKind = "clearAllData"
	ActionRunMigration            ActionKind = "runMigration"
	ActionRestoreBackup           ActionKind = "restoreBackup"
	ActionUpdateApp               ActionKind = "updateApp"
)

// RecoveryAction is one human-actionable way out of a blocked or degraded
// state. Destructive actions lose data and must be confirmed by the user.
type RecoveryAction struct {
	Kind        ActionKind `json:"kind"`
	Container   string     `json:"container,omitempty"`
	Destructive bool       `json:"destructive"`
	Description string     `json:"description"`
}

// Result is the structured outcome of a validation run. Errors block launch;
// warnings do not.
type Result struct {
	Status          LaunchStatus     `json:"status"`
	Errors          []string         `json:"errors,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	Collisions      []Collision      `json:"collisions,omitempty"`
	Corrupted       []string         `json:"corrupted_containers,omitempty"`
	Actions         []RecoveryAction `json:"actions,omitempty"`
	StoredVersion   int              `json:"stored_version"`
	ExpectedVersion int              `json:"expected_version"`
	CheckedAt       time.Time        `json:"checked_at"`
}

// CanLaunch reports whether the application may proceed past the guardrail,
// possibly via migration.
func (r *Result) CanLaunch() bool {
	return r.Status == StatusReady || r.Status == StatusNeedsMigration
}

// Halted reports the terminal case: blocked with nothing to offer.
func (r *Result) Halted() bool {
	return r.Status == StatusBlocked && len(r.Actions) == 0
}

// Guardrail runs the boot-time checks.
type Guardrail struct {
	store              storage.ContainerStore
	registry           *Registry
	requiredNames      []string
	expectedContainers []string
	expectedVersion    int
	logger             *zap.Logger
	observer           observer.Observer
}

// New wires a Guardrail. expectedContainers is every container the core and
// the product open during normal operation.
func New(store storage.ContainerStore, registry *Registry, expectedContainers []string, expectedVersion int, logger *zap.Logger, obs observer.Observer) *Guardrail {
	if obs == nil {
		obs = observer.Nop()
	}
	return &Guardrail{
		store:              store,
		registry:           registry,
		requiredNames:      RequiredNames(),
		expectedContainers: expectedContainers,
		expectedVersion:    expectedVersion,
		logger:             logger,
		observer:           obs,
	}
}

// Validate runs all checks in order (registry, containers, schema version),
// collecting every error and warning before deciding the launch status.
func (g *Guardrail) Validate(ctx context.Context) (*Result, error) {
	res := &Result{
		ExpectedVersion: g.expectedVersion,
		CheckedAt:       time.Now(),
	}

	g.checkRegistry(res)
	g.checkContainers(ctx, res)
	if err := g.checkSchemaVersion(ctx, res); err != nil {
		return nil, err
	}

	g.decide(res)

	if res.Status == StatusBlocked {
		g.logger.Error("Guardrail blocked application launch",
			zap.Strings("errors", res.Errors),
			zap.Int("actions", len(res.Actions)))
		g.observer.OnEvent(observer.EventGuardrailBlocked, map[string]string{
			"errors": strconv.Itoa(len(res.Errors)),
		})
	} else {
		g.logger.Info("Guardrail validation complete",
			zap.String("status", string(res.Status)),
			zap.Int("warnings", len(res.Warnings)))
	}
	return res, nil
}

// checkRegistry verifies each expected type identifier is registered exactly
// once and every required name is present.
func (g *Guardrail) checkRegistry(res *Result) {
	res.Collisions = g.registry.Collisions()
	for _, c := range res.Collisions {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"type identifier collision: typeId %d claimed by [%s]", c.TypeID, strings.Join(c.Names, ", ")))
	}
	for _, name := range g.registry.MissingNames(g.requiredNames) {
		res.Errors = append(res.Errors, fmt.Sprintf("required type %q is not registered", name))
	}
}

// checkContainers verifies each expected container is readable or cleanly
// absent. Corrupted containers are listed separately and get a per-container
// destructive recovery action.
func (g *Guardrail) checkContainers(ctx context.Context, res *Result) {
	for _, name := range g.expectedContainers {
		_, err := g.store.Exists(ctx, name)
		if err == nil {
			continue
		}
		if errors.Is(err, storage.ErrContainerCorrupted) {
			res.Corrupted = append(res.Corrupted, name)
			res.Errors = append(res.Errors, fmt.Sprintf("container %q is unreadable", name))
			res.Actions = append(res.Actions, RecoveryAction{
				Kind:        ActionClearCorruptedContainer,
				Container:   name,
				Destructive: true,
				Description: fmt.Sprintf("Delete and recreate the %q container; its records are lost.", name),
			})
			g.observer.OnEvent(observer.EventContainerCorrupted, map[string]string{"container": name})
			continue
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("container %q check failed: %v", name, err))
	}
	sort.Strings(res.Corrupted)
}

// checkSchemaVersion compares the persisted integer against the version this
// build expects. Newer data than the app is fatal; older triggers migration.
func (g *Guardrail) checkSchemaVersion(ctx context.Context, res *Result) error {
	stored, found, err := ReadSchemaVersion(ctx, g.store)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if !found {
		// Fresh install: stamp the current version and carry on.
		if err := WriteSchemaVersion(ctx, g.store, g.expectedVersion); err != nil {
			return fmt.Errorf("failed to stamp initial schema version: %w", err)
		}
		res.StoredVersion = g.expectedVersion
		return nil
	}
	res.StoredVersion = stored

	switch {
	case stored > g.expectedVersion:
		res.Errors = append(res.Errors, fmt.Sprintf(
			"stored schema version %d is newer than expected %d: data was written by a newer app", stored, g.expectedVersion))
		res.Actions = append(res.Actions,
			RecoveryAction{
				Kind:        ActionUpdateApp,
				Destructive: false,
				Description: "Update the application to a version that understands this data.",
			},
			RecoveryAction{
				Kind:        ActionClearAllData,
				Destructive: true,
				Description: "Erase all local data and start over with this app version.",
			})
		g.observer.OnEvent(observer.EventSchemaVersionAhead, map[string]string{
			"stored":   strconv.Itoa(stored),
			"expected": strconv.Itoa(g.expectedVersion),
		})
	case stored < g.expectedVersion:
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"stored schema version %d is behind expected %d: migration required", stored, g.expectedVersion))
		res.Actions = append(res.Actions, RecoveryAction{
			Kind:        ActionRunMigration,
			Destructive: false,
			Description: fmt.Sprintf("Migrate local data from version %d to %d.", stored, g.expectedVersion),
		})
		g.observer.OnEvent(observer.EventSchemaVersionBehind, map[string]string{
			"stored":   strconv.Itoa(stored),
			"expected": strconv.Itoa(g.expectedVersion),
		})
	}
	return nil
}

// decide derives the overall status once every check has run.
func (g *Guardrail) decide(res *Result) {
	switch {
	case len(res.Errors) > 0 && len(res.Corrupted) == len(res.Errors):
		// Every error is a corrupted container, each with a recovery action.
		res.Status = StatusNeedsRecovery
	case len(res.Errors) > 0:
		res.Status = StatusBlocked
	case res.StoredVersion < g.expectedVersion:
		res.Status = StatusNeedsMigration
	default:
		res.Status = StatusReady
	}
}

// ReadSchemaVersion returns the persisted schema version and whether one was
// found.
func ReadSchemaVersion(ctx context.Context, store storage.ContainerStore) (int, bool, error) {
	raw, err := store.Get(ctx, MetaContainer, SchemaVersionKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("schema version record is not an integer: %w", err)
	}
	return v, true, nil
}

// WriteSchemaVersion persists the schema version.
func WriteSchemaVersion(ctx context.Context, store storage.ContainerStore, version int) error {
	if err := store.Put(ctx, MetaContainer, SchemaVersionKey, []byte(strconv.Itoa(version))); err != nil {
		return err
	}
	return store.Sync(ctx, MetaContainer)
}
