// Package halovitalcore is the composition root of the HaloVital persistence
// reliability core. It wires the container store, write-ahead journal, atomic
// transaction coordinator, processing lock, pending-operation queue,
// emergency queue and guardrail into one explicitly constructed Core; nothing
// in this module lives in package-level state.
package halovitalcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/halovital/halovital-core/core/atomictxn"
	"github.com/halovital/halovital-core/core/guardrail"
	"github.com/halovital/halovital-core/core/journal"
	"github.com/halovital/halovital-core/core/observer"
	"github.com/halovital/halovital-core/core/outbox"
	"github.com/halovital/halovital-core/core/proclock"
	"github.com/halovital/halovital-core/core/storage"
	"github.com/halovital/halovital-core/internal/config"
	internaltelemetry "github.com/halovital/halovital-core/internal/telemetry"
	"github.com/halovital/halovital-core/pkg/logger"
	"github.com/halovital/halovital-core/pkg/telemetry"
)

// SchemaVersion is the schema version this build of the core expects.
const SchemaVersion = 3

// ErrLaunchBlocked is returned by Open when guardrail validation blocks the
// launch. The guardrail result on the error carries the recovery actions.
var ErrLaunchBlocked = errors.New("guardrail blocked launch")

// BlockedError wraps ErrLaunchBlocked with the full guardrail result.
type BlockedError struct {
	Result *guardrail.Result
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guardrail blocked launch: %d error(s), %d recovery action(s)",
		len(e.Result.Errors), len(e.Result.Actions))
}

func (e *BlockedError) Unwrap() error { return ErrLaunchBlocked }

// CoreContainers is every container the core itself owns.
func CoreContainers() []string {
	return []string{
		journal.Container,
		outbox.PendingContainer,
		outbox.FailedContainer,
		outbox.EmergencyContainer,
		outbox.MetaContainer,
		proclock.Container,
	}
}

// Core is the assembled reliability layer. Construct exactly one per data
// directory with Open.
type Core struct {
	logger      *zap.Logger
	store       storage.ContainerStore
	journal     *journal.Journal
	coordinator *atomictxn.Coordinator
	lock        *proclock.Lock
	queue       *outbox.Queue
	emergency   *outbox.EmergencyQueue
	processor   *outbox.Processor
	migrations  *guardrail.MigrationRunner
	metrics     *internaltelemetry.OutboxMetrics
	tracer      trace.Tracer

	guardrailResult *guardrail.Result
	recoveredTxns   int

	telemetryShutdown telemetry.ShutdownFunc
}

// Options beyond the yaml config.
type Options struct {
	// Sender delivers outbox operations. Nil disables the processor (status
	// and enqueue still work, nothing drains).
	Sender outbox.Sender
	// Migrations registered by the application, keyed by FromVersion.
	Migrations []guardrail.Migration
	// Registry overrides the default type registry. Tests only.
	Registry *guardrail.Registry
	// Store overrides the bbolt store. Tests only.
	Store storage.ContainerStore
}

// Open validates, recovers and wires the core: guardrail first, then the
// journal replay scan, then the outbox index rebuild. It fails with a
// BlockedError when the guardrail refuses launch.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	obs := observer.Observer(observer.NewLogObserver(log))
	var metrics *internaltelemetry.OutboxMetrics
	if cfg.Telemetry.Enabled {
		metricsObs, err := observer.NewMetricsObserver(tel.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics observer: %w", err)
		}
		metrics, err = internaltelemetry.NewOutboxMetrics(tel.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize outbox metrics: %w", err)
		}
		obs = observer.Multi{obs, metricsObs, &metricsBridge{metrics: metrics}}
	}

	store := opts.Store
	if store == nil {
		store, err = storage.NewBoltStore(cfg.DataDir, storage.BoltStoreOptions{}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open container store: %w", err)
		}
	}

	registry := opts.Registry
	if registry == nil {
		registry = guardrail.NewRegistry(guardrail.DefaultRegistrations())
	}

	c := &Core{
		logger:            log,
		store:             store,
		metrics:           metrics,
		tracer:            tel.Tracer,
		telemetryShutdown: telShutdown,
	}

	// Boot order: guardrail before any container is used for normal work,
	// journal replay immediately after, index rebuild last.
	guard := guardrail.New(store, registry, CoreContainers(), SchemaVersion, log, obs)
	result, err := guard.Validate(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("guardrail validation failed: %w", err)
	}
	c.guardrailResult = result
	if !result.CanLaunch() {
		store.Close()
		return nil, &BlockedError{Result: result}
	}

	c.journal = journal.New(store, log, obs)
	c.coordinator = atomictxn.New(store, c.journal, log, obs)
	c.migrations = guardrail.NewMigrationRunner(store, c.coordinator, opts.Migrations, log, obs)

	// The crash-recovery scan runs before anything reads or writes container
	// state, migrations included: a migration must never see a crashed prior
	// run's partially applied transaction.
	recovered, err := c.journal.ReplayPendingJournals(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("journal replay failed: %w", err)
	}
	c.recoveredTxns = recovered
	if recovered > 0 {
		log.Warn("Recovered interrupted transactions at startup", zap.Int("count", recovered))
	}

	if result.Status == guardrail.StatusNeedsMigration {
		applied, err := c.migrations.Run(ctx, SchemaVersion)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
		log.Info("Schema migrations applied", zap.Int("count", applied))
		// Revalidate so the guardrail result callers see reflects reality.
		result, err = guard.Validate(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("guardrail revalidation failed: %w", err)
		}
		c.guardrailResult = result
	}

	validator, err := outbox.NewPayloadValidator()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to compile payload schemas: %w", err)
	}

	c.lock = proclock.New(store, log, obs)
	c.queue = outbox.NewQueue(store, c.coordinator, validator, cfg.Outbox, log, obs)
	c.emergency = outbox.NewEmergencyQueue(store, log, obs)

	if err := c.queue.RebuildIndex(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to rebuild outbox index: %w", err)
	}

	if opts.Sender != nil {
		pcfg := cfg.Processor
		if pcfg.StaleThreshold <= 0 {
			pcfg.StaleThreshold = cfg.Lock.StaleThreshold
		}
		c.processor = outbox.NewProcessor(c.queue, c.lock, opts.Sender, pcfg, log)
	}

	log.Info("HaloVital core ready",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("schema_version", SchemaVersion),
		zap.Int("recovered_transactions", recovered))
	return c, nil
}

// --- Upward interface ---

// Enqueue adds an operation to the durable outbox.
func (c *Core) Enqueue(ctx context.Context, op *outbox.PendingOperation) error {
	return c.queue.Enqueue(ctx, op)
}

// EnqueueEmergency adds a safety-critical operation to the emergency queue,
// filling identity fields the same way Enqueue does. Returns false when the
// operation is not emergency priority.
func (c *Core) EnqueueEmergency(ctx context.Context, op *outbox.PendingOperation) (bool, error) {
	return c.emergency.Enqueue(ctx, op)
}

// RunAtomic applies the operation list atomically.
func (c *Core) RunAtomic(ctx context.Context, name string, ops []atomictxn.Op) atomictxn.Result {
	ctx, span := c.tracer.Start(ctx, "core.run_atomic",
		trace.WithAttributes(attribute.String("txn.name", name), attribute.Int("txn.ops", len(ops))))
	defer span.End()
	res := c.coordinator.Run(ctx, name, ops)
	c.recordTxnSpan(span, res)
	return res
}

// Execute runs a builder against a transaction-scoped writer.
func (c *Core) Execute(ctx context.Context, name string, build func(tx *atomictxn.Txn) error) atomictxn.Result {
	ctx, span := c.tracer.Start(ctx, "core.execute",
		trace.WithAttributes(attribute.String("txn.name", name)))
	defer span.End()
	res := c.coordinator.Execute(ctx, name, build)
	c.recordTxnSpan(span, res)
	return res
}

func (c *Core) recordTxnSpan(span trace.Span, res atomictxn.Result) {
	if res.Succeeded() {
		span.SetAttributes(attribute.Int("txn.count", res.Count))
		return
	}
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, "transaction failed")
	if res.Inconsistent() {
		span.SetAttributes(attribute.Bool("txn.inconsistent", true))
	}
}

// PendingCount returns the durable pending-operation count.
func (c *Core) PendingCount(ctx context.Context) (int, error) {
	return c.queue.PendingCount(ctx)
}

// IsLocked reports whether the processing lock is held.
func (c *Core) IsLocked(ctx context.Context) (bool, error) {
	return c.lock.IsLocked(ctx)
}

// LastGuardrailResult returns the result of the most recent validation run.
func (c *Core) LastGuardrailResult() *guardrail.Result {
	return c.guardrailResult
}

// RecoveredTransactions reports how many interrupted transactions the boot
// replay rolled back.
func (c *Core) RecoveredTransactions() int { return c.recoveredTxns }

// Queue exposes the outbox for advanced callers.
func (c *Core) Queue() *outbox.Queue { return c.queue }

// Emergency exposes the emergency sub-queue.
func (c *Core) Emergency() *outbox.EmergencyQueue { return c.emergency }

// Journal exposes the write-ahead journal. Admin tooling only; application
// callers go through RunAtomic/Execute.
func (c *Core) Journal() *journal.Journal { return c.journal }

// --- Processing ---

// RunProcessor blocks draining the outbox until the context is cancelled.
// Returns an error if Open was given no Sender.
func (c *Core) RunProcessor(ctx context.Context) error {
	if c.processor == nil {
		return errors.New("no sender configured, processor unavailable")
	}
	return c.processor.Run(ctx)
}

// DrainOnce runs a single drain cycle.
func (c *Core) DrainOnce(ctx context.Context) (int, error) {
	if c.processor == nil {
		return 0, errors.New("no sender configured, processor unavailable")
	}
	ctx, span := c.tracer.Start(ctx, "core.drain_once")
	defer span.End()
	start := time.Now()
	n, err := c.processor.DrainOnce(ctx)
	if c.metrics != nil {
		c.metrics.DrainLatency.Record(ctx, time.Since(start).Milliseconds())
	}
	span.SetAttributes(attribute.Int("outbox.delivered", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
	}
	return n, err
}

// --- Operational surface ---

// ForceReleaseLock unconditionally clears the processing lock.
func (c *Core) ForceReleaseLock(ctx context.Context) error {
	return c.lock.ForceRelease(ctx)
}

// RebuildIndex rescans the pending container and rebuilds the selection
// index. Idempotent.
func (c *Core) RebuildIndex(ctx context.Context) error {
	return c.queue.RebuildIndex(ctx)
}

// ExportOperations writes all pending and failed operations as JSON lines.
func (c *Core) ExportOperations(ctx context.Context, w io.Writer) error {
	return c.queue.Export(ctx, w)
}

// RetryAllFailed requeues every failed operation.
func (c *Core) RetryAllFailed(ctx context.Context) (int, error) {
	return c.queue.RetryAllFailed(ctx)
}

// ClearFailedOps empties the failed-operations store.
func (c *Core) ClearFailedOps(ctx context.Context) error {
	return c.queue.Failed().Clear(ctx)
}

// ViewPendingOperations lists up to limit pending operations in selection
// order.
func (c *Core) ViewPendingOperations(ctx context.Context, limit int) ([]outbox.PendingOperation, error) {
	return c.queue.ViewPending(ctx, limit)
}

// Close shuts the core down: telemetry first, then the store.
func (c *Core) Close(ctx context.Context) error {
	var firstErr error
	if c.telemetryShutdown != nil {
		if err := c.telemetryShutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Sync() //nolint:errcheck // stdout sync failure is uninteresting
	return firstErr
}

// metricsBridge maps observer events onto the outbox instrument bundle.
type metricsBridge struct {
	metrics *internaltelemetry.OutboxMetrics
}

func (b *metricsBridge) OnEvent(name string, tags map[string]string) {
	ctx := context.Background()
	switch name {
	case observer.EventOpEnqueued:
		b.metrics.EnqueuedCounter.Add(ctx, 1)
		b.metrics.PendingGauge.Add(ctx, 1)
	case observer.EventOpAcknowledged:
		b.metrics.AcknowledgedCounter.Add(ctx, 1)
		b.metrics.PendingGauge.Add(ctx, -1)
	case observer.EventOpFailed:
		b.metrics.FailedCounter.Add(ctx, 1)
		b.metrics.PendingGauge.Add(ctx, -1)
	}
}
