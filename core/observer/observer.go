// Package observer decouples the reliability core from concrete telemetry.
// Core components report notable events through the Observer interface and
// never log or count anything directly; the composition root decides where
// events go.
package observer

import "go.uber.org/zap"

// Observer receives named events with string tags. Implementations must be
// safe for concurrent use and must not block: events fire inside hot paths.
type Observer interface {
	OnEvent(name string, tags map[string]string)
}

// Well-known event names emitted by the core.
const (
	EventTxnCommitted        = "txn_committed"
	EventTxnRolledBack       = "txn_rolled_back"
	EventTxnRollbackFailed   = "txn_rollback_failed"
	EventJournalReplayed     = "journal_replayed"
	EventLockAcquired        = "lock_acquired"
	EventLockStaleReclaimed  = "lock_stale_reclaimed"
	EventLockReleaseIgnored  = "lock_release_ignored"
	EventOpEnqueued          = "op_enqueued"
	EventOpSent              = "op_sent"
	EventOpAcknowledged      = "op_acknowledged"
	EventOpFailed            = "op_failed"
	EventOpRetryScheduled    = "op_retry_scheduled"
	EventEmergencyDelivered  = "emergency_delivered"
	EventEmergencyRetained   = "emergency_retained"
	EventFailedStoreEvicted  = "failed_store_evicted"
	EventInvariantBreach     = "invariant_breach"
	EventGuardrailBlocked    = "guardrail_blocked"
	EventMigrationRun        = "migration_run"
	EventConflictResolved    = "conflict_resolved"
	EventIndexRebuilt        = "index_rebuilt"
	EventChecksumMismatch    = "checksum_mismatch"
	EventForcedLockRelease   = "forced_lock_release"
	EventFailedOpsPurged     = "failed_ops_purged"
	EventOperationsExported  = "operations_exported"
	EventFailedOpsRequeued   = "failed_ops_requeued"
	EventEmergencyEnqueued   = "emergency_enqueued"
	EventPayloadRejected     = "payload_rejected"
	EventContainerCorrupted  = "container_corrupted"
	EventSchemaVersionAhead  = "schema_version_ahead"
	EventSchemaVersionBehind = "schema_version_behind"
)

type nop struct{}

func (nop) OnEvent(string, map[string]string) {}

// Nop returns an Observer that discards everything.
func Nop() Observer { return nop{} }

// logObserver mirrors every event to a zap logger at debug level. Useful in
// development and as a fallback when metrics are disabled.
type logObserver struct {
	logger *zap.Logger
}

// NewLogObserver returns an Observer that writes events to the given logger.
func NewLogObserver(logger *zap.Logger) Observer {
	return &logObserver{logger: logger}
}

func (o *logObserver) OnEvent(name string, tags map[string]string) {
	fields := make([]zap.Field, 0, len(tags))
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	o.logger.Debug("core event: "+name, fields...)
}

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) OnEvent(name string, tags map[string]string) {
	for _, o := range m {
		o.OnEvent(name, tags)
	}
}
