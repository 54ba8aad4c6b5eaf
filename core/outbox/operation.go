// Package outbox implements the durable pending-operation queue: a priority
// outbox with delivery states, retry backoff, a bounded failed-operations
// store and an isolated emergency sub-queue. All multi-record mutations go
// through the atomic transaction coordinator.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store containers used by this package.
const (
	PendingContainer   = "pending_ops"
	FailedContainer    = "failed_ops"
	EmergencyContainer = "emergency_ops"
	MetaContainer      = "meta"

	pendingCountKey = "pending_count"
)

// --- Error Definitions ---

var (
	ErrOpNotFound        = errors.New("operation not found")
	ErrInvalidPayload    = errors.New("operation payload failed schema validation")
	ErrUnknownPriority   = errors.New("unknown priority")
	ErrNotEmergency      = errors.New("operation is not emergency priority")
	ErrNegativeCount     = errors.New("pending operation count went negative")
	ErrAlreadyTerminal   = errors.New("operation is in a terminal delivery state")
	ErrEmptyEntity       = errors.New("operation entity id and type are required")
	ErrUnknownOpType     = errors.New("unknown operation type requires an envelope payload")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
)

// Priority is the scheduling tier of an operation. Lower values are served
// first; only emergency bypasses retry backoff.
type Priority int

const (
	PriorityEmergency Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityEmergency: "emergency",
	PriorityHigh:      "high",
	PriorityNormal:    "normal",
	PriorityLow:       "low",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// BypassesBackoff reports whether operations of this priority ignore
// NextEligibleAt gating. Safety-critical deliveries must never wait out a
// backoff window.
func (p Priority) BypassesBackoff() bool { return p == PriorityEmergency }

// ParsePriority converts a name back to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, int(p))
	}
	return json.Marshal(name)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeliveryState is the lifecycle of a queued operation:
// pending -> sent -> acknowledged (terminal success), and pending|sent ->
// failed once attempts are exhausted.
type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateSent         DeliveryState = "sent"
	StateAcknowledged DeliveryState = "acknowledged"
	StateFailed       DeliveryState = "failed"
)

// PendingOperation is one durable outbox record.
type PendingOperation struct {
	OpID           string          `json:"op_id"`
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	OpType         string          `json:"op_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       Priority        `json:"priority"`
	DeliveryState  DeliveryState   `json:"delivery_state"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// IsEligible reports whether the operation may be processed at now.
// Emergency priority is exempt from backoff gating by definition.
func (op *PendingOperation) IsEligible(now time.Time) bool {
	return op.Priority.BypassesBackoff() || !now.Before(op.NextEligibleAt)
}

func (op *PendingOperation) encode() ([]byte, error) {
	return json.Marshal(op)
}

func decodeOperation(raw []byte) (PendingOperation, error) {
	var op PendingOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return PendingOperation{}, fmt.Errorf("failed to decode pending operation: %w", err)
	}
	return op, nil
}

// Envelope is the storage-boundary form for genuinely heterogeneous payloads
// of op types the schema registry does not know.
type Envelope struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
	Bytes   []byte `json:"bytes"`
}

// FailedOperation is a pending operation that exhausted its attempts, as kept
// in the bounded failed-operations store.
type FailedOperation struct {
	Operation PendingOperation `json:"operation"`
	FailedAt  time.Time        `json:"failed_at"`
	Reason    string           `json:"reason"`
}

func (f *FailedOperation) encode() ([]byte, error) {
	return json.Marshal(f)
}

func decodeFailedOperation(raw []byte) (FailedOperation, error) {
	var f FailedOperation
	if err := json.Unmarshal(raw, &f); err != nil {
		return FailedOperation{}, fmt.Errorf("failed to decode failed operation: %w", err)
	}
	return f, nil
}
