package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload schemas per op type. The outbox carries a closed set of operation
// kinds; each gets a JSON Schema checked at enqueue so a malformed payload is
// rejected at the producer instead of poisoning the queue. Op types outside
// this registry must ship an Envelope and skip validation.
var payloadSchemaSources = map[string]string{
	"vitals_sync": `{
		"type": "object",
		"required": ["patient_id", "samples"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"samples": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["metric", "value", "recorded_at"],
					"properties": {
						"metric": {"type": "string", "enum": ["heart_rate", "spo2", "blood_pressure_sys", "blood_pressure_dia", "temperature", "respiration_rate"]},
						"value": {"type": "number"},
						"recorded_at": {"type": "string"}
					}
				}
			}
		}
	}`,
	"alert_dispatch": `{
		"type": "object",
		"required": ["patient_id", "alert_kind", "severity"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"alert_kind": {"type": "string", "enum": ["fall_detected", "vitals_anomaly", "geofence_exit", "inactivity", "device_offline"]},
			"severity": {"type": "string", "enum": ["info", "warning", "critical"]},
			"detail": {"type": "string"}
		}
	}`,
	"sos_dispatch": `{
		"type": "object",
		"required": ["patient_id", "triggered_at"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"triggered_at": {"type": "string"},
			"latitude": {"type": "number"},
			"longitude": {"type": "number"},
			"source": {"type": "string", "enum": ["button", "fall_detection", "voice", "caregiver"]}
		}
	}`,
	"geofence_event": `{
		"type": "object",
		"required": ["patient_id", "fence_id", "transition"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"fence_id": {"type": "string", "minLength": 1},
			"transition": {"type": "string", "enum": ["enter", "exit"]},
			"occurred_at": {"type": "string"}
		}
	}`,
	"device_command": `{
		"type": "object",
		"required": ["device_id", "command"],
		"properties": {
			"device_id": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"arguments": {"type": "object"}
		}
	}`,
	"profile_update": `{
		"type": "object",
		"required": ["patient_id", "fields"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"fields": {"type": "object", "minProperties": 1}
		}
	}`,
	"medication_log": `{
		"type": "object",
		"required": ["patient_id", "medication_id", "status"],
		"properties": {
			"patient_id": {"type": "string", "minLength": 1},
			"medication_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["taken", "skipped", "missed"]},
			"logged_at": {"type": "string"}
		}
	}`,
}

// PayloadValidator validates operation payloads against the per-opType
// schema registry.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the registry. Compilation failure is a
// programming error surfaced at construction, not at enqueue time.
func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for opType, src := range payloadSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema for %s: %w", opType, err)
		}
		if err := compiler.AddResource(opType+".json", doc); err != nil {
			return nil, fmt.Errorf("failed to add schema resource for %s: %w", opType, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(payloadSchemaSources))
	for opType := range payloadSchemaSources {
		sch, err := compiler.Compile(opType + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", opType, err)
		}
		schemas[opType] = sch
	}
	return &PayloadValidator{schemas: schemas}, nil
}

// KnownOpType reports whether the registry has a schema for opType.
func (v *PayloadValidator) KnownOpType(opType string) bool {
	_, ok := v.schemas[opType]
	return ok
}

// Validate checks payload against the schema for opType. Unknown op types
// must carry an Envelope; their Bytes are opaque and not validated.
func (v *PayloadValidator) Validate(opType string, payload json.RawMessage) error {
	sch, ok := v.schemas[opType]
	if !ok {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Kind == "" {
			return fmt.Errorf("%w: %q", ErrUnknownOpType, opType)
		}
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, opType, err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, opType, err)
	}
	return nil
}
