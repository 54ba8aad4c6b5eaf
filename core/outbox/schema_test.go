package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPayloadValidator_AcceptsValidPayloads runs one representative payload
// per registered op type through the compiled schemas.
func TestPayloadValidator_AcceptsValidPayloads(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	valid := map[string]string{
		"vitals_sync":    `{"patient_id":"p1","samples":[{"metric":"heart_rate","value":71.5,"recorded_at":"2026-08-29T12:00:00Z"}]}`,
		"alert_dispatch": `{"patient_id":"p1","alert_kind":"fall_detected","severity":"critical","detail":"fall in bathroom"}`,
		"sos_dispatch":   `{"patient_id":"p1","triggered_at":"2026-08-29T12:00:00Z","latitude":48.2,"longitude":16.3,"source":"button"}`,
		"geofence_event": `{"patient_id":"p1","fence_id":"home","transition":"exit"}`,
		"device_command": `{"device_id":"watch-7","command":"locate"}`,
		"profile_update": `{"patient_id":"p1","fields":{"phone":"+43123"}}`,
		"medication_log": `{"patient_id":"p1","medication_id":"med-9","status":"taken"}`,
	}
	for opType, payload := range valid {
		require.True(t, v.KnownOpType(opType))
		require.NoError(t, v.Validate(opType, []byte(payload)), "payload for %s should validate", opType)
	}
}

// TestPayloadValidator_RejectsInvalidPayloads checks the rejection cases that
// keep malformed operations out of the queue: missing required fields, enum
// violations, and plain broken JSON.
func TestPayloadValidator_RejectsInvalidPayloads(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	invalid := map[string]string{
		"vitals_sync":    `{"patient_id":"p1","samples":[]}`,
		"alert_dispatch": `{"patient_id":"p1","alert_kind":"meteor_strike","severity":"critical"}`,
		"sos_dispatch":   `{"triggered_at":"2026-08-29T12:00:00Z"}`,
		"medication_log": `{"patient_id":"p1","medication_id":"med-9","status":"maybe"}`,
	}
	for opType, payload := range invalid {
		require.ErrorIs(t, v.Validate(opType, []byte(payload)), ErrInvalidPayload,
			"payload for %s should be rejected", opType)
	}

	require.ErrorIs(t, v.Validate("vitals_sync", []byte(`{broken`)), ErrInvalidPayload)
}

// TestPayloadValidator_UnknownOpTypeRequiresEnvelope pins the fallback rule:
// op types outside the registry must ship an Envelope with a Kind; anything
// else is refused.
func TestPayloadValidator_UnknownOpTypeRequiresEnvelope(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	require.False(t, v.KnownOpType("firmware_blob"))

	err = v.Validate("firmware_blob", []byte(`{"kind":"firmware_blob","version":2,"bytes":"YWJj"}`))
	require.NoError(t, err, "an enveloped unknown op type is allowed through unvalidated")

	err = v.Validate("firmware_blob", []byte(`{"some":"object"}`))
	require.ErrorIs(t, err, ErrUnknownOpType)
}
