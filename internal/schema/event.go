// Package schema defines the canonical event envelope for hostguard.
// Every event produced by a collector is validated against this schema
// before it is admitted to the pipeline.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventEnvelope is the unit of the pipeline. Collectors submit an
// unsequenced envelope; the bus assigns EventID and Sequence at admission
// and the envelope is immutable from then on.
type EventEnvelope struct {
	// Assigned by the bus. Collectors must not set these.
	EventID  uuid.UUID `json:"event_id"`
	Sequence uint64    `json:"sequence"`

	// Required fields supplied by the producer.
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source" validate:"required,ident,max=128"`
	EventType EventType `json:"event_type" validate:"required"`
	Severity  Severity  `json:"severity" validate:"required"`
	Host      string    `json:"host" validate:"required,max=256"`

	// Event-type-specific data, checked against the type's sub-schema.
	Payload map[string]any `json:"payload,omitempty"`

	// Optional: links an alert back to its evidence chain.
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`

	SchemaVersion string `json:"schema_version"`
}

// EventType is a member of the closed, versioned event type enumeration.
type EventType string

const (
	EventFileCreate     EventType = "file.create"
	EventFileModify     EventType = "file.modify"
	EventFileRename     EventType = "file.rename"
	EventFileDelete     EventType = "file.delete"
	EventFileMassDelete EventType = "file.mass_delete"
	EventFileCanary     EventType = "file.canary_modified"

	EventProcessExec EventType = "process.exec"
	EventProcessExit EventType = "process.exit"

	EventNetworkConnect EventType = "network.connect"

	EventAuthSSHLogin      EventType = "auth.ssh_login"
	EventAuthAccountChange EventType = "auth.account_change"
	EventCronChange        EventType = "cron.change"

	EventAlertRansomware EventType = "alert.ransomware"
	EventAlertIntrusion  EventType = "alert.intrusion"
)

// IsAlert reports whether the type is a derived alert event.
func (t EventType) IsAlert() bool {
	return t == EventAlertRansomware || t == EventAlertIntrusion
}

// Severity is the ordered severity enumeration.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of the severity; higher is more severe.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityNotice:
		return 2
	case SeverityWarning:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a member of the closed set.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// SchemaVersionCurrent is the schema version in effect for this process.
const SchemaVersionCurrent = "1"

// PayloadString returns a string payload field, or "" if absent or not a
// string.
func (e *EventEnvelope) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	v, _ := e.Payload[key].(string)
	return v
}

// PayloadInt returns an integer payload field. JSON numbers decode as
// float64; integral values are converted.
func (e *EventEnvelope) PayloadInt(key string) (int64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// PayloadFloat returns a numeric payload field as float64.
func (e *EventEnvelope) PayloadFloat(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// PayloadBool returns a boolean payload field.
func (e *EventEnvelope) PayloadBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	v, ok := e.Payload[key].(bool)
	return v, ok
}

// PayloadStrings returns a list-of-strings payload field.
func (e *EventEnvelope) PayloadStrings(key string) []string {
	if e.Payload == nil {
		return nil
	}
	raw, ok := e.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
