// Package detect hosts the detection engine: pluggable per-entity state
// machines that consume the sequenced event stream and produce findings.
package detect

import (
	"github.com/google/uuid"

	"hostguard/internal/schema"
)

// Info describes a detector to the engine.
type Info struct {
	// Name identifies the detector in logs, metrics and alert payloads.
	Name string
	// EventTypes the detector consumes; drives the bus subscription filter.
	EventTypes []schema.EventType
	// EvictOn lists event types that terminate the entity (for example a
	// process exit). The engine calls Evict for the key instead of OnEvent.
	EvictOn []schema.EventType
}

// Finding is a detector's positive result, handed to the alert emitter.
type Finding struct {
	Detector   string
	AlertType  schema.EventType
	Severity   schema.Severity
	Confidence float64
	Rationale  string
	Host       string
	Key        string
	// Evidence lists the event IDs whose window produced the finding.
	Evidence []uuid.UUID
	// Extra payload fields merged into the alert event.
	Payload map[string]any
	// TriggerDepth is the correlation depth of the triggering event chain;
	// the emitter enforces the alert-on-alert cap from it.
	TriggerDepth int
}

// Detector is the capability interface every detector implements. OnEvent
// and Evict are invoked serially per entity key, in sequence order within
// that key; the engine never calls them concurrently for the same key.
type Detector interface {
	Describe() Info
	// Key extracts the entity key for an event. A false return means the
	// event is irrelevant to this detector.
	Key(env *schema.EventEnvelope) (string, bool)
	// OnEvent folds one event into the key's state machine and may return
	// a finding. An error isolates the key: the engine stops further
	// updates for it.
	OnEvent(env *schema.EventEnvelope) (*Finding, error)
	// Evict discards all state for a key.
	Evict(key string)
}
