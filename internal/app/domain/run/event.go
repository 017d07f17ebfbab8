// Package run holds the InstanceEvent and Run value types (spec §4.D). The
// pure reconciliation function that turns the former into the latter is
// reconciler.Reconcile in internal/app/services/reconciler.
package run

import "time"

// EventType is the kind of power-state transition an InstanceEvent records.
type EventType string

const (
	EventPowerOn        EventType = "power_on"
	EventPowerOff       EventType = "power_off"
	EventAttributeChange EventType = "attribute_change"
)

// Event is a normalized, persisted InstanceEvent. OccurredAt is authoritative
// ordering; SeqNo breaks ties by insertion order per spec §4.D's "ties
// broken by insertion order" rule.
type Event struct {
	ID         string
	InstanceID string
	OccurredAt time.Time
	SeqNo      int64
	Type       EventType
	// InstanceType, Subnet, ImageRef are optional attributes that may
	// travel on any event type; only attribute_change is guaranteed one,
	// but power events may also carry a type/image hint from the source
	// payload.
	InstanceType string
	Subnet       string
	ImageRef     string
}

// HasInstanceType reports whether this event carries a usable instance type
// for attribute inheritance (spec §4.D).
func (e Event) HasInstanceType() bool {
	return e.InstanceType != ""
}
