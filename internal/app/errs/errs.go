// Package errs defines the error kinds named in the error handling design:
// sentinel wrapper types the rest of the system type-switches on to decide
// retry, surfacing, and state-machine behavior.
package errs

import "fmt"

// TransientCloud marks a cloud API failure that is worth a bounded retry
// with backoff, handled by the same worker (service.Retry).
type TransientCloud struct {
	Op  string
	Err error
}

func (e *TransientCloud) Error() string { return fmt.Sprintf("transient cloud error during %s: %v", e.Op, e.Err) }
func (e *TransientCloud) Unwrap() error { return e.Err }

// PermissionDenied marks a role-assume or trail-disable failure caused by
// the customer having already revoked our access. Local handling: log and
// continue account teardown rather than blocking on cloud reachability.
type PermissionDenied struct {
	Op  string
	Err error
}

func (e *PermissionDenied) Error() string { return fmt.Sprintf("permission denied during %s: %v", e.Op, e.Err) }
func (e *PermissionDenied) Unwrap() error { return e.Err }

// NotFound marks a describe/trail lookup for a resource that no longer
// exists. Local handling: treat as terminal for that id (e.g. stub an
// unavailable image).
type NotFound struct {
	Resource string
	ID       string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Resource, e.ID) }

// CorruptPayload marks a JSON parse failure on an ingested audit object.
// The queue message must not be acked; redelivery eventually dead-letters
// it.
type CorruptPayload struct {
	Source string
	Err    error
}

func (e *CorruptPayload) Error() string { return fmt.Sprintf("corrupt payload from %s: %v", e.Source, e.Err) }
func (e *CorruptPayload) Unwrap() error { return e.Err }

// RunInvariantViolation is raised by the reconciler when an event inside an
// open run would change the bound image_ref. Local handling: abort the
// transaction; prior runs are left unchanged.
type RunInvariantViolation struct {
	InstanceID string
	Reason     string
}

func (e *RunInvariantViolation) Error() string {
	return fmt.Sprintf("run invariant violation on instance %s: %s", e.InstanceID, e.Reason)
}

// InspectionEncrypted marks an image whose snapshot is encrypted and
// therefore cannot be inspected. Moves the image to error with no retry.
type InspectionEncrypted struct {
	ImageID string
}

func (e *InspectionEncrypted) Error() string {
	return fmt.Sprintf("image %s snapshot is encrypted, cannot inspect", e.ImageID)
}

// QuotaExhausted marks an image that has exceeded its configured attempt
// cap. Moves the image to error with no retry.
type QuotaExhausted struct {
	ImageID  string
	Attempts int
}

func (e *QuotaExhausted) Error() string {
	return fmt.Sprintf("image %s exceeded inspection attempt quota (%d attempts)", e.ImageID, e.Attempts)
}
