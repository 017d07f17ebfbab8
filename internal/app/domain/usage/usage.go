// Package usage models daily concurrent-usage snapshots, the output of
// Component F (Concurrency Roll-up).
package usage

import "time"

// Category is one of the two billable product lines the roll-up tracks.
type Category string

const (
	RHEL      Category = "rhel"
	OpenShift Category = "openshift"
)

// Totals holds the three maxima the roll-up computes for one category on
// one day.
type Totals struct {
	MaxVCPU      int
	MaxMemoryMiB int
	MaxInstances int
}

// ConcurrentUsage is one (user, date) row: max concurrent vcpu/memory/
// instances for rhel and openshift, independently.
type ConcurrentUsage struct {
	User      string
	Date      time.Time // truncated to the day, in the effective timezone
	RHEL      Totals
	OpenShift Totals
}
