package run

import "time"

// Run is a maximal contiguous interval during which an instance was on
// (spec §3, §4.D). EndTime is nil for an open run.
type Run struct {
	ID           string
	InstanceID   string
	StartTime    time.Time
	EndTime      *time.Time
	ImageRef     string
	InstanceType string
	VCPU         int
	MemoryMiB    int
}

// Open reports whether r has no known end.
func (r Run) Open() bool {
	return r.EndTime == nil
}

// Overlaps reports whether r and other's half-open intervals
// [start, end) intersect. An open run's end is treated as +inf.
func (r Run) Overlaps(other Run) bool {
	rEnd := farFuture
	if r.EndTime != nil {
		rEnd = *r.EndTime
	}
	oEnd := farFuture
	if other.EndTime != nil {
		oEnd = *other.EndTime
	}
	return r.StartTime.Before(oEnd) && other.StartTime.Before(rEnd)
}

// farFuture stands in for +infinity when comparing open-run intervals.
// Picked far enough out that no realistic event timestamp exceeds it.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
