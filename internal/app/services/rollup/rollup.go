// Package rollup implements Component F: for a (user, date) pair, derive
// the maximum concurrent RHEL/OpenShift vcpu, memory, and instance count
// across that calendar day.
package rollup

import (
	"sort"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/usage"
)

// RunView is the flattened input the roll-up needs per run: the run's
// clock interval plus the classification and shape of the image/instance
// type it was bound to, already resolved by the caller (the roll-up itself
// does not know about images or instance types).
type RunView struct {
	InstanceID string
	Start      time.Time
	End        *time.Time // nil = open
	RHEL       bool
	OpenShift  bool
	VCPU       int
	MemoryMiB  int
	HasType    bool
}

// Compute derives max concurrent usage for one user across [dayStart,
// dayEnd) in the user's effective timezone. dayStart/dayEnd must already
// be in that timezone's wall-clock day boundaries; runs' Start/End are
// compared against them directly.
//
// The maximum is taken over the finite set of event instants within the
// day: dayStart itself, and every run's day-clipped start (concurrency can
// only increase at a start, so a sweep need not examine end instants to
// find the maximum -- see spec §4.F). An open run contributes up to
// dayEnd. Instances without a known instance_type are excluded from vcpu
// and memory sums but included in instance count (spec §4.F).
func Compute(dayStart, dayEnd time.Time, runs []RunView) (rhel, openshift usage.Totals) {
	type clipped struct {
		start     time.Time
		end       time.Time
		rhel      bool
		openshift bool
		vcpu      int
		memory    int
		hasType   bool
	}

	var active []clipped
	instants := map[int64]time.Time{dayStart.UnixNano(): dayStart}

	for _, r := range runs {
		end := dayEnd
		if r.End != nil && r.End.Before(dayEnd) {
			end = *r.End
		}
		start := r.Start
		if start.Before(dayStart) {
			start = dayStart
		}
		if !start.Before(end) {
			continue // no overlap with the day
		}
		active = append(active, clipped{
			start:     start,
			end:       end,
			rhel:      r.RHEL,
			openshift: r.OpenShift,
			vcpu:      r.VCPU,
			memory:    r.MemoryMiB,
			hasType:   r.HasType,
		})
		if !start.Before(dayStart) && start.Before(dayEnd) {
			instants[start.UnixNano()] = start
		}
	}

	sortedInstants := make([]time.Time, 0, len(instants))
	for _, t := range instants {
		sortedInstants = append(sortedInstants, t)
	}
	sort.Slice(sortedInstants, func(i, j int) bool { return sortedInstants[i].Before(sortedInstants[j]) })

	for _, instant := range sortedInstants {
		var rhelVCPU, rhelMem, rhelCount int
		var osVCPU, osMem, osCount int
		for _, r := range active {
			if instant.Before(r.start) || !instant.Before(r.end) {
				continue
			}
			if r.rhel {
				rhelCount++
				if r.hasType {
					rhelVCPU += r.vcpu
					rhelMem += r.memory
				}
			}
			if r.openshift {
				osCount++
				if r.hasType {
					osVCPU += r.vcpu
					osMem += r.memory
				}
			}
		}
		rhel = maxTotals(rhel, usage.Totals{MaxVCPU: rhelVCPU, MaxMemoryMiB: rhelMem, MaxInstances: rhelCount})
		openshift = maxTotals(openshift, usage.Totals{MaxVCPU: osVCPU, MaxMemoryMiB: osMem, MaxInstances: osCount})
	}

	return rhel, openshift
}

func maxTotals(a, b usage.Totals) usage.Totals {
	return usage.Totals{
		MaxVCPU:      maxInt(a.MaxVCPU, b.MaxVCPU),
		MaxMemoryMiB: maxInt(a.MaxMemoryMiB, b.MaxMemoryMiB),
		MaxInstances: maxInt(a.MaxInstances, b.MaxInstances),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// DayBounds returns the [start, end) boundaries of the calendar day
// containing at, in the named IANA timezone (falling back to UTC, spec
// §6's timezone.default, if the zone cannot be loaded).
func DayBounds(at time.Time, timezone string) (time.Time, time.Time) {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	local := at.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
