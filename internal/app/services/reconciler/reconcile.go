// Package reconciler implements Component D: given an instance's ordered
// event history, recompute the closed set of runs consistent with it. The
// heart of it, Reconcile, is a pure function: no I/O, no clock reads, same
// input always yields the same output (spec §4.D, §8, §9 design notes).
package reconciler

import (
	"sort"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
)

// TypeLookup resolves an instance type string to its vcpu/memory shape.
// Reconcile treats it as pure external data (the InstanceTypeDefinition
// cache), not as state derived from the event history itself.
type TypeLookup func(instanceType string) (vcpu, memoryMiB int, ok bool)

type openRun struct {
	start    time.Time
	imageRef string
	instType string
}

// Reconcile recomputes R(I) for an instance given its full (or
// watermark-anchored, see Recompute) ordered event slice and the account's
// creation tombstone. Events with OccurredAt before accountCreatedAt are
// dropped as a mechanical precondition (spec §9 design notes), not a
// special case the caller must handle.
//
// Reconcile(Reconcile(H)) == Reconcile(H): running it twice on the same
// input set is safe because it never mutates its arguments and derives
// nothing from wall-clock time.
func Reconcile(instanceID string, events []run.Event, accountCreatedAt time.Time, lookup TypeLookup, opts ...Option) ([]run.Run, error) {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	filtered := make([]run.Event, 0, len(events))
	for _, e := range events {
		if e.OccurredAt.Before(accountCreatedAt) {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].OccurredAt.Equal(filtered[j].OccurredAt) {
			return filtered[i].OccurredAt.Before(filtered[j].OccurredAt)
		}
		return filtered[i].SeqNo < filtered[j].SeqNo
	})

	var (
		open     *openRun
		lastType string
		runs     []run.Run
	)

	closeRun := func(end *time.Time) {
		runs = append(runs, run.Run{
			InstanceID:   instanceID,
			StartTime:    open.start,
			EndTime:      end,
			ImageRef:     open.imageRef,
			InstanceType: open.instType,
		})
		open = nil
	}

	for _, e := range filtered {
		switch e.Type {
		case run.EventPowerOn:
			if e.HasInstanceType() {
				lastType = e.InstanceType
			}
			if open == nil {
				open = &openRun{start: e.OccurredAt, imageRef: e.ImageRef, instType: lastType}
				continue
			}
			// Duplicate start: absorbed. The earliest power_on in the
			// contiguous chain already set open.start; this one only
			// needs to agree on image_ref.
			if err := reconcileImageRef(open, e.ImageRef); err != nil {
				return nil, runInvariantErr(instanceID, err)
			}

		case run.EventPowerOff:
			if e.HasInstanceType() {
				lastType = e.InstanceType
			}
			if open == nil {
				// No preceding unmatched power_on: ignored for run
				// construction (spec §4.D rule 4).
				continue
			}
			if err := reconcileImageRef(open, e.ImageRef); err != nil {
				return nil, runInvariantErr(instanceID, err)
			}
			end := e.OccurredAt
			closeRun(&end)

		case run.EventAttributeChange:
			if !e.HasInstanceType() {
				// The normalizer discards attribute_change records with no
				// instance_type (spec §4.A); defensively ignore here too.
				continue
			}
			if open != nil {
				if err := reconcileImageRef(open, e.ImageRef); err != nil {
					return nil, runInvariantErr(instanceID, err)
				}
				at := e.OccurredAt
				imageRef := open.imageRef
				closeRun(&at)
				open = &openRun{start: at, imageRef: imageRef, instType: e.InstanceType}
			}
			lastType = e.InstanceType
		}
	}

	if open != nil {
		closeRun(nil)
	}

	resolveForwardTypes(runs, filtered)
	if cfg.onUntypedRun != nil {
		for i := range runs {
			if runs[i].InstanceType == "" {
				cfg.onUntypedRun(instanceID, runs[i].StartTime)
			}
		}
	}
	attachTypeShape(runs, lookup)

	return runs, nil
}

// Option customizes Reconcile without widening its required signature.
type Option func(*options)

type options struct {
	onUntypedRun func(instanceID string, start time.Time)
}

// WithUntypedRunWarning registers a callback invoked once per run that
// could not resolve an instance_type from any event, before or after its
// start (spec §4.D: "leave null and emit a telemetry warning").
func WithUntypedRunWarning(fn func(instanceID string, start time.Time)) Option {
	return func(o *options) { o.onUntypedRun = fn }
}

// reconcileImageRef checks that an event's image_ref, if present, agrees
// with the open run's bound image. An empty open.imageRef is filled in
// (the binding was simply unknown yet, not a change); a populated one that
// disagrees is an invariant violation (spec §8.6 image-stability).
func reconcileImageRef(open *openRun, imageRef string) error {
	if imageRef == "" {
		return nil
	}
	if open.imageRef == "" {
		open.imageRef = imageRef
		return nil
	}
	if open.imageRef != imageRef {
		return errImageChangedMidRun
	}
	return nil
}

var errImageChangedMidRun = errImageChanged{}

type errImageChanged struct{}

func (errImageChanged) Error() string { return "image_ref changed mid-run" }

func runInvariantErr(instanceID string, cause error) error {
	return &errs.RunInvariantViolation{InstanceID: instanceID, Reason: cause.Error()}
}

// resolveForwardTypes fills InstanceType on runs that had no applicable
// event at or before their start_time, by scanning forward for the next
// event (of any run) that carries one (spec §4.D attribute inheritance,
// forward fallback).
func resolveForwardTypes(runs []run.Run, events []run.Event) {
	for i := range runs {
		if runs[i].InstanceType != "" {
			continue
		}
		for _, e := range events {
			if e.OccurredAt.After(runs[i].StartTime) && e.HasInstanceType() {
				runs[i].InstanceType = e.InstanceType
				break
			}
		}
	}
}

func attachTypeShape(runs []run.Run, lookup TypeLookup) {
	if lookup == nil {
		return
	}
	for i := range runs {
		if runs[i].InstanceType == "" {
			continue
		}
		if vcpu, mem, ok := lookup(runs[i].InstanceType); ok {
			runs[i].VCPU = vcpu
			runs[i].MemoryMiB = mem
		}
	}
}
